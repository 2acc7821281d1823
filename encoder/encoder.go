package encoder

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	BitsPerSample = 16
	BlockSize     = 4096
)

var ErrEncodingUnsupported = errors.New("no supported audio encoding")

// DefaultPreferences is the order tried when the caller has no opinion.
// Opus is listed first for hosts that register an encoder for it.
var DefaultPreferences = []string{
	"audio/ogg;codecs=opus",
	"audio/flac",
	"audio/wav",
	"audio/L16",
}

type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	return nil
}

// Encoder consumes interleaved 16-bit PCM. TotalFrames counts samples per
// channel written so far.
type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	TotalFrames() uint64
}

type Codec struct {
	MimeType string
	Ext      string
	// Supports reports whether the codec can encode the given format.
	Supports func(f Format) bool
	New      func(w io.WriteSeeker, f Format) (Encoder, error)
}

var registry = map[string]Codec{}

// Register makes a codec available to Negotiate. Registering a MIME type
// twice replaces the earlier codec.
func Register(c Codec) {
	registry[normalize(c.MimeType)] = c
}

func Lookup(mimeType string) (Codec, bool) {
	c, ok := registry[normalize(mimeType)]
	return c, ok
}

// Negotiate returns the first codec in prefs that is registered and able
// to encode f.
func Negotiate(prefs []string, f Format) (Codec, error) {
	if err := f.Validate(); err != nil {
		return Codec{}, fmt.Errorf("%w: %v", ErrEncodingUnsupported, err)
	}
	if len(prefs) == 0 {
		prefs = DefaultPreferences
	}
	for _, p := range prefs {
		c, ok := Lookup(p)
		if !ok {
			continue
		}
		if c.Supports != nil && !c.Supports(f) {
			continue
		}
		return c, nil
	}
	return Codec{}, fmt.Errorf("%w: tried %s", ErrEncodingUnsupported, strings.Join(prefs, ", "))
}

func normalize(mimeType string) string {
	return strings.ToLower(strings.ReplaceAll(mimeType, " ", ""))
}

func init() {
	Register(Codec{MimeType: "audio/flac", Ext: ".flac", New: newFlacEncoder})
	Register(Codec{MimeType: "audio/wav", Ext: ".wav", New: newWavEncoder})
	Register(Codec{MimeType: "audio/L16", Ext: ".pcm", New: newL16Encoder})
}
