package encoder

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

type WavEncoder struct {
	enc         *wav.Encoder
	format      *audio.Format
	channels    int
	totalFrames uint64
}

func newWavEncoder(w io.WriteSeeker, f Format) (Encoder, error) {
	return &WavEncoder{
		enc:      wav.NewEncoder(w, f.SampleRate, BitsPerSample, f.Channels, wavFormatPCM),
		format:   &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		channels: f.Channels,
	}, nil
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	if len(block) == 0 {
		return nil
	}
	data := make([]int, len(block))
	for i, s := range block {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{Format: e.format, Data: data, SourceBitDepth: BitsPerSample}
	if err := e.enc.Write(buf); err != nil {
		return fmt.Errorf("writing wav samples: %w", err)
	}
	e.totalFrames += uint64(len(block) / e.channels)
	return nil
}

// Close patches the RIFF and data chunk sizes, so the writer must still be
// seekable at this point.
func (e *WavEncoder) Close() error {
	return e.enc.Close()
}

func (e *WavEncoder) TotalFrames() uint64 {
	return e.totalFrames
}
