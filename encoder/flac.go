package encoder

import (
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// FlacEncoder writes fixed-size verbatim frames. Input is buffered until a
// full BlockSize is available; the short remainder becomes the last frame.
type FlacEncoder struct {
	enc         *flac.Encoder
	format      Format
	pending     []int16
	totalFrames uint64
}

func newFlacEncoder(w io.WriteSeeker, f Format) (Encoder, error) {
	return NewFlac(w, f)
}

func NewFlac(w io.WriteSeeker, f Format) (*FlacEncoder, error) {
	info := &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    uint32(f.SampleRate),
		NChannels:     uint8(f.Channels),
		BitsPerSample: BitsPerSample,
	}
	enc, err := flac.NewEncoder(w, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	return &FlacEncoder{enc: enc, format: f}, nil
}

func (e *FlacEncoder) EncodeBlock(block []int16) error {
	e.pending = append(e.pending, block...)
	n := BlockSize * e.format.Channels
	for len(e.pending) >= n {
		if err := e.writeFrame(e.pending[:n]); err != nil {
			return err
		}
		e.pending = e.pending[n:]
	}
	return nil
}

func (e *FlacEncoder) writeFrame(interleaved []int16) error {
	nch := e.format.Channels
	nframes := len(interleaved) / nch
	subframes := make([]*frame.Subframe, nch)
	for ch := range nch {
		samples := make([]int32, nframes)
		for i := range nframes {
			samples[i] = int32(interleaved[i*nch+ch])
		}
		subframes[ch] = &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  nframes,
		}
	}

	channels := frame.ChannelsMono
	if nch == 2 {
		channels = frame.ChannelsLR
	}
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(nframes),
			SampleRate:    uint32(e.format.SampleRate),
			Channels:      channels,
			BitsPerSample: BitsPerSample,
		},
		Subframes: subframes,
	}
	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	e.totalFrames += uint64(nframes)
	return nil
}

func (e *FlacEncoder) Close() error {
	if len(e.pending) >= e.format.Channels {
		rem := len(e.pending) - len(e.pending)%e.format.Channels
		if err := e.writeFrame(e.pending[:rem]); err != nil {
			return err
		}
	}
	e.pending = nil
	return e.enc.Close()
}

func (e *FlacEncoder) TotalFrames() uint64 {
	return e.totalFrames
}
