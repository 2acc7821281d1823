package encoder

import (
	"encoding/binary"
	"fmt"
	"io"
)

// L16Encoder writes headerless little-endian PCM.
type L16Encoder struct {
	w           io.Writer
	channels    int
	totalFrames uint64
}

func newL16Encoder(w io.WriteSeeker, f Format) (Encoder, error) {
	return &L16Encoder{w: w, channels: f.Channels}, nil
}

func (e *L16Encoder) EncodeBlock(block []int16) error {
	if err := binary.Write(e.w, binary.LittleEndian, block); err != nil {
		return fmt.Errorf("writing pcm: %w", err)
	}
	e.totalFrames += uint64(len(block) / e.channels)
	return nil
}

func (e *L16Encoder) Close() error { return nil }

func (e *L16Encoder) TotalFrames() uint64 {
	return e.totalFrames
}
