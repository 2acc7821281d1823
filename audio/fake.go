package audio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
)

const fakeFrameSize = 1600 // 100ms at 16kHz

// FakeContext replays a fixed sample buffer as if it were a microphone.
type FakeContext struct {
	samples  []float32
	realtime bool

	// AcquireErr, when set, is returned by every capture's Start.
	AcquireErr error
	// Gate, when non-nil, blocks capture Start until it is closed or
	// receives a value, simulating a pending permission prompt.
	Gate chan struct{}

	open atomic.Int32

	mu   sync.Mutex
	last *FakeCapture
}

// NewFakeContext loads a WAV file (any bit depth) and replays it.
func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid WAV file", wavPath)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", wavPath, err)
	}
	scale := float32(int(1) << (d.BitDepth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return &FakeContext{samples: samples, realtime: realtime}, nil
}

func NewFakeContextFromSamples(samples []float32, realtime bool) *FakeContext {
	return &FakeContext{samples: samples, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

// Open reports how many captures are started and not yet stopped.
func (f *FakeContext) Open() int { return int(f.open.Load()) }

// AudioDone is closed once the most recently created capture has replayed
// the whole buffer. It blocks forever when no capture exists yet.
func (f *FakeContext) AudioDone() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil
	}
	return f.last.audioDone
}

func (f *FakeContext) NewCapture(_ *DeviceInfo, c Constraints) (CaptureDevice, error) {
	capture := &FakeCapture{
		ctx:       f,
		frameSize: fakeFrameSize * c.ChannelCount,
		rate:      c.SampleRate,
		audioDone: make(chan struct{}),
	}
	f.mu.Lock()
	f.last = capture
	f.mu.Unlock()
	return capture, nil
}

type FakeCapture struct {
	ctx       *FakeContext
	frameSize int
	rate      int
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	started  bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos int) int {
	pcm := f.ctx.samples
	end := min(pos+f.frameSize, len(pcm))
	chunk := make([]float32, end-pos)
	copy(chunk, pcm[pos:end])
	cb(chunk)
	return end
}

func (f *FakeCapture) Start() error {
	if f.ctx.Gate != nil {
		<-f.ctx.Gate
	}
	if f.ctx.AcquireErr != nil {
		return f.ctx.AcquireErr
	}

	f.mu.Lock()
	f.started = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	f.mu.Unlock()
	f.ctx.open.Add(1)

	interval := time.Millisecond
	if f.ctx.realtime && f.rate > 0 {
		interval = time.Duration(f.frameSize) * time.Second / time.Duration(f.rate)
	}

	go func() {
		defer close(f.feedDone)
		pos := 0
		audioFinished := false
		for {
			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
			cb := f.callback()
			if cb == nil {
				continue
			}
			if pos < len(f.ctx.samples) {
				pos = f.feedChunk(cb, pos)
				continue
			}
			if !audioFinished {
				audioFinished = true
				close(f.audioDone)
			}
			if f.ctx.realtime {
				cb(make([]float32, f.frameSize))
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	started := f.started
	f.started = false
	f.mu.Unlock()
	if !started {
		return
	}
	close(f.stopCh)
	<-f.feedDone
	f.ctx.open.Add(-1)
}

func (f *FakeCapture) Close() {}
