package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrAlreadyAcquired = errors.New("audio session already acquired")
	ErrReleased        = errors.New("audio session released during acquisition")
)

type SessionState int

const (
	SessionInactive SessionState = iota
	SessionAcquiring
	SessionActive
	SessionStopped
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionInactive:
		return "inactive"
	case SessionAcquiring:
		return "acquiring"
	case SessionActive:
		return "active"
	case SessionStopped:
		return "stopped"
	case SessionFailed:
		return "failed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Session owns one capture device for one recording attempt. It is
// single-use: a new Session is required for every Acquire.
type Session struct {
	ctx    Context
	device *DeviceInfo

	mu        sync.Mutex
	state     SessionState
	capture   CaptureDevice
	meter     DataCallback
	startedAt time.Time
	used      bool
	err       error
}

func NewSession(ctx Context, device *DeviceInfo) *Session {
	return &Session{ctx: ctx, device: device}
}

// Acquire opens and starts the capture device, delivering samples to sink.
// The platform call may block on a permission prompt; if Release is called
// meanwhile, the device opened late is closed here and ErrReleased is
// returned.
func (s *Session) Acquire(ctx context.Context, c Constraints, sink DataCallback) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return ErrAlreadyAcquired
	}
	if s.state == SessionStopped {
		s.mu.Unlock()
		return ErrReleased
	}
	s.used = true
	s.state = SessionAcquiring
	meter := s.meter
	s.mu.Unlock()

	if c.AutoGainControl {
		agc := &autoGain{}
		next := sink
		sink = func(samples []float32) {
			agc.Process(samples)
			next(samples)
		}
	}
	if meter != nil {
		next := sink
		sink = func(samples []float32) {
			meter(samples)
			next(samples)
		}
	}

	capture, err := s.open(ctx, c, sink)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.state == SessionAcquiring {
			s.state = SessionFailed
			s.err = err
		}
		return err
	}
	if s.state != SessionAcquiring {
		teardown(capture)
		return ErrReleased
	}
	s.capture = capture
	s.state = SessionActive
	s.startedAt = time.Now()
	return nil
}

func (s *Session) open(ctx context.Context, c Constraints, sink DataCallback) (CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	capture, err := s.ctx.NewCapture(s.device, c)
	if err != nil {
		return nil, err
	}
	capture.SetCallback(sink)
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		teardown(capture)
		return nil, err
	}
	return capture, nil
}

// SetMeter registers fn to see captured samples before gain control is
// applied. It must be called before Acquire.
func (s *Session) SetMeter(fn DataCallback) {
	s.mu.Lock()
	s.meter = fn
	s.mu.Unlock()
}

// Release stops the device. It is safe to call at any time, any number of
// times, including while Acquire is still in flight.
func (s *Session) Release() {
	s.mu.Lock()
	capture := s.capture
	s.capture = nil
	switch s.state {
	case SessionAcquiring, SessionActive, SessionInactive:
		s.state = SessionStopped
	}
	s.mu.Unlock()

	if capture != nil {
		teardown(capture)
	}
}

// teardown detaches the sink before stopping so no callback fires into a
// half-released pipeline.
func teardown(capture CaptureDevice) {
	capture.ClearCallback()
	capture.Stop()
	capture.Close()
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) DeviceName() string {
	if s.device != nil {
		return s.device.Name
	}
	return "system default"
}
