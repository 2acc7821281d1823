package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"scamdrill/audio"
	"scamdrill/log"
)

const (
	frameQueueLen  = 128
	eventQueueLen  = 256
	drainTimeout   = 2 * time.Second
	bytesPerSample = 2
)

type Stats struct {
	Backend       string
	ConnectDur    time.Duration
	SentFrames    int
	SentBytes     uint64
	DroppedFrames int
	RecvMessages  int
	RecvFinal     int
	RecvInterim   int
	FinalizeWait  time.Duration
	SessionDur    time.Duration
	SampleRate    int
	Channels      int
}

func (s Stats) AudioDuration() float64 {
	if s.SampleRate == 0 || s.Channels == 0 {
		return 0
	}
	return float64(s.SentBytes) / float64(s.SampleRate*s.Channels*bytesPerSample)
}

// Transcriber owns one streaming connection. It is created per session and
// cannot be reconnected once closed.
type Transcriber struct {
	backend Backend
	cfg     Config
	events  chan Event
	quit    chan struct{}

	mu          sync.Mutex
	state       ConnectionState
	stream      Stream
	audioCh     chan []byte
	finishing   bool
	sendClosed  bool
	closing     bool
	dropWarned  bool
	err         error
	errOnce     sync.Once
	closeOnce   sync.Once
	disconnect  sync.Once
	sendDone    chan struct{}
	recvDone    chan struct{}
	startedAt   time.Time
	finishStart time.Time
	stats       Stats
}

func New(backend Backend, cfg Config) *Transcriber {
	return &Transcriber{
		backend: backend,
		cfg:     cfg,
		events:  make(chan Event, eventQueueLen),
		quit:    make(chan struct{}),
		stats: Stats{
			Backend:    backend.Name(),
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		},
	}
}

func (t *Transcriber) Events() <-chan Event { return t.events }

func (t *Transcriber) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transcriber) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Err returns the error that moved the connection to StateError.
func (t *Transcriber) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Connect dials the backend. On failure the state is StateError, the
// returned error wraps ErrAuthFailure or ErrNetwork, and the event channel
// is closed after EventError and EventClose.
func (t *Transcriber) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateIdle:
	case StateClosed:
		t.mu.Unlock()
		return ErrClosed
	default:
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = StateConnecting
	t.startedAt = time.Now()
	t.mu.Unlock()

	connectStart := time.Now()
	stream, err := t.backend.Dial(ctx, t.cfg)

	t.mu.Lock()
	t.stats.ConnectDur = time.Since(connectStart)
	if t.state != StateConnecting {
		// Disconnected while dialing.
		t.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		t.closeEvents()
		return ErrClosed
	}
	if err != nil {
		err = classify(err)
		t.state = StateError
		t.err = err
		t.mu.Unlock()
		t.emit(Event{Kind: EventError, Err: err})
		t.closeEvents()
		return err
	}
	t.stream = stream
	t.audioCh = make(chan []byte, frameQueueLen)
	t.sendDone = make(chan struct{})
	t.recvDone = make(chan struct{})
	t.state = StateOpen
	t.mu.Unlock()

	log.Infof("stream open: %s (%dms)", t.backend.Name(), t.stats.ConnectDur.Milliseconds())
	t.emit(Event{Kind: EventOpen})
	go t.runSender(stream, t.audioCh)
	go t.runReceiver(stream)
	return nil
}

// SendFrame quantizes samples to 16-bit PCM and queues them for sending.
// Frames offered while the connection is not open are dropped, never
// queued; a full queue also drops.
func (t *Transcriber) SendFrame(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen || t.finishing || t.closing {
		t.stats.DroppedFrames++
		if !t.dropWarned {
			t.dropWarned = true
			log.Warnf("dropping audio frames: connection %s", t.state)
		}
		return
	}
	pcm := audio.PCM16LE(audio.Quantize(samples))
	select {
	case t.audioCh <- pcm:
	default:
		t.stats.DroppedFrames++
		if !t.dropWarned {
			t.dropWarned = true
			log.Warn("dropping audio frames: send queue full")
		}
	}
}

// Finish stops accepting frames and asks the backend to flush its final
// results. The backend then closes the connection, which ends with
// EventClose.
func (t *Transcriber) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen || t.finishing || t.closing {
		return
	}
	t.finishing = true
	t.finishStart = time.Now()
	t.sendClosed = true
	close(t.audioCh)
}

// Disconnect tears the connection down. It is idempotent and always leaves
// the state at StateClosed.
func (t *Transcriber) Disconnect() {
	t.disconnect.Do(func() {
		t.mu.Lock()
		prev := t.state
		t.closing = true
		if t.audioCh != nil && !t.sendClosed {
			t.sendClosed = true
			close(t.audioCh)
		}
		stream := t.stream
		sendDone, recvDone := t.sendDone, t.recvDone
		t.state = StateClosed
		t.mu.Unlock()
		close(t.quit)

		switch {
		case prev == StateIdle:
			t.closeEvents()
		case stream != nil:
			stream.Close()
			t.wait(sendDone, "sender")
			t.wait(recvDone, "receiver")
		}

		t.mu.Lock()
		t.state = StateClosed
		if !t.startedAt.IsZero() {
			t.stats.SessionDur = time.Since(t.startedAt)
		}
		t.mu.Unlock()
	})
}

func (t *Transcriber) wait(done <-chan struct{}, what string) {
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warnf("stream %s drain timeout", what)
	}
}

func (t *Transcriber) runSender(stream Stream, frames <-chan []byte) {
	defer close(t.sendDone)
	for pcm := range frames {
		if err := stream.Send(pcm); err != nil {
			t.fail(err)
			return
		}
		t.mu.Lock()
		t.stats.SentFrames++
		t.stats.SentBytes += uint64(len(pcm))
		t.mu.Unlock()
	}
	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()
	if closing {
		return
	}
	if err := stream.CloseSend(); err != nil {
		t.fail(err)
	}
}

func (t *Transcriber) runReceiver(stream Stream) {
	defer close(t.recvDone)
	defer t.closeEvents()
	for {
		msg, err := stream.Recv()
		if err != nil {
			t.finishReceive(err)
			return
		}

		t.mu.Lock()
		t.stats.RecvMessages++
		if msg.Transcript != nil {
			if msg.Transcript.IsFinal {
				t.stats.RecvFinal++
			} else {
				t.stats.RecvInterim++
			}
		}
		t.mu.Unlock()

		switch {
		case msg.Transcript != nil:
			t.emit(Event{Kind: EventTranscript, Transcript: *msg.Transcript})
		case msg.Metadata != nil:
			t.emit(Event{Kind: EventMetadata, Metadata: *msg.Metadata})
		}
	}
}

// finishReceive settles the terminal state once the stream stops yielding.
func (t *Transcriber) finishReceive(recvErr error) {
	t.mu.Lock()
	if !t.finishStart.IsZero() {
		t.stats.FinalizeWait = time.Since(t.finishStart)
	}
	failure := t.err
	switch {
	case failure != nil:
		t.state = StateError
	case t.closing || errors.Is(recvErr, io.EOF):
		if t.state != StateError {
			t.state = StateClosed
		}
	default:
		failure = classify(recvErr)
		t.err = failure
		t.state = StateError
	}
	t.mu.Unlock()

	if failure != nil {
		log.Errorf("stream error: %v", failure)
		t.emit(Event{Kind: EventError, Err: failure})
	}
}

func (t *Transcriber) fail(err error) {
	t.errOnce.Do(func() {
		t.mu.Lock()
		closing := t.closing
		if !closing && t.err == nil {
			t.err = classify(err)
		}
		stream := t.stream
		t.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
	})
}

// emit blocks while the consumer is behind; after Disconnect pending events
// are discarded.
func (t *Transcriber) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.quit:
	}
}

// closeEvents delivers EventClose and closes the channel. Only the
// goroutine that last emits may call it. Like emit it waits for a lagging
// consumer; after Disconnect it still queues EventClose when there is room.
func (t *Transcriber) closeEvents() {
	t.closeOnce.Do(func() {
		ev := Event{Kind: EventClose}
		select {
		case t.events <- ev:
		default:
			t.emit(ev)
		}
		close(t.events)
	})
}

// classify maps backend errors onto ErrAuthFailure or ErrNetwork unless
// they already carry one.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func (t *Transcriber) LogMetrics(id string, staleInterim int) {
	s := t.Stats()
	log.StreamMetrics(id, log.StreamMetricsData{
		Backend:       s.Backend,
		ConnectMs:     float64(s.ConnectDur.Milliseconds()),
		FinalizeMs:    float64(s.FinalizeWait.Milliseconds()),
		TotalMs:       float64(s.SessionDur.Milliseconds()),
		AudioS:        s.AudioDuration(),
		SentFrames:    s.SentFrames,
		SentKB:        float64(s.SentBytes) / 1024,
		DroppedFrames: s.DroppedFrames,
		RecvMessages:  s.RecvMessages,
		RecvFinal:     s.RecvFinal,
		RecvInterim:   s.RecvInterim,
		StaleInterim:  staleInterim,
	})
}

// Lines formats the stats for the TUI metrics pane.
func (s Stats) Lines() []string {
	chans := "mono"
	if s.Channels == 2 {
		chans = "stereo"
	}
	return []string{
		fmt.Sprintf("audio:      %.1fs | %.1f KB PCM sent", s.AudioDuration(), float64(s.SentBytes)/1024),
		fmt.Sprintf("stream:     %s | PCM16 %dHz %s", s.Backend, s.SampleRate, chans),
		fmt.Sprintf("connect:    %dms", s.ConnectDur.Milliseconds()),
		fmt.Sprintf("sent:       %d frames | %d dropped", s.SentFrames, s.DroppedFrames),
		fmt.Sprintf("recv:       %d msgs (%d final, %d interim)", s.RecvMessages, s.RecvFinal, s.RecvInterim),
		fmt.Sprintf("finalize:   %dms", s.FinalizeWait.Milliseconds()),
		fmt.Sprintf("total:      %dms", s.SessionDur.Milliseconds()),
	}
}
