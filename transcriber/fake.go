package transcriber

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

var errFakeClosed = errors.New("fake stream closed")

// FakeBackend is an in-process backend. With a Script it plays one
// transcript event every FramesPerEvent frames received; tests can also
// drive streams directly through Push, Fail and Hangup.
type FakeBackend struct {
	DialErr        error
	Gate           chan struct{} // when non-nil, Dial blocks until closed
	Script         []TranscriptEvent
	FramesPerEvent int
	// ManualClose keeps the stream open after CloseSend until Hangup.
	ManualClose bool

	mu      sync.Mutex
	streams []*FakeStream
}

// NewFake builds a script that, for every phrase, sends an interim result
// with the first half of its words followed by the final phrase.
func NewFake(phrases ...string) *FakeBackend {
	var script []TranscriptEvent
	var offset time.Duration
	for _, p := range phrases {
		words := strings.Fields(p)
		half := strings.Join(words[:(len(words)+1)/2], " ")
		end := offset + time.Duration(len(words))*400*time.Millisecond
		script = append(script,
			TranscriptEvent{Text: half, Start: offset, End: end - 200*time.Millisecond},
			TranscriptEvent{Text: p, Confidence: 0.9, IsFinal: true, SpeechFinal: true, Start: offset, End: end},
		)
		offset = end
	}
	return &FakeBackend{Script: script, FramesPerEvent: 5}
}

func (b *FakeBackend) Name() string { return "fake" }

func (b *FakeBackend) Dial(ctx context.Context, _ Config) (Stream, error) {
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	s := &FakeStream{
		backend: b,
		inbox:   make(chan Message, 256),
		end:     make(chan error, 1),
		closed:  make(chan struct{}),
	}
	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()
	return s, nil
}

// Streams returns every stream dialed so far.
func (b *FakeBackend) Streams() []*FakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakeStream(nil), b.streams...)
}

func (b *FakeBackend) Last() *FakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

type FakeStream struct {
	backend *FakeBackend
	inbox   chan Message
	end     chan error
	closed  chan struct{}

	mu        sync.Mutex
	sent      [][]byte
	scriptPos int
	flushed   bool
	ended     bool
	closeOnce sync.Once
}

func (s *FakeStream) Send(pcm []byte) error {
	select {
	case <-s.closed:
		return errFakeClosed
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	n := len(s.sent)
	var next *TranscriptEvent
	b := s.backend
	if b.FramesPerEvent > 0 && n%b.FramesPerEvent == 0 && s.scriptPos < len(b.Script) {
		ev := b.Script[s.scriptPos]
		next = &ev
		s.scriptPos++
	}
	s.mu.Unlock()
	if next != nil {
		s.Push(Message{Transcript: next})
	}
	return nil
}

// CloseSend plays the remaining final script events and, unless
// ManualClose is set, ends the stream.
func (s *FakeStream) CloseSend() error {
	s.mu.Lock()
	s.flushed = true
	var rest []TranscriptEvent
	for ; s.scriptPos < len(s.backend.Script); s.scriptPos++ {
		if ev := s.backend.Script[s.scriptPos]; ev.IsFinal {
			ev.FromFinalize = true
			rest = append(rest, ev)
		}
	}
	s.mu.Unlock()
	for i := range rest {
		s.Push(Message{Transcript: &rest[i]})
	}
	if !s.backend.ManualClose {
		s.Push(Message{Metadata: &Metadata{Type: "Metadata", RequestID: "fake"}})
		s.Hangup()
	}
	return nil
}

func (s *FakeStream) Recv() (Message, error) {
	select {
	case m := <-s.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-s.inbox:
		return m, nil
	case err := <-s.end:
		select {
		case m := <-s.inbox:
			s.end <- err
			return m, nil
		default:
		}
		return Message{}, err
	case <-s.closed:
		return Message{}, errFakeClosed
	}
}

func (s *FakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Push queues a server message.
func (s *FakeStream) Push(m Message) {
	s.inbox <- m
}

func (s *FakeStream) PushTranscript(text string, final bool, end time.Duration) {
	s.Push(Message{Transcript: &TranscriptEvent{Text: text, IsFinal: final, End: end, Confidence: 0.9}})
}

// Fail makes Recv return err once queued messages are consumed.
func (s *FakeStream) Fail(err error) {
	s.finish(err)
}

// Hangup ends the stream cleanly.
func (s *FakeStream) Hangup() {
	s.finish(io.EOF)
}

func (s *FakeStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.end <- err
}

func (s *FakeStream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *FakeStream) Flushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func (s *FakeStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
	}
	return false
}
