package transcriber

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, tr *Transcriber) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event channel not closed; got %d events", len(events))
		}
	}
}

func kinds(events []Event) []EventKind {
	var out []EventKind
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func equalKinds(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func frame() []float32 { return make([]float32, 160) }

func TestSendFrameDroppedWhenNotOpen(t *testing.T) {
	b := &FakeBackend{}
	tr := New(b, DefaultConfig())

	for range 5 {
		tr.SendFrame(frame())
	}
	if got := tr.Stats().DroppedFrames; got != 5 {
		t.Errorf("dropped before connect = %d, want 5", got)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		tr.SendFrame(frame())
	}
	s := b.Last()
	waitFor(t, "3 frames sent", func() bool { return len(s.Sent()) == 3 })

	tr.Disconnect()
	for range 4 {
		tr.SendFrame(frame())
	}
	if n := len(s.Sent()); n != 3 {
		t.Errorf("frames transmitted = %d, want 3", n)
	}
	st := tr.Stats()
	if st.DroppedFrames != 9 || st.SentFrames != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSendFrameDroppedAfterFinish(t *testing.T) {
	b := &FakeBackend{ManualClose: true}
	tr := New(b, DefaultConfig())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.SendFrame(frame())
	tr.Finish()
	tr.SendFrame(frame())
	s := b.Last()
	waitFor(t, "flush", s.Flushed)
	if n := len(s.Sent()); n != 1 {
		t.Errorf("frames transmitted = %d, want 1", n)
	}
	tr.Disconnect()
}

func TestSendFrameQuantizes(t *testing.T) {
	b := &FakeBackend{}
	tr := New(b, DefaultConfig())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Disconnect()
	tr.SendFrame([]float32{1.5, -2, 0})
	s := b.Last()
	waitFor(t, "frame", func() bool { return len(s.Sent()) == 1 })
	got := s.Sent()[0]
	want := []byte{0xff, 0x7f, 0x00, 0x80, 0x00, 0x00}
	if string(got) != string(want) {
		t.Errorf("pcm = % x, want % x", got, want)
	}
}

func TestEventsInOrderThenClose(t *testing.T) {
	b := &FakeBackend{}
	tr := New(b, DefaultConfig())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := b.Last()
	s.PushTranscript("hel", false, 300*time.Millisecond)
	s.PushTranscript("hello world", true, 900*time.Millisecond)
	tr.Finish()

	events := collect(t, tr)
	want := []EventKind{EventOpen, EventTranscript, EventTranscript, EventMetadata, EventClose}
	if !equalKinds(kinds(events), want) {
		t.Fatalf("events = %v, want %v", kinds(events), want)
	}
	if events[1].Transcript.Text != "hel" || !events[2].Transcript.IsFinal {
		t.Errorf("transcripts out of order: %+v %+v", events[1].Transcript, events[2].Transcript)
	}
	if tr.State() != StateClosed {
		t.Errorf("state = %v, want closed", tr.State())
	}
	tr.Disconnect()
	if tr.State() != StateClosed {
		t.Errorf("state after disconnect = %v", tr.State())
	}
	st := tr.Stats()
	if st.RecvFinal != 1 || st.RecvInterim != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCloseDeliveredToLaggingConsumer(t *testing.T) {
	b := &FakeBackend{}
	tr := New(b, DefaultConfig())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := b.Last()
	const pushed = 400
	go func() {
		for i := range pushed {
			s.PushTranscript("hel", false, time.Duration(i)*time.Millisecond)
		}
		s.Hangup()
	}()

	waitFor(t, "full event queue", func() bool { return len(tr.Events()) == eventQueueLen })
	var events []Event
	for ev := range tr.Events() {
		events = append(events, ev)
		if len(events)%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if n := len(events); n != pushed+2 {
		t.Fatalf("got %d events, want %d", n, pushed+2)
	}
	if last := events[len(events)-1].Kind; last != EventClose {
		t.Errorf("last event = %v, want close", last)
	}
	if tr.State() != StateClosed {
		t.Errorf("state = %v, want closed", tr.State())
	}
	tr.Disconnect()
}

func TestErrorAfterOpenIsReportedNotRetried(t *testing.T) {
	b := &FakeBackend{}
	tr := New(b, DefaultConfig())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.Last().Fail(errors.New("connection reset by peer"))

	events := collect(t, tr)
	want := []EventKind{EventOpen, EventError, EventClose}
	if !equalKinds(kinds(events), want) {
		t.Fatalf("events = %v, want %v", kinds(events), want)
	}
	if !errors.Is(events[1].Err, ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork", events[1].Err)
	}
	if tr.State() != StateError {
		t.Errorf("state = %v, want error", tr.State())
	}
	if n := len(b.Streams()); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
	tr.Disconnect()
	if tr.State() != StateClosed {
		t.Errorf("state after disconnect = %v, want closed", tr.State())
	}
}

func TestConnectFailure(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want error
	}{
		{"auth", ErrAuthFailure, ErrAuthFailure},
		{"network", errors.New("dial tcp: no route to host"), ErrNetwork},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(&FakeBackend{DialErr: tt.err}, DefaultConfig())
			err := tr.Connect(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Connect = %v, want %v", err, tt.want)
			}
			if tr.State() != StateError {
				t.Errorf("state = %v, want error", tr.State())
			}
			events := collect(t, tr)
			if !equalKinds(kinds(events), []EventKind{EventError, EventClose}) {
				t.Errorf("events = %v", kinds(events))
			}
			tr.Disconnect()
			if tr.State() != StateClosed {
				t.Errorf("state after disconnect = %v", tr.State())
			}
		})
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	tr := New(&FakeBackend{}, DefaultConfig())
	tr.Disconnect()
	tr.Disconnect()
	if tr.State() != StateClosed {
		t.Errorf("state = %v", tr.State())
	}
	if events := collect(t, tr); !equalKinds(kinds(events), []EventKind{EventClose}) {
		t.Errorf("events = %v", kinds(events))
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Disconnect = %v, want ErrClosed", err)
	}
}

func TestDisconnectDuringConnect(t *testing.T) {
	b := &FakeBackend{Gate: make(chan struct{})}
	tr := New(b, DefaultConfig())
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Connect(context.Background()) }()

	waitFor(t, "connecting", func() bool { return tr.State() == StateConnecting })
	tr.Disconnect()
	close(b.Gate)

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect = %v, want ErrClosed", err)
	}
	if tr.State() != StateClosed {
		t.Errorf("state = %v", tr.State())
	}
	if s := b.Last(); s == nil || !s.Closed() {
		t.Error("late stream not closed")
	}
	collect(t, tr)
}

func TestScriptedFake(t *testing.T) {
	b := NewFake("hello world")
	tr := New(b, DefaultConfig())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range 5 {
		tr.SendFrame(frame())
	}
	waitFor(t, "frames", func() bool { return len(b.Last().Sent()) == 5 })
	tr.Finish()

	var state TranscriptState
	for _, ev := range collect(t, tr) {
		if ev.Kind == EventTranscript {
			state.Apply(ev.Transcript)
		}
	}
	if state.Text() != "hello world" || state.Interim != "" {
		t.Errorf("text=%q interim=%q", state.Text(), state.Interim)
	}
}
