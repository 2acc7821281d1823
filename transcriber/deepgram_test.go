package transcriber

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

const (
	dgInterim = `{"type":"Results","is_final":false,"start":0,"duration":0.3,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`
	dgFinal   = `{"type":"Results","is_final":true,"speech_final":true,"start":0,"duration":0.9,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.97,"words":[{"word":"hello","punctuated_word":"Hello","start":0.1,"end":0.4,"confidence":0.98},{"word":"world","start":0.5,"end":0.9,"confidence":0.96}]}]}}`
	dgMeta    = `{"type":"Metadata","request_id":"req-1","duration":0.9}`
)

// fakeDeepgram answers like the listen endpoint: it replies with one interim
// and one final result after the first audio frame, and on CloseStream sends
// Metadata and closes normally.
func fakeDeepgram(t *testing.T, query chan<- string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if query != nil {
			query <- r.URL.RawQuery
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		replied := false
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary && !replied {
				replied = true
				conn.Write(ctx, websocket.MessageText, []byte(dgInterim))
				conn.Write(ctx, websocket.MessageText, []byte(dgFinal))
				continue
			}
			if typ == websocket.MessageText && strings.Contains(string(data), "CloseStream") {
				conn.Write(ctx, websocket.MessageText, []byte(dgMeta))
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDeepgramStream(t *testing.T) {
	query := make(chan string, 1)
	srv := fakeDeepgram(t, query)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.EndpointingMs = 250
	tr := New(NewDeepgram("good").WithURL(wsURL(srv)), cfg)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	q := <-query
	for _, want := range []string{"model=nova-3", "encoding=linear16", "sample_rate=16000", "channels=1",
		"interim_results=true", "smart_format=true", "punctuate=true", "endpointing=250", "language=en-US"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}

	tr.SendFrame(make([]float32, 1600))
	var state TranscriptState
	var meta Metadata
	finished := false
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				done = true
				break
			}
			switch ev.Kind {
			case EventTranscript:
				state.Apply(ev.Transcript)
				if ev.Transcript.IsFinal && !finished {
					finished = true
					tr.Finish()
				}
			case EventMetadata:
				meta = ev.Metadata
			case EventError:
				t.Errorf("unexpected error event: %v", ev.Err)
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
	tr.Disconnect()

	if state.Text() != "hello world" || state.Interim != "" {
		t.Errorf("text=%q interim=%q", state.Text(), state.Interim)
	}
	if state.Confidence != 0.97 || len(state.Words) != 2 || state.Words[0].Text != "Hello" {
		t.Errorf("confidence=%v words=%+v", state.Confidence, state.Words)
	}
	if meta.RequestID != "req-1" {
		t.Errorf("metadata = %+v", meta)
	}
	if tr.State() != StateClosed {
		t.Errorf("state = %v", tr.State())
	}
	if tr.Stats().SentFrames != 1 {
		t.Errorf("sent = %d", tr.Stats().SentFrames)
	}
}

func TestDeepgramAuthFailure(t *testing.T) {
	srv := fakeDeepgram(t, nil)
	defer srv.Close()

	tr := New(NewDeepgram("bad").WithURL(wsURL(srv)), DefaultConfig())
	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("Connect = %v, want ErrAuthFailure", err)
	}
	if tr.State() != StateError {
		t.Errorf("state = %v", tr.State())
	}
}

func TestDeepgramNetworkFailure(t *testing.T) {
	srv := fakeDeepgram(t, nil)
	u := wsURL(srv)
	srv.Close()

	tr := New(NewDeepgram("good").WithURL(u), DefaultConfig())
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrNetwork) {
		t.Fatalf("Connect = %v, want ErrNetwork", err)
	}
}

func TestDeepgramPolicyCloseIsNotAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
		conn.Close(websocket.StatusPolicyViolation, "could not decode audio")
	}))
	defer srv.Close()

	tr := New(NewDeepgram("good").WithURL(wsURL(srv)), DefaultConfig())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.SendFrame(make([]float32, 1600))

	var got error
	for _, ev := range collect(t, tr) {
		if ev.Kind == EventError {
			got = ev.Err
		}
	}
	tr.Disconnect()
	if !errors.Is(got, ErrNetwork) || errors.Is(got, ErrAuthFailure) {
		t.Fatalf("error = %v, want ErrNetwork only", got)
	}
	if !strings.Contains(got.Error(), "could not decode audio") {
		t.Errorf("error %q lost the close reason", got)
	}
}

func TestParseDeepgram(t *testing.T) {
	msg, ok, err := parseDeepgram([]byte(dgFinal))
	if err != nil || !ok {
		t.Fatalf("parse: ok=%v err=%v", ok, err)
	}
	ev := msg.Transcript
	if ev == nil || !ev.IsFinal || !ev.SpeechFinal {
		t.Fatalf("transcript = %+v", ev)
	}
	if ev.End != 900*time.Millisecond {
		t.Errorf("End = %v", ev.End)
	}
	if ev.Words[1].Text != "world" || ev.Words[1].Start != 500*time.Millisecond {
		t.Errorf("word = %+v", ev.Words[1])
	}

	if _, ok, _ := parseDeepgram([]byte(`{"type":"Unknown"}`)); ok {
		t.Error("unknown type yielded a message")
	}
	if _, _, err := parseDeepgram([]byte(`{`)); err == nil {
		t.Error("invalid json accepted")
	}
}
