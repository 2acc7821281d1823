package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"scamdrill/audio"
	"scamdrill/config"
	"scamdrill/scoring"
	"scamdrill/session"
	"scamdrill/transcriber"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func tone(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = 0.25
		} else {
			s[i] = -0.25
		}
	}
	return s
}

func testApp(t *testing.T, mode session.Mode, backend transcriber.Backend) (*app, *audio.FakeContext) {
	t.Helper()
	cfg := config.Default()
	cfg.Recorder.Dir = t.TempDir()
	cfg.Recorder.MimePreferences = []string{"audio/wav"}
	cfg.Transcription.FinalizeGraceMS = 500

	fake := audio.NewFakeContextFromSamples(tone(16000), false)
	coord := session.New(newDeps(cfg, fake, nil, backend), sessionOptions(cfg))
	t.Cleanup(coord.Close)
	return &app{
		coord:    coord,
		scorer:   scoring.NewKeyword(),
		mode:     mode,
		scenario: "call-2",
		device:   deviceLine(nil),
		backend:  backend.Name(),
	}, fake
}

// drive runs a command script and returns everything printed.
func drive(t *testing.T, a *app, fake *audio.FakeContext, script string) string {
	t.Helper()
	out := &syncBuffer{}
	snaps, cancel := a.coord.Subscribe()
	d := newTestDriver(a, fake, out)
	go d.watch(snaps)

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := d.run(ctx, strings.NewReader(script)); err != nil {
		t.Fatalf("script failed: %v\noutput:\n%s", err, out.String())
	}
	cancel()
	for range d.states {
	}
	return out.String()
}

func TestTestModeStream(t *testing.T) {
	a, fake := testApp(t, session.ModeStream, transcriber.NewFake("no I will hang up", "and call the bank to verify"))
	out := drive(t, a, fake, strings.Join([]string{
		"START", "WAIT active", "WAIT_AUDIO_DONE", "STOP", "WAIT stopped", "SCORE", "QUIT",
	}, "\n"))

	for _, want := range []string{
		"state stopped\n",
		"transcript no I will hang up and call the bank to verify\n",
		"score ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTestModeRecord(t *testing.T) {
	a, fake := testApp(t, session.ModeRecord, transcriber.NewFake())
	out := drive(t, a, fake, "START record\nWAIT active\nWAIT_AUDIO_DONE\nSTOP\nWAIT stopped\nPRINT\n")

	_, line, ok := strings.Cut(out, "artifact audio/wav ")
	if !ok {
		t.Fatalf("no artifact line:\n%s", out)
	}
	line, _, _ = strings.Cut(line, "\n")
	_, path, _ := strings.Cut(line, " ")

	// Kept recordings survive the session.
	a.coord.Reset()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("kept recording removed on reset: %v", err)
	}
}

func TestTestModeErrors(t *testing.T) {
	a, fake := testApp(t, session.ModeStream, &transcriber.FakeBackend{DialErr: transcriber.ErrAuthFailure})
	out := drive(t, a, fake, "START\nWAIT errored\nSTART\nRESET\nWAIT idle\n")

	for _, want := range []string{"error channel_auth_failure\n", "start_error "} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTestModeUnknownCommand(t *testing.T) {
	a, fake := testApp(t, session.ModeStream, transcriber.NewFake())
	d := newTestDriver(a, fake, &syncBuffer{})
	if err := d.run(context.Background(), strings.NewReader("JUMP\n")); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestToggle(t *testing.T) {
	a, _ := testApp(t, session.ModeStream, &transcriber.FakeBackend{DialErr: transcriber.ErrAuthFailure})
	if err := a.toggle(session.ModeStream); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for a.coord.Snapshot().State != session.Errored {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want errored", a.coord.Snapshot().State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := a.toggle(session.ModeStream); err == nil || !strings.Contains(err.Error(), "reset") {
		t.Errorf("toggle on errored session = %v, want reset hint", err)
	}
}

func TestFinishScoresAndSkipsEmpty(t *testing.T) {
	a, _ := testApp(t, session.ModeStream, transcriber.NewFake())
	if _, _, err := a.finish(context.Background(), session.Snapshot{}); err != nil {
		t.Errorf("empty transcript: %v", err)
	}
	res, copied, err := a.finish(context.Background(), session.Snapshot{Transcript: "I will hang up and call the bank to verify"})
	if err != nil {
		t.Fatal(err)
	}
	if copied {
		t.Error("copied without -copy")
	}
	if res.Score < 70 {
		t.Errorf("score = %d, want a good response", res.Score)
	}
}

func TestWiringFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.SampleRate = 48000
	cfg.Transcription.SampleRate = 48000
	cfg.Transcription.FinalizeGraceMS = 2500

	if got := captureConstraints(cfg); got.SampleRate != 48000 || !got.EchoCancellation {
		t.Errorf("captureConstraints = %+v", got)
	}
	if got := transcriberConfig(cfg); got.SampleRate != 48000 || got.Encoding != "linear16" {
		t.Errorf("transcriberConfig = %+v", got)
	}
	if got := sessionOptions(cfg).FinalizeGrace; got != 2500*time.Millisecond {
		t.Errorf("FinalizeGrace = %v", got)
	}
	if got := newBackend(cfg).Name(); got != "deepgram" {
		t.Errorf("default backend = %q", got)
	}
	cfg.Transcription.Backend = "google"
	if got := newBackend(cfg).Name(); got != "google" {
		t.Errorf("google backend = %q", got)
	}

	scorer, closeScorer, err := newScorer(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer closeScorer()
	if _, ok := scorer.(*scoring.Keyword); !ok {
		t.Errorf("local scorer = %T", scorer)
	}
}

func TestDeviceLine(t *testing.T) {
	tests := []struct {
		dev  *audio.DeviceInfo
		want string
	}{
		{nil, "mic: system default"},
		{&audio.DeviceInfo{Name: "USB Mic"}, "mic: USB Mic"},
		{&audio.DeviceInfo{Name: "AirPods Pro"}, "mic: AirPods Pro (BT!)"},
	}
	for _, tt := range tests {
		if got := deviceLine(tt.dev); got != tt.want {
			t.Errorf("deviceLine(%v) = %q, want %q", tt.dev, got, tt.want)
		}
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("the quick brown fox jumps", 10)
	want := []string{"the quick", "brown fox", "jumps"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("wrapText = %q, want %q", got, want)
	}
}
