package recorder

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"scamdrill/encoder"
)

func newTestRecorder(t *testing.T, prefs ...string) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := New(Config{
		Format:      encoder.Format{SampleRate: 16000, Channels: 1},
		Preferences: prefs,
		Dir:         dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, dir
}

func sine(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = 0.3
		} else {
			s[i] = -0.3
		}
	}
	return s
}

func dirEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestRecordThreeChunks(t *testing.T) {
	for _, mime := range []string{"audio/flac", "audio/wav", "audio/L16"} {
		t.Run(mime, func(t *testing.T) {
			r, _ := newTestRecorder(t, mime)
			var chunks []Chunk
			var stopped *Artifact
			err := r.Start(Callbacks{
				OnChunk: func(c Chunk) { chunks = append(chunks, c) },
				OnStop:  func(a *Artifact) { stopped = a },
				OnError: func(err error) { t.Errorf("OnError: %v", err) },
			})
			if err != nil {
				t.Fatal(err)
			}
			for range 3 {
				r.Write(sine(1600))
			}
			if len(chunks) != 3 {
				t.Fatalf("chunks = %d, want 3", len(chunks))
			}
			for i, c := range chunks {
				if c.Seq != i || len(c.Data) != 3200 {
					t.Errorf("chunk %d: seq=%d size=%d", i, c.Seq, len(c.Data))
				}
			}

			a, err := r.Stop()
			if err != nil {
				t.Fatalf("Stop: %v", err)
			}
			t.Cleanup(func() { a.Release() })
			if a != stopped {
				t.Error("OnStop did not receive the returned artifact")
			}
			if a.Size <= 0 {
				t.Errorf("artifact size = %d", a.Size)
			}
			if a.MimeType != mime {
				t.Errorf("MimeType = %q, want %q", a.MimeType, mime)
			}
			if !r.Audio().Finalized() {
				t.Error("captured audio not finalized")
			}
			if !strings.HasPrefix(a.URL(), "file://") {
				t.Errorf("URL = %q", a.URL())
			}
			if st, err := os.Stat(a.Path); err != nil || st.Size() != a.Size {
				t.Errorf("artifact file: %v", err)
			}
			if a.Stats.Chunks != 3 || a.Stats.AudioS < 0.29 || a.Stats.AudioS > 0.31 {
				t.Errorf("stats = %+v", a.Stats)
			}
		})
	}
}

func TestRecordZeroChunks(t *testing.T) {
	r, dir := newTestRecorder(t)
	var gotErr error
	r.Start(Callbacks{
		OnStop:  func(*Artifact) { t.Error("OnStop called for empty recording") },
		OnError: func(err error) { gotErr = err },
	})
	r.Write(nil)

	a, err := r.Stop()
	if !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("Stop = %v, want ErrEmptyRecording", err)
	}
	if a != nil {
		t.Error("artifact produced for empty recording")
	}
	if !errors.Is(gotErr, ErrEmptyRecording) {
		t.Errorf("OnError got %v", gotErr)
	}
	if n := dirEntries(t, dir); n != 0 {
		t.Errorf("%d files left behind", n)
	}
}

func TestRecordTailSlice(t *testing.T) {
	r, _ := newTestRecorder(t, "audio/L16")
	var chunks int
	r.Start(Callbacks{OnChunk: func(Chunk) { chunks++ }})
	r.Write(sine(1700))
	if chunks != 1 {
		t.Fatalf("chunks before stop = %d, want 1", chunks)
	}
	a, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	if chunks != 2 {
		t.Errorf("chunks after stop = %d, want 2", chunks)
	}
	if a.Size != 3400 {
		t.Errorf("size = %d, want 3400", a.Size)
	}
}

func TestStopIdempotent(t *testing.T) {
	r, _ := newTestRecorder(t)
	if a, err := r.Stop(); a != nil || err != nil {
		t.Errorf("Stop before Start = (%v, %v)", a, err)
	}
	r.Start(Callbacks{})
	r.Write(sine(1600))
	a, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	if a2, err := r.Stop(); a2 != nil || err != nil {
		t.Errorf("second Stop = (%v, %v)", a2, err)
	}
	if err := r.Start(Callbacks{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("restart = %v, want ErrAlreadyStarted", err)
	}
}

func TestWriteAfterStopIgnored(t *testing.T) {
	r, _ := newTestRecorder(t)
	r.Start(Callbacks{})
	r.Write(sine(1600))
	a, _ := r.Stop()
	defer a.Release()
	r.Write(sine(1600))
	if n := r.Audio().Len(); n != 1 {
		t.Errorf("chunks = %d, want 1", n)
	}
}

func TestElapsedFrozenAtStop(t *testing.T) {
	r, _ := newTestRecorder(t)
	r.Start(Callbacks{})
	r.Write(sine(1600))
	time.Sleep(20 * time.Millisecond)
	a, _ := r.Stop()
	defer a.Release()
	e1 := r.Elapsed()
	time.Sleep(20 * time.Millisecond)
	if e2 := r.Elapsed(); e2 != e1 {
		t.Errorf("elapsed advanced after stop: %v → %v", e1, e2)
	}
	if e1 < 20*time.Millisecond {
		t.Errorf("elapsed = %v", e1)
	}
	if a.Duration != e1 {
		t.Errorf("artifact duration = %v, want %v", a.Duration, e1)
	}
}

func TestElapsedStartsAtFirstWrite(t *testing.T) {
	r, _ := newTestRecorder(t)
	r.Start(Callbacks{})
	time.Sleep(50 * time.Millisecond)
	if e := r.Elapsed(); e != 0 {
		t.Errorf("elapsed before any samples = %v, want 0", e)
	}
	r.Write(sine(1600))
	a, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	if a.Duration >= 50*time.Millisecond {
		t.Errorf("artifact duration = %v includes the wait before capture", a.Duration)
	}
}

func TestArtifactReleaseIdempotent(t *testing.T) {
	r, _ := newTestRecorder(t)
	r.Start(Callbacks{})
	r.Write(sine(1600))
	a, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Release(); err != nil {
		t.Fatal(err)
	}
	if err := a.Release(); err != nil {
		t.Errorf("second Release = %v", err)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Errorf("artifact still on disk: %v", err)
	}
}

func TestNewUnsupportedEncoding(t *testing.T) {
	_, err := New(Config{
		Format:      encoder.Format{SampleRate: 16000, Channels: 1},
		Preferences: []string{"audio/webm;codecs=opus"},
	})
	if !errors.Is(err, encoder.ErrEncodingUnsupported) {
		t.Errorf("New = %v, want ErrEncodingUnsupported", err)
	}
}
