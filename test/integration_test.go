//go:build integration

package test_test

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var (
	testBinary  string
	silencePath string
	tonePath    string
)

func TestMain(m *testing.M) {
	testBinary = os.Getenv("SCAMDRILL_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "SCAMDRILL_TEST_BIN not set; build the binary and point at it")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "scamdrill-integration")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	silencePath = filepath.Join(dir, "silence.wav")
	tonePath = filepath.Join(dir, "tone.wav")
	if err := writeWAV(silencePath, 16000, make([]int16, 16000)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate silence.wav: %v\n", err)
		os.Exit(1)
	}
	if err := writeWAV(tonePath, 16000, sine(16000, 440, 16000)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate tone.wav: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func sine(rate int, freq float64, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func writeWAV(path string, sampleRate int, samples []int16) error {
	const headerSize = 44
	dataSize := len(samples) * 2

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[headerSize+i*2:], uint16(s))
	}
	return os.WriteFile(path, buf, 0644)
}

func cmds(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

type run struct {
	logDir string
	recDir string
	stdout string
}

func runScamdrill(t *testing.T, stdin string, args ...string) run {
	t.Helper()
	r := run{logDir: t.TempDir(), recDir: t.TempDir()}
	cmdArgs := append([]string{"-logpath", r.logDir, "-test"}, args...)

	cmd := exec.Command(testBinary, cmdArgs...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(os.Environ(), "SCAMDRILL_RECORDER_DIR="+r.recDir)

	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("scamdrill exited with error: %v\noutput: %s", err, out)
	}
	r.stdout = string(out)
	return r
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func requireLines(t *testing.T, stdout string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(stdout, w+"\n") {
			t.Errorf("stdout missing %q:\n%s", w, stdout)
		}
	}
}

// --- Stream tests ---

func TestStreamTranscript(t *testing.T) {
	r := runScamdrill(t, cmds("START stream", "WAIT active", "WAIT_AUDIO_DONE", "STOP", "WAIT stopped", "QUIT"),
		"-fake", "hello world|is this my bank", tonePath)
	requireLines(t, r.stdout, "state stopped",
		"transcript hello world is this my bank")

	text := readLog(t, r.logDir, "transcribe_log.txt")
	if !strings.Contains(text, "hello world") {
		t.Errorf("transcribe_log.txt missing final text:\n%s", text)
	}
}

func TestStreamMetrics(t *testing.T) {
	r := runScamdrill(t, cmds("START stream", "WAIT active", "WAIT_AUDIO_DONE", "STOP", "WAIT stopped", "QUIT"),
		"-fake", "hello", tonePath)
	diag := readLog(t, r.logDir, "diagnostics_log.txt")
	for _, want := range []string{"session_start", "stream_transcription", "connect_ms", "session_end"} {
		if !strings.Contains(diag, want) {
			t.Errorf("diagnostics missing %q", want)
		}
	}
}

func TestStreamTranscriptSurvivesReset(t *testing.T) {
	r := runScamdrill(t, cmds(
		"START stream", "WAIT active", "WAIT_AUDIO_DONE", "STOP", "WAIT stopped",
		"RESET", "WAIT idle",
		"START stream", "WAIT active", "WAIT_AUDIO_DONE", "STOP", "WAIT stopped",
		"QUIT"),
		"-fake", "call the bank", tonePath)
	requireLines(t, r.stdout, "transcript call the bank call the bank")
}

func TestScoreAfterStream(t *testing.T) {
	r := runScamdrill(t, cmds("START stream", "WAIT active", "WAIT_AUDIO_DONE", "STOP", "WAIT stopped", "SCORE", "QUIT"),
		"-scenario", "call-2", "-fake", "no I will hang up and call the bank directly to verify", tonePath)
	if !strings.Contains(r.stdout, "score ") {
		t.Fatalf("no score line:\n%s", r.stdout)
	}
	if strings.Contains(r.stdout, "score_error") {
		t.Errorf("scoring failed:\n%s", r.stdout)
	}
}

// --- Record tests ---

func TestRecordArtifact(t *testing.T) {
	r := runScamdrill(t, cmds("START record", "WAIT active", "WAIT_AUDIO_DONE", "STOP", "WAIT stopped", "PRINT", "QUIT"),
		"-mode", "record", tonePath)
	requireLines(t, r.stdout, "state stopped")
	if !strings.Contains(r.stdout, "artifact audio/flac ") {
		t.Errorf("no flac artifact reported:\n%s", r.stdout)
	}

	entries, err := os.ReadDir(r.recDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 recording in %s, got %d", r.recDir, len(entries))
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("recording is empty")
	}

	diag := readLog(t, r.logDir, "diagnostics_log.txt")
	if !strings.Contains(diag, "recording") {
		t.Error("expected recording metrics in diagnostics")
	}
}

func TestRecordStopBeforeActive(t *testing.T) {
	r := runScamdrill(t, cmds("START record", "STOP", "WAIT stopped", "QUIT"), "-mode", "record", silencePath)
	requireLines(t, r.stdout, "state stopped")
}

func TestBusyWhileActive(t *testing.T) {
	r := runScamdrill(t, cmds("START stream", "WAIT active", "START stream", "STOP", "WAIT stopped", "QUIT"),
		"-fake", "hello", tonePath)
	if !strings.Contains(r.stdout, "start_error") {
		t.Errorf("second START while active should fail:\n%s", r.stdout)
	}
}
