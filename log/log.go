package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const envLogPath = "SCAMDRILL_LOG_PATH"

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcribeFile *os.File
	logMu          sync.Mutex
	logReady       bool
	debug          bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: SCAMDRILL_LOG_PATH environment variable
	if envPath := os.Getenv(envLogPath); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

// SetDebug enables Debugf output.
func SetDebug(on bool) {
	debug = on
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcribePath := filepath.Join(dir, "transcribe_log.txt")
	transcribeFile, err = os.OpenFile(transcribePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Debugf(format string, args ...any) {
	if logReady && debug {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// TranscriptionText appends one finalized transcript to transcribe_log.txt.
func TranscriptionText(id, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, id, text)
	transcribeFile.WriteString(line)
}

type RecordingMetricsData struct {
	MimeType       string
	Chunks         int
	AudioS         float64
	ElapsedS       float64
	RawKB          float64
	EncodedKB      float64
	CompressionPct float64
	EncodeMs       float64
}

func RecordingMetrics(id string, m RecordingMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("mime", m.MimeType).
		Int("chunks", m.Chunks).
		Float64("audio_s", m.AudioS).
		Float64("elapsed_s", m.ElapsedS).
		Float64("raw_kb", m.RawKB).
		Float64("encoded_kb", m.EncodedKB).
		Float64("compression_pct", m.CompressionPct).
		Float64("encode_ms", m.EncodeMs).
		Msg("recording")
}

type StreamMetricsData struct {
	Backend       string
	ConnectMs     float64
	FinalizeMs    float64
	TotalMs       float64
	AudioS        float64
	SentFrames    int
	SentKB        float64
	DroppedFrames int
	RecvMessages  int
	RecvFinal     int
	RecvInterim   int
	StaleInterim  int
}

func StreamMetrics(id string, m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("backend", m.Backend).
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_frames", m.SentFrames).
		Float64("sent_kb", m.SentKB).
		Int("dropped_frames", m.DroppedFrames).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Int("recv_interim", m.RecvInterim).
		Int("stale_interim", m.StaleInterim).
		Msg("stream_transcription")
}

func SessionStart(id, mode, backend string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("mode", mode).
		Str("backend", backend).
		Msg("session_start")
}

func SessionEnd(id, state string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("state", state).
		Msg("session_end")
}

func StateChange(id, from, to string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("from", from).
		Str("to", to).
		Msg("state")
}

func Score(id, scenario string, score int, quality string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("scenario", scenario).
		Int("score", score).
		Str("quality", quality).
		Msg("score")
}
