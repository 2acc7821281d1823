package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SCAMDRILL_"

type CaptureConfig struct {
	Device           string `yaml:"device"`
	EchoCancellation bool   `yaml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
	AutoGainControl  bool   `yaml:"auto_gain_control"`
	SampleRate       int    `yaml:"sample_rate"`
	ChannelCount     int    `yaml:"channel_count"`
}

type RecorderConfig struct {
	MimePreferences []string `yaml:"mime_preferences"`
	SliceMS         int      `yaml:"slice_ms"`
	Dir             string   `yaml:"dir"`
}

type TranscriptionConfig struct {
	Backend         string `yaml:"backend"` // deepgram, google
	Model           string `yaml:"model"`
	GoogleModel     string `yaml:"google_model"`
	Language        string `yaml:"language"`
	SmartFormat     bool   `yaml:"smart_format"`
	Punctuate       bool   `yaml:"punctuate"`
	InterimResults  bool   `yaml:"interim_results"`
	EndpointingMS   int    `yaml:"endpointing_ms"`
	Encoding        string `yaml:"encoding"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FinalizeGraceMS int    `yaml:"finalize_grace_ms"`
}

type ScoringConfig struct {
	Mode      string `yaml:"mode"` // local, nats
	NATSURL   string `yaml:"nats_url"`
	Subject   string `yaml:"subject"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

type Config struct {
	Capture       CaptureConfig       `yaml:"capture"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Server        ServerConfig        `yaml:"server"`
}

func Default() Config {
	return Config{
		Capture: CaptureConfig{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       16000,
			ChannelCount:     1,
		},
		Recorder: RecorderConfig{
			MimePreferences: []string{"audio/ogg;codecs=opus", "audio/flac", "audio/wav", "audio/L16"},
			SliceMS:         100,
		},
		Transcription: TranscriptionConfig{
			Backend:         "deepgram",
			Model:           "nova-3",
			GoogleModel:     "latest_long",
			Language:        "en-US",
			SmartFormat:     true,
			Punctuate:       true,
			InterimResults:  true,
			EndpointingMS:   300,
			Encoding:        "linear16",
			SampleRate:      16000,
			Channels:        1,
			FinalizeGraceMS: 1500,
		},
		Scoring: ScoringConfig{
			Mode:      "local",
			NATSURL:   "nats://localhost:4222",
			Subject:   "scamdrill.score",
			TimeoutMS: 5000,
		},
		Server: ServerConfig{
			Bind: "127.0.0.1:8765",
		},
	}
}

// Load applies, in order: defaults, the YAML file at path (if any),
// SCAMDRILL_* environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv reads .env files into the environment. Variables that are
// already set win. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Capture.Device, "CAPTURE_DEVICE")
	overrideBool(&cfg.Capture.EchoCancellation, "CAPTURE_ECHO_CANCELLATION")
	overrideBool(&cfg.Capture.NoiseSuppression, "CAPTURE_NOISE_SUPPRESSION")
	overrideBool(&cfg.Capture.AutoGainControl, "CAPTURE_AUTO_GAIN_CONTROL")
	overrideInt(&cfg.Capture.SampleRate, "CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.ChannelCount, "CAPTURE_CHANNEL_COUNT")
	overrideStringSlice(&cfg.Recorder.MimePreferences, "RECORDER_MIME_PREFERENCES")
	overrideInt(&cfg.Recorder.SliceMS, "RECORDER_SLICE_MS")
	overrideString(&cfg.Recorder.Dir, "RECORDER_DIR")
	overrideString(&cfg.Transcription.Backend, "TRANSCRIPTION_BACKEND")
	overrideString(&cfg.Transcription.Model, "TRANSCRIPTION_MODEL")
	overrideString(&cfg.Transcription.GoogleModel, "TRANSCRIPTION_GOOGLE_MODEL")
	overrideString(&cfg.Transcription.Language, "TRANSCRIPTION_LANGUAGE")
	overrideBool(&cfg.Transcription.SmartFormat, "TRANSCRIPTION_SMART_FORMAT")
	overrideBool(&cfg.Transcription.Punctuate, "TRANSCRIPTION_PUNCTUATE")
	overrideBool(&cfg.Transcription.InterimResults, "TRANSCRIPTION_INTERIM_RESULTS")
	overrideInt(&cfg.Transcription.EndpointingMS, "TRANSCRIPTION_ENDPOINTING_MS")
	overrideString(&cfg.Transcription.Encoding, "TRANSCRIPTION_ENCODING")
	overrideInt(&cfg.Transcription.SampleRate, "TRANSCRIPTION_SAMPLE_RATE")
	overrideInt(&cfg.Transcription.Channels, "TRANSCRIPTION_CHANNELS")
	overrideInt(&cfg.Transcription.FinalizeGraceMS, "TRANSCRIPTION_FINALIZE_GRACE_MS")
	overrideString(&cfg.Scoring.Mode, "SCORING_MODE")
	overrideString(&cfg.Scoring.NATSURL, "SCORING_NATS_URL")
	overrideString(&cfg.Scoring.Subject, "SCORING_SUBJECT")
	overrideInt(&cfg.Scoring.TimeoutMS, "SCORING_TIMEOUT_MS")
	overrideBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	overrideString(&cfg.Server.Bind, "SERVER_BIND")
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validRate(r int) bool { return r >= 8000 && r <= 48000 }

func (c Config) Validate() error {
	if !validRate(c.Capture.SampleRate) {
		return errors.New("capture.sample_rate must be between 8000 and 48000")
	}
	if c.Capture.ChannelCount < 1 || c.Capture.ChannelCount > 2 {
		return errors.New("capture.channel_count must be 1 or 2")
	}
	if c.Recorder.SliceMS <= 0 {
		return errors.New("recorder.slice_ms must be positive")
	}
	switch c.Transcription.Backend {
	case "deepgram", "google":
	default:
		return errors.New("transcription.backend must be one of deepgram|google")
	}
	if c.Transcription.Encoding != "linear16" {
		return errors.New("transcription.encoding must be linear16")
	}
	if !validRate(c.Transcription.SampleRate) {
		return errors.New("transcription.sample_rate must be between 8000 and 48000")
	}
	if c.Transcription.Channels < 1 || c.Transcription.Channels > 2 {
		return errors.New("transcription.channels must be 1 or 2")
	}
	if c.Transcription.SampleRate != c.Capture.SampleRate || c.Transcription.Channels != c.Capture.ChannelCount {
		return errors.New("transcription sample_rate/channels must match capture")
	}
	if c.Transcription.FinalizeGraceMS <= 0 {
		return errors.New("transcription.finalize_grace_ms must be positive")
	}
	if c.Transcription.EndpointingMS < 0 {
		return errors.New("transcription.endpointing_ms must be >= 0")
	}
	switch c.Scoring.Mode {
	case "local":
	case "nats":
		if c.Scoring.NATSURL == "" {
			return errors.New("scoring.nats_url must be set when mode=nats")
		}
	default:
		return errors.New("scoring.mode must be one of local|nats")
	}
	if c.Server.Enabled && c.Server.Bind == "" {
		return errors.New("server.bind must not be empty when the server is enabled")
	}
	return nil
}

// DeepgramKey returns the API key from the environment. Keys are never
// read from the config file.
func DeepgramKey() string {
	return os.Getenv("DEEPGRAM_API_KEY")
}

func GoogleCredentials() string {
	return os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
}
