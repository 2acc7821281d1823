package transcriber

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthFailure      = errors.New("transcription backend rejected credentials")
	ErrNetwork          = errors.New("transcription backend network error")
	ErrAlreadyConnected = errors.New("transcriber already connected")
	ErrClosed           = errors.New("transcriber closed")
)

// Config carries the streaming parameters sent to the backend.
type Config struct {
	Model          string
	Language       string
	SmartFormat    bool
	Punctuate      bool
	InterimResults bool
	EndpointingMs  int
	Encoding       string // only "linear16" is produced by this client
	SampleRate     int
	Channels       int
}

func DefaultConfig() Config {
	return Config{
		Model:          "nova-3",
		Language:       "en-US",
		SmartFormat:    true,
		Punctuate:      true,
		InterimResults: true,
		EndpointingMs:  300,
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
	}
}

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type EventKind int

const (
	EventOpen EventKind = iota
	EventTranscript
	EventMetadata
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventTranscript:
		return "transcript"
	case EventMetadata:
		return "metadata"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

type Word struct {
	Text       string        `json:"text"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
}

// TranscriptEvent is one recognition result. Start and End are offsets
// into the audio sent on this connection.
type TranscriptEvent struct {
	Text         string
	Confidence   float64
	IsFinal      bool
	SpeechFinal  bool
	FromFinalize bool
	Start        time.Duration
	End          time.Duration
	Words        []Word
}

type Metadata struct {
	Type      string // backend message type, e.g. "Metadata", "UtteranceEnd"
	RequestID string
	Duration  time.Duration
}

type Event struct {
	Kind       EventKind
	Transcript TranscriptEvent
	Metadata   Metadata
	Err        error
}

// Message is what a backend stream yields per Recv.
type Message struct {
	Transcript *TranscriptEvent
	Metadata   *Metadata
}

// Backend opens streaming recognition connections.
type Backend interface {
	Name() string
	Dial(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is one open backend connection. Recv returns io.EOF after the
// backend closes cleanly. CloseSend asks the backend to flush pending
// results and close.
type Stream interface {
	Send(pcm []byte) error
	CloseSend() error
	Recv() (Message, error)
	Close() error
}
