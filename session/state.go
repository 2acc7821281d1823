package session

import (
	"errors"
	"fmt"
	"strings"

	"scamdrill/audio"
	"scamdrill/encoder"
	"scamdrill/recorder"
	"scamdrill/transcriber"
)

var (
	ErrBusy        = errors.New("a session is already running")
	ErrNotReset    = errors.New("session failed; reset before starting again")
	ErrClosed      = errors.New("coordinator closed")
	ErrInvalidMode = errors.New("invalid session mode")
)

type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
	Stopped
	Errored
)

var stateNames = [...]string{"idle", "starting", "active", "stopping", "stopped", "errored"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Mode int

const (
	ModeRecord Mode = iota
	ModeStream
)

func (m Mode) String() string {
	switch m {
	case ModeRecord:
		return "record"
	case ModeStream:
		return "stream"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "record":
		return ModeRecord, nil
	case "stream", "":
		return ModeStream, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindPermissionDenied
	KindDeviceNotFound
	KindUnsupportedPlatform
	KindEmptyRecording
	KindChannelAuthFailure
	KindChannelNetworkError
	KindEncodingUnsupported
	KindUnknown
)

var kindNames = [...]string{
	"", "permission_denied", "device_not_found", "unsupported_platform",
	"empty_recording", "channel_auth_failure", "channel_network_error",
	"encoding_unsupported", "unknown",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Kind maps an error from any layer onto the user-facing taxonomy.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, audio.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, audio.ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, audio.ErrUnsupported):
		return KindUnsupportedPlatform
	case errors.Is(err, recorder.ErrEmptyRecording):
		return KindEmptyRecording
	case errors.Is(err, transcriber.ErrAuthFailure):
		return KindChannelAuthFailure
	case errors.Is(err, transcriber.ErrNetwork):
		return KindChannelNetworkError
	case errors.Is(err, encoder.ErrEncodingUnsupported):
		return KindEncodingUnsupported
	}
	return KindUnknown
}

// Message is the single user-facing line stored in snapshots.
func Message(err error) string {
	switch Kind(err) {
	case KindNone:
		return ""
	case KindPermissionDenied:
		return "Microphone access was denied. Allow microphone access and try again."
	case KindDeviceNotFound:
		return "No microphone was found. Connect a microphone and try again."
	case KindUnsupportedPlatform:
		return "Audio capture is not supported on this system."
	case KindEmptyRecording:
		return "The recording captured no audio. Check that your microphone is working."
	case KindChannelAuthFailure:
		return "The transcription service rejected the API key."
	case KindChannelNetworkError:
		return "Lost connection to the transcription service."
	case KindEncodingUnsupported:
		return "None of the configured audio formats can be recorded."
	}
	return err.Error()
}
