package transcriber

import (
	"strings"
	"time"
)

// TranscriptState reconciles interim and final results. Final segments
// only grow; interim text is replaced wholesale and cleared by each final.
type TranscriptState struct {
	Interim    string
	Segments   []string
	Confidence float64
	Words      []Word

	hasFinal     bool
	lastFinalEnd time.Duration
}

// Apply folds one event into the state. It returns false when the event is
// an interim result for audio already covered by a final result; such
// events arrive late and are dropped.
func (s *TranscriptState) Apply(ev TranscriptEvent) bool {
	if !ev.IsFinal {
		if s.hasFinal && ev.End > 0 && ev.End <= s.lastFinalEnd {
			return false
		}
		s.Interim = ev.Text
		return true
	}

	s.Segments = append(s.Segments, ev.Text)
	s.Interim = ""
	s.Confidence = ev.Confidence
	s.Words = append([]Word(nil), ev.Words...)
	s.hasFinal = true
	if ev.End > s.lastFinalEnd {
		s.lastFinalEnd = ev.End
	}
	return true
}

// Text joins the non-empty final segments with single spaces.
func (s *TranscriptState) Text() string {
	var parts []string
	for _, seg := range s.Segments {
		if seg = strings.TrimSpace(seg); seg != "" {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, " ")
}

func (s *TranscriptState) Clear() {
	*s = TranscriptState{}
}

// Rebase makes the state ready for a new connection whose audio offsets
// restart at zero, keeping accumulated text.
func (s *TranscriptState) Rebase() {
	s.hasFinal = false
	s.lastFinalEnd = 0
	s.Interim = ""
}
