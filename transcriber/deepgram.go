package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

type Deepgram struct {
	apiKey string
	url    string
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{apiKey: apiKey, url: deepgramListenURL}
}

// WithURL points the backend at another listen endpoint (tests, proxies).
func (d *Deepgram) WithURL(u string) *Deepgram {
	d.url = u
	return d
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) endpoint(cfg Config) (string, error) {
	endpoint, err := url.Parse(d.url)
	if err != nil {
		return "", err
	}

	q := endpoint.Query()
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	q.Set("model", model)
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	q.Set("encoding", encoding)
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

func (d *Deepgram) Dial(ctx context.Context, cfg Config) (Stream, error) {
	endpoint, err := d.endpoint(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	streamCtx, cancel := context.WithCancel(ctx)
	conn, resp, err := websocket.Dial(streamCtx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: deepgram handshake %d", ErrAuthFailure, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: deepgram dial: %v", ErrNetwork, err)
	}
	conn.SetReadLimit(1 << 20)

	return &deepgramStream{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
}

type deepgramMessage struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	RequestID    string  `json:"request_id"`
	Channel      struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Confidence float64        `json:"confidence"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *deepgramStream) Send(pcm []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

// CloseSend asks Deepgram to flush and close; it answers with the last
// results, a Metadata message and a normal closure.
func (s *deepgramStream) CloseSend() error {
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

func (s *deepgramStream) Recv() (Message, error) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return Message{}, io.EOF
			}
			// Bad keys fail the handshake. Later closes, 1008 included, are
			// stream errors such as undecodable audio.
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return Message{}, fmt.Errorf("%w: deepgram closed the stream (%d): %s", ErrNetwork, int(ce.Code), ce.Reason)
			}
			return Message{}, err
		}
		msg, ok, err := parseDeepgram(data)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
	}
}

func (s *deepgramStream) Close() error {
	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// parseDeepgram decodes one server message; ok is false for message types
// that carry nothing for the caller.
func parseDeepgram(data []byte) (Message, bool, error) {
	var m deepgramMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false, fmt.Errorf("deepgram message parse error: %w", err)
	}

	switch m.Type {
	case "Results":
		ev := &TranscriptEvent{
			IsFinal:      m.IsFinal,
			SpeechFinal:  m.SpeechFinal,
			FromFinalize: m.FromFinalize,
			Start:        seconds(m.Start),
			End:          seconds(m.Start + m.Duration),
		}
		if len(m.Channel.Alternatives) > 0 {
			alt := m.Channel.Alternatives[0]
			ev.Text = strings.TrimSpace(alt.Transcript)
			ev.Confidence = alt.Confidence
			for _, w := range alt.Words {
				text := w.PunctuatedWord
				if text == "" {
					text = w.Word
				}
				ev.Words = append(ev.Words, Word{
					Text:       text,
					Start:      seconds(w.Start),
					End:        seconds(w.End),
					Confidence: w.Confidence,
				})
			}
		}
		return Message{Transcript: ev}, true, nil
	case "Metadata", "UtteranceEnd", "SpeechStarted":
		return Message{Metadata: &Metadata{
			Type:      m.Type,
			RequestID: m.RequestID,
			Duration:  seconds(m.Duration),
		}}, true, nil
	}
	return Message{}, false, nil
}
