package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"scamdrill/log"
)

const DefaultSubject = "scamdrill.score"

var ErrRemote = errors.New("remote scorer error")

type request struct {
	ScenarioID string `json:"scenario_id"`
	Text       string `json:"text"`
}

type response struct {
	Result
	Error string `json:"error,omitempty"`
}

// NATS asks an external scoring service over request/reply.
type NATS struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

func DialNATS(url, subject string, timeout time.Duration) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(url,
		nats.Name("scamdrill-scorer"),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Infof("scoring via nats %s subject=%s", url, subject)
	return &NATS{conn: conn, subject: subject, timeout: timeout}, nil
}

func (n *NATS) Score(ctx context.Context, scenarioID, text string) (Result, error) {
	data, err := json.Marshal(request{ScenarioID: scenarioID, Text: text})
	if err != nil {
		return Result{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	msg, err := n.conn.RequestWithContext(ctx, n.subject, data)
	if err != nil {
		return Result{}, fmt.Errorf("score request: %w", err)
	}
	var resp response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Result{}, fmt.Errorf("decode score reply: %w", err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp.Result, nil
}

func (n *NATS) Close() {
	if n == nil || n.conn == nil {
		return
	}
	n.conn.Drain()
}

// Serve answers score requests on subject with s until the returned
// subscription is drained.
func Serve(conn *nats.Conn, subject string, s Scorer) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	return conn.Subscribe(subject, func(m *nats.Msg) {
		var resp response
		var req request
		if err := json.Unmarshal(m.Data, &req); err != nil {
			resp.Error = "bad request: " + err.Error()
		} else if r, err := s.Score(context.Background(), req.ScenarioID, req.Text); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = r
		}
		data, _ := json.Marshal(resp)
		if err := m.Respond(data); err != nil {
			log.Warnf("score reply: %v", err)
		}
	})
}
