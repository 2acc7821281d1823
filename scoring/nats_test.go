package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, string, string) (Result, error) {
	return Result{}, errors.New("model offline")
}

func TestNATSRoundTrip(t *testing.T) {
	url := startNATS(t)
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := Serve(conn, "", NewKeyword()); err != nil {
		t.Fatal(err)
	}
	conn.Flush()

	client, err := DialNATS(url, "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	text := "This sounds suspicious. I will verify this by calling the IRS directly."
	got, err := client.Score(context.Background(), "call-1", text)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	want, _ := NewKeyword().Score(context.Background(), "call-1", text)
	if got.Score != want.Score || got.Quality != want.Quality || got.ScenarioID != "call-1" {
		t.Errorf("remote = %+v, local = %+v", got, want)
	}
}

func TestNATSRemoteError(t *testing.T) {
	url := startNATS(t)
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	Serve(conn, "drill.score", failingScorer{})
	conn.Flush()

	client, err := DialNATS(url, "drill.score", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.Score(context.Background(), "", "no"); !errors.Is(err, ErrRemote) {
		t.Errorf("err = %v, want ErrRemote", err)
	}
}

func TestNATSNoResponder(t *testing.T) {
	url := startNATS(t)
	client, err := DialNATS(url, "nobody.home", 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.Score(context.Background(), "", "no"); err == nil {
		t.Error("expected error without a responder")
	}
}
