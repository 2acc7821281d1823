package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"scamdrill/audio"
	"scamdrill/log"
	"scamdrill/session"
)

const testWaitTimeout = 30 * time.Second

// runTestMode drives the coordinator from stdin, one command per line:
//
//	START [record|stream]  STOP  RESET  CLEAR  SCORE  PRINT
//	WAIT <state>  WAIT_AUDIO_DONE  SLEEP <ms>  QUIT
//
// State transitions, errors and transcripts are echoed to stdout so a
// driving process can assert on them.
func runTestMode(ctx context.Context, a *app, fake *audio.FakeContext) int {
	snaps, cancel := a.coord.Subscribe()
	defer cancel()

	t := newTestDriver(a, fake, os.Stdout)
	go t.watch(snaps)

	err := t.run(ctx, os.Stdin)
	// Let the watcher print what is still buffered before the process exits.
	cancel()
	for range t.states {
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		log.Errorf("test mode: %v", err)
		return 1
	}
	return 0
}

type testDriver struct {
	app    *app
	fake   *audio.FakeContext
	out    io.Writer
	states chan session.Snapshot
	seen   atomic.Int32 // last state printed by watch
}

func newTestDriver(a *app, fake *audio.FakeContext, out io.Writer) *testDriver {
	t := &testDriver{app: a, fake: fake, out: out, states: make(chan session.Snapshot, 64)}
	t.seen.Store(-1)
	return t
}

// watch prints each state change once and forwards it to WAIT.
func (t *testDriver) watch(snaps <-chan session.Snapshot) {
	var prev session.State = -1
	for snap := range snaps {
		if snap.State == prev {
			continue
		}
		prev = snap.State
		fmt.Fprintf(t.out, "state %s\n", snap.State)
		if snap.State == session.Errored {
			fmt.Fprintf(t.out, "error %s\n", snap.ErrKind)
		}
		if snap.State == session.Stopped && snap.Transcript != "" {
			fmt.Fprintf(t.out, "transcript %s\n", snap.Transcript)
		}
		if snap.State == session.Stopped && snap.Artifact != nil {
			if art := t.app.keep(); art != nil {
				fmt.Fprintf(t.out, "artifact %s %d %s\n", art.MimeType, art.Size, art.Path)
			}
		}
		t.seen.Store(int32(snap.State))
		select {
		case t.states <- snap:
		default:
		}
	}
	close(t.states)
}

func (t *testDriver) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "START":
			mode := t.app.mode
			if arg != "" {
				m, err := session.ParseMode(arg)
				if err != nil {
					return err
				}
				mode = m
			}
			if err := t.app.coord.Start(mode); err != nil {
				fmt.Fprintf(t.out, "start_error %v\n", err)
			}
		case "STOP":
			t.app.coord.Stop()
		case "RESET":
			t.app.coord.Reset()
		case "CLEAR":
			t.app.coord.ClearTranscript()
		case "WAIT":
			if err := t.wait(ctx, arg); err != nil {
				return err
			}
		case "WAIT_AUDIO_DONE":
			select {
			case <-t.fake.AudioDone():
			case <-time.After(testWaitTimeout):
				return fmt.Errorf("WAIT_AUDIO_DONE: timed out")
			case <-ctx.Done():
				return nil
			}
		case "SCORE":
			res, _, err := t.app.finish(ctx, t.app.coord.Snapshot())
			if err != nil {
				fmt.Fprintf(t.out, "score_error %v\n", err)
				continue
			}
			fmt.Fprintf(t.out, "score %d %s\n", res.Score, res.Quality)
		case "PRINT":
			data, err := json.Marshal(t.app.coord.Snapshot())
			if err != nil {
				return err
			}
			fmt.Fprintf(t.out, "snapshot %s\n", data)
		case "SLEEP":
			ms, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("SLEEP %q: %w", arg, err)
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
		case "QUIT":
			return nil
		default:
			return fmt.Errorf("unknown command %q", line)
		}
	}
	return scanner.Err()
}

// wait blocks until the watcher has reported the named state, so its
// output is already written when wait returns.
func (t *testDriver) wait(ctx context.Context, name string) error {
	if session.State(t.seen.Load()).String() == name {
		return nil
	}
	timeout := time.After(testWaitTimeout)
	for {
		select {
		case snap, ok := <-t.states:
			if !ok {
				return fmt.Errorf("WAIT %s: session closed", name)
			}
			if snap.State.String() == name {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("WAIT %s: timed out in %s", name, t.app.coord.Snapshot().State)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
