package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/nats-io/nats.go"
	"google.golang.org/api/option"

	"scamdrill/audio"
	"scamdrill/config"
	"scamdrill/doctor"
	"scamdrill/encoder"
	"scamdrill/log"
	"scamdrill/recorder"
	"scamdrill/scoring"
	"scamdrill/server"
	"scamdrill/session"
	"scamdrill/shutdown"
	"scamdrill/transcriber"
)

var version = "dev"

var shutdownOnce sync.Once

// gracefulShutdown releases the session before the process exits so no
// device or connection outlives it.
func gracefulShutdown(coord *session.Coordinator, srv *server.Server, closers ...func()) {
	shutdownOnce.Do(func() {
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			srv.Shutdown(ctx)
			cancel()
		}
		if coord != nil {
			coord.Close()
		}
		for _, c := range closers {
			c()
		}
		log.Close()
	})
}

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "YAML config file")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	modeFlag := flag.String("mode", "stream", "Session mode: record or stream")
	scenarioFlag := flag.String("scenario", "", "Scenario id used to score the reply (e.g. call-1)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device interactively")
	copyFlag := flag.Bool("copy", false, "Copy the transcript to the clipboard when a session stops")
	serveFlag := flag.Bool("serve", false, "Serve the HTTP control API and snapshot feed")
	doctorFlag := flag.Bool("doctor", false, "Run environment diagnostics and exit")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven, WAV input)")
	fakeFlag := flag.String("fake", "", "Scripted transcript for -test mode, phrases separated by |")
	scoreServiceFlag := flag.Bool("score-service", false, "Answer scoring requests over NATS and exit on signal")
	debugFlag := flag.Bool("debug", false, "Verbose diagnostics log")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("scamdrill %s\n", version)
		return 0
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *deviceFlag != "" {
		cfg.Capture.Device = *deviceFlag
	}

	if *doctorFlag {
		return doctor.Run(doctor.Options{
			Config:    cfg,
			Backend:   newBackend(cfg),
			Out:       os.Stdout,
			Live:      2 * time.Second,
			Dial:      true,
			Clipboard: *copyFlag,
		})
	}

	log.SetDebug(*debugFlag)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	if *scoreServiceFlag {
		return runScoreService(cfg)
	}

	mode, err := session.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	scorer, closeScorer, err := newScorer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var actx audio.Context
	var fake *audio.FakeContext
	if *testFlag {
		if flag.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "Usage: scamdrill -test [-fake 'phrase|phrase'] <wav-file>")
			return 1
		}
		fake, err = audio.NewFakeContext(flag.Arg(0), mode == session.ModeStream)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
			return 1
		}
		actx = fake
	} else {
		actx, err = audio.NewContext()
		if err != nil {
			log.Errorf("audio context init error: %v", err)
			fmt.Fprintf(os.Stderr, "Error initializing audio context: %v\n", err)
			return 1
		}
	}
	defer actx.Close()

	device, err := pickDevice(actx, cfg.Capture.Device, *setupFlag)
	if err != nil {
		log.Warnf("device selection failed: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: %v, using system default\n", err)
	}

	var backend transcriber.Backend
	if *fakeFlag != "" {
		backend = transcriber.NewFake(strings.Split(*fakeFlag, "|")...)
	} else {
		backend = newBackend(cfg)
	}

	coord := session.New(newDeps(cfg, actx, device, backend), sessionOptions(cfg))

	var srv *server.Server
	if *serveFlag || cfg.Server.Enabled {
		srv = server.New(coord, scorer)
		go func() {
			if err := srv.Start(cfg.Server.Bind); err != nil {
				log.Errorf("http server: %v", err)
				fmt.Fprintf(os.Stderr, "Error: http server: %v\n", err)
			}
		}()
	}
	defer gracefulShutdown(coord, srv, closeScorer)

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	a := &app{
		coord:    coord,
		scorer:   scorer,
		mode:     mode,
		scenario: *scenarioFlag,
		copy:     *copyFlag,
		device:   deviceLine(device),
		backend:  backend.Name(),
	}

	switch {
	case *testFlag:
		return runTestMode(ctx, a, fake)
	case *tuiFlag:
		if err := runTUI(ctx, a); err != nil {
			log.Errorf("TUI error: %v", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	default:
		if srv == nil {
			fmt.Fprintln(os.Stderr, "Error: -tui=false needs -serve")
			return 1
		}
		<-ctx.Done()
	}
	return 0
}

func pickDevice(actx audio.Context, name string, setup bool) (*audio.DeviceInfo, error) {
	switch {
	case setup:
		return audio.SelectDevice(actx, name)
	case name != "":
		dev, err := audio.FindDevice(actx, name)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", name, err)
		}
		return dev, nil
	}
	return nil, nil
}

func deviceLine(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

func captureConstraints(cfg config.Config) audio.Constraints {
	return audio.Constraints{
		EchoCancellation: cfg.Capture.EchoCancellation,
		NoiseSuppression: cfg.Capture.NoiseSuppression,
		AutoGainControl:  cfg.Capture.AutoGainControl,
		SampleRate:       cfg.Capture.SampleRate,
		ChannelCount:     cfg.Capture.ChannelCount,
	}
}

func transcriberConfig(cfg config.Config) transcriber.Config {
	t := cfg.Transcription
	return transcriber.Config{
		Model:          t.Model,
		Language:       t.Language,
		SmartFormat:    t.SmartFormat,
		Punctuate:      t.Punctuate,
		InterimResults: t.InterimResults,
		EndpointingMs:  t.EndpointingMS,
		Encoding:       t.Encoding,
		SampleRate:     t.SampleRate,
		Channels:       t.Channels,
	}
}

func newBackend(cfg config.Config) transcriber.Backend {
	switch cfg.Transcription.Backend {
	case "google":
		var opts []option.ClientOption
		if path := config.GoogleCredentials(); path != "" {
			opts = append(opts, option.WithCredentialsFile(path))
		}
		return transcriber.NewGoogle(cfg.Transcription.GoogleModel, opts...)
	default:
		key := config.DeepgramKey()
		if key == "" {
			log.Warn("DEEPGRAM_API_KEY not set; stream sessions will fail to authenticate")
		}
		return transcriber.NewDeepgram(key)
	}
}

func newDeps(cfg config.Config, actx audio.Context, device *audio.DeviceInfo, backend transcriber.Backend) session.Deps {
	tcfg := transcriberConfig(cfg)
	rcfg := recorder.Config{
		Format: encoder.Format{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.ChannelCount,
		},
		Preferences: cfg.Recorder.MimePreferences,
		SliceMs:     cfg.Recorder.SliceMS,
		Dir:         cfg.Recorder.Dir,
	}
	return session.Deps{
		NewDevice: func() session.DeviceSession {
			return audio.NewSession(actx, device)
		},
		NewRecorder: func() (session.Recorder, error) {
			rec, err := recorder.New(rcfg)
			if err != nil {
				return nil, err
			}
			return rec, nil
		},
		NewTranscriber: func() session.Transcriber {
			return transcriber.New(backend, tcfg)
		},
		Backend: backend.Name(),
	}
}

func sessionOptions(cfg config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.Constraints = captureConstraints(cfg)
	opts.FinalizeGrace = time.Duration(cfg.Transcription.FinalizeGraceMS) * time.Millisecond
	return opts
}

func newScorer(cfg config.Config) (scoring.Scorer, func(), error) {
	if cfg.Scoring.Mode != "nats" {
		return scoring.NewKeyword(), func() {}, nil
	}
	n, err := scoring.DialNATS(cfg.Scoring.NATSURL, cfg.Scoring.Subject,
		time.Duration(cfg.Scoring.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, nil, err
	}
	return n, n.Close, nil
}

func runScoreService(cfg config.Config) int {
	conn, err := nats.Connect(cfg.Scoring.NATSURL, nats.Name("scamdrill-score-service"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connect to nats: %v\n", err)
		return 1
	}
	defer conn.Drain()
	if _, err := scoring.Serve(conn, cfg.Scoring.Subject, scoring.NewKeyword()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Infof("score service on %s subject=%s", cfg.Scoring.NATSURL, cfg.Scoring.Subject)
	fmt.Printf("Answering score requests on %s\n", cfg.Scoring.Subject)

	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	<-ctx.Done()
	log.Close()
	return 0
}

// app is what the front ends (TUI, test mode) share.
type app struct {
	coord    *session.Coordinator
	scorer   scoring.Scorer
	mode     session.Mode
	scenario string
	copy     bool
	device   string
	backend  string
}

// finish runs after a session stops with a transcript: optional clipboard
// copy, then scoring.
func (a *app) finish(ctx context.Context, snap session.Snapshot) (scoring.Result, bool, error) {
	text := strings.TrimSpace(snap.Transcript)
	if text == "" {
		return scoring.Result{}, false, nil
	}
	copied := false
	if a.copy {
		if err := clipboard.WriteAll(text); err != nil {
			log.Warnf("clipboard copy failed: %v", err)
		} else {
			copied = true
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := a.scorer.Score(ctx, a.scenario, text)
	if err != nil {
		return res, copied, fmt.Errorf("scoring: %w", err)
	}
	log.Score(snap.ID, a.scenario, res.Score, string(res.Quality))
	return res, copied, nil
}

// keep takes ownership of a finished recording so it outlives the session.
func (a *app) keep() *recorder.Artifact {
	art := a.coord.TakeArtifact()
	if art != nil {
		log.Infof("recording kept: %s (%s, %d bytes)", art.Path, art.MimeType, art.Size)
	}
	return art
}

func (a *app) toggle(mode session.Mode) error {
	snap := a.coord.Snapshot()
	switch snap.State {
	case session.Starting, session.Active:
		a.coord.Stop()
		return nil
	case session.Stopping:
		return nil
	}
	err := a.coord.Start(mode)
	if errors.Is(err, session.ErrNotReset) {
		return errors.New("session failed: press r to reset")
	}
	return err
}
