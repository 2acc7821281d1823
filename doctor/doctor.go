// Package doctor runs non-interactive environment diagnostics: config,
// microphone, encoders, transcription credentials and connectivity.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"scamdrill/audio"
	"scamdrill/config"
	"scamdrill/encoder"
	"scamdrill/scoring"
	"scamdrill/session"
	"scamdrill/transcriber"
)

type Status int

const (
	Pass Status = iota
	Warn
	Fail
	Skip
)

func (s Status) String() string {
	switch s {
	case Pass:
		return "PASS"
	case Warn:
		return "WARN"
	case Fail:
		return "FAIL"
	}
	return "SKIP"
}

type Result struct {
	Name   string
	Status Status
	Detail string
}

type Options struct {
	Config config.Config
	// Context is used for device checks; a platform context is opened when nil.
	Context audio.Context
	// Backend is dialed when Dial is set.
	Backend transcriber.Backend
	Out     io.Writer
	// Live captures from the microphone for this long; zero skips it.
	Live time.Duration
	Dial bool
	// Clipboard verifies a clipboard round trip.
	Clipboard bool
	Timeout   time.Duration
}

// minSignal is the RMS level below which a live capture counts as silent.
const minSignal = 0.005

type check struct {
	name string
	run  func(*runner) Result
}

type runner struct {
	opts   Options
	actx   audio.Context
	device *audio.DeviceInfo
}

// Run executes every check, prints one block per check and returns an exit
// code (0 when nothing failed).
func Run(opts Options) int {
	results := Check(opts)
	failed := false
	for _, r := range results {
		if r.Status == Fail {
			failed = true
		}
	}
	fmt.Fprintln(opts.Out)
	if failed {
		fmt.Fprintln(opts.Out, "Some checks failed. See details above.")
		return 1
	}
	fmt.Fprintln(opts.Out, "All checks passed!")
	return 0
}

// Check runs the checks and returns their results. Output is written to
// opts.Out as each check finishes.
func Check(opts Options) []Result {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	r := &runner{opts: opts, actx: opts.Context}

	checks := []check{
		{"Configuration", (*runner).checkConfig},
		{"Audio devices", (*runner).checkDevices},
		{"Recording formats", (*runner).checkEncoders},
		{"Live capture", (*runner).checkLive},
		{"Transcription credentials", (*runner).checkCredentials},
		{"Transcription service", (*runner).checkDial},
		{"Scoring", (*runner).checkScoring},
		{"Clipboard", (*runner).checkClipboard},
		{"Terminal", (*runner).checkTerminal},
	}

	fmt.Fprintln(opts.Out, "scamdrill doctor - system diagnostics")
	fmt.Fprintln(opts.Out, "=====================================")

	var results []Result
	for i, c := range checks {
		fmt.Fprintf(opts.Out, "\n[%d/%d] %s\n", i+1, len(checks), c.name)
		res := c.run(r)
		res.Name = c.name
		fmt.Fprintf(opts.Out, "  %s: %s\n", res.Status, res.Detail)
		results = append(results, res)
	}
	if r.actx != nil && opts.Context == nil {
		r.actx.Close()
	}
	return results
}

func (r *runner) checkConfig() Result {
	if err := r.opts.Config.Validate(); err != nil {
		return Result{Status: Fail, Detail: err.Error()}
	}
	c := r.opts.Config
	return Result{Status: Pass, Detail: fmt.Sprintf("%d Hz, %d ch, backend %s",
		c.Capture.SampleRate, c.Capture.ChannelCount, c.Transcription.Backend)}
}

func (r *runner) checkDevices() Result {
	if r.actx == nil {
		actx, err := audio.NewContext()
		if err != nil {
			return Result{Status: Fail, Detail: fmt.Sprintf("cannot connect to audio: %v (%s)", err, session.Kind(err))}
		}
		r.actx = actx
	}
	devices, err := r.actx.Devices()
	if err != nil {
		return Result{Status: Fail, Detail: fmt.Sprintf("cannot list devices: %v", err)}
	}
	if len(devices) == 0 {
		return Result{Status: Fail, Detail: "no capture devices found"}
	}
	for _, d := range devices {
		fmt.Fprintf(r.opts.Out, "  - %s\n", d.Name)
	}

	name := r.opts.Config.Capture.Device
	if name == "" {
		return Result{Status: Pass, Detail: fmt.Sprintf("%d device(s), using system default", len(devices))}
	}
	dev, err := audio.FindDevice(r.actx, name)
	if err != nil {
		return Result{Status: Fail, Detail: fmt.Sprintf("configured device %q not found", name)}
	}
	r.device = dev
	if audio.IsBluetooth(dev.Name) {
		return Result{Status: Warn, Detail: fmt.Sprintf("%s looks like a Bluetooth headset; capture quality may drop", dev.Name)}
	}
	return Result{Status: Pass, Detail: "using " + dev.Name}
}

func (r *runner) checkEncoders() Result {
	c := r.opts.Config
	codec, err := encoder.Negotiate(c.Recorder.MimePreferences, encoder.Format{
		SampleRate: c.Capture.SampleRate,
		Channels:   c.Capture.ChannelCount,
	})
	if err != nil {
		return Result{Status: Fail, Detail: err.Error()}
	}
	return Result{Status: Pass, Detail: "recordings will use " + codec.MimeType}
}

func (r *runner) checkLive() Result {
	if r.opts.Live <= 0 {
		return Result{Status: Skip, Detail: "live capture disabled"}
	}
	if r.actx == nil {
		return Result{Status: Skip, Detail: "no audio context"}
	}

	c := r.opts.Config.Capture
	constraints := audio.Constraints{
		EchoCancellation: c.EchoCancellation,
		NoiseSuppression: c.NoiseSuppression,
		AutoGainControl:  c.AutoGainControl,
		SampleRate:       c.SampleRate,
		ChannelCount:     c.ChannelCount,
	}

	var mu sync.Mutex
	var peak float64
	var frames int
	sess := audio.NewSession(r.actx, r.device)
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()

	fmt.Fprintf(r.opts.Out, "  Speak for %s...\n", r.opts.Live)
	sess.SetMeter(func(samples []float32) {
		lvl := audio.Level(samples)
		mu.Lock()
		frames++
		if lvl > peak {
			peak = lvl
		}
		mu.Unlock()
	})
	err := sess.Acquire(ctx, constraints, func([]float32) {})
	if err != nil {
		return Result{Status: Fail, Detail: fmt.Sprintf("%s: %v", session.Kind(err), err)}
	}
	time.Sleep(r.opts.Live)
	sess.Release()

	mu.Lock()
	defer mu.Unlock()
	if frames == 0 {
		return Result{Status: Fail, Detail: "device opened but delivered no audio"}
	}
	if peak < minSignal {
		return Result{Status: Warn, Detail: fmt.Sprintf("no signal detected (peak level %.4f); check mute and input gain", peak)}
	}
	return Result{Status: Pass, Detail: fmt.Sprintf("%d buffers, peak level %.3f", frames, peak)}
}

func (r *runner) checkCredentials() Result {
	switch r.opts.Config.Transcription.Backend {
	case "google":
		path := config.GoogleCredentials()
		if path == "" {
			return Result{Status: Warn, Detail: "GOOGLE_APPLICATION_CREDENTIALS not set; relying on default credentials"}
		}
		if _, err := os.Stat(path); err != nil {
			return Result{Status: Fail, Detail: fmt.Sprintf("credentials file: %v", err)}
		}
		return Result{Status: Pass, Detail: "credentials file " + path}
	default:
		if config.DeepgramKey() == "" {
			return Result{Status: Fail, Detail: "DEEPGRAM_API_KEY not set (stream mode unavailable)"}
		}
		return Result{Status: Pass, Detail: "DEEPGRAM_API_KEY set"}
	}
}

func (r *runner) checkDial() Result {
	if !r.opts.Dial || r.opts.Backend == nil {
		return Result{Status: Skip, Detail: "connection test disabled"}
	}
	t := r.opts.Config.Transcription
	tr := transcriber.New(r.opts.Backend, transcriber.Config{
		Model:          t.Model,
		Language:       t.Language,
		SmartFormat:    t.SmartFormat,
		Punctuate:      t.Punctuate,
		InterimResults: t.InterimResults,
		EndpointingMs:  t.EndpointingMS,
		Encoding:       t.Encoding,
		SampleRate:     t.SampleRate,
		Channels:       t.Channels,
	})
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := tr.Connect(ctx)
	elapsed := time.Since(start)
	tr.Disconnect()
	if err != nil {
		return Result{Status: Fail, Detail: fmt.Sprintf("%s: %v", session.Kind(err), err)}
	}
	return Result{Status: Pass, Detail: fmt.Sprintf("%s connected in %dms", r.opts.Backend.Name(), elapsed.Milliseconds())}
}

func (r *runner) checkScoring() Result {
	c := r.opts.Config.Scoring
	var scorer scoring.Scorer = scoring.NewKeyword()
	where := "local keyword scorer"
	if c.Mode == "nats" {
		n, err := scoring.DialNATS(c.NATSURL, c.Subject, time.Duration(c.TimeoutMS)*time.Millisecond)
		if err != nil {
			return Result{Status: Fail, Detail: fmt.Sprintf("nats %s: %v", c.NATSURL, err)}
		}
		defer n.Close()
		scorer = n
		where = "score service on " + c.Subject
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()
	res, err := scorer.Score(ctx, "", "I would hang up and call the bank to verify")
	if err != nil {
		return Result{Status: Fail, Detail: fmt.Sprintf("%s: %v", where, err)}
	}
	return Result{Status: Pass, Detail: fmt.Sprintf("%s answered (sample score %d)", where, res.Score)}
}

func (r *runner) checkClipboard() Result {
	if !r.opts.Clipboard {
		return Result{Status: Skip, Detail: "clipboard check disabled"}
	}
	return clipboardRoundTrip(3 * time.Second)
}

func (r *runner) checkTerminal() Result {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return Result{Status: Warn, Detail: "stdout is not a terminal; run with -tui=false -serve"}
	}
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return Result{Status: Warn, Detail: err.Error()}
	}
	if w < 80 || h < 20 {
		return Result{Status: Warn, Detail: fmt.Sprintf("terminal is %dx%d; the TUI wants at least 80x20", w, h)}
	}
	return Result{Status: Pass, Detail: fmt.Sprintf("%dx%d", w, h)}
}
