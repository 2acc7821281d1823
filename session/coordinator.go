package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scamdrill/audio"
	"scamdrill/log"
	"scamdrill/recorder"
	"scamdrill/transcriber"
)

// DeviceSession is the slice of *audio.Session the coordinator uses.
type DeviceSession interface {
	SetMeter(fn audio.DataCallback)
	Acquire(ctx context.Context, c audio.Constraints, sink audio.DataCallback) error
	Release()
	DeviceName() string
}

type Recorder interface {
	Start(cb recorder.Callbacks) error
	Write(samples []float32)
	Stop() (*recorder.Artifact, error)
	MimeType() string
}

type Transcriber interface {
	Connect(ctx context.Context) error
	SendFrame(samples []float32)
	Finish()
	Disconnect()
	Events() <-chan transcriber.Event
	State() transcriber.ConnectionState
	Stats() transcriber.Stats
	LogMetrics(id string, staleInterim int)
}

// Deps builds the per-session collaborators. Each Start gets fresh ones.
type Deps struct {
	NewDevice      func() DeviceSession
	NewRecorder    func() (Recorder, error)
	NewTranscriber func() Transcriber
	Backend        string // backend name for logs
}

type Options struct {
	Constraints      audio.Constraints
	FinalizeGrace    time.Duration
	DurationInterval time.Duration
	LevelInterval    time.Duration
	SilenceAfter     time.Duration
	SilenceThreshold float64 // RMS level counted as signal
}

func DefaultOptions() Options {
	return Options{
		Constraints:      audio.DefaultConstraints(),
		FinalizeGrace:    1500 * time.Millisecond,
		DurationInterval: time.Second,
		LevelInterval:    100 * time.Millisecond,
		SilenceAfter:     3 * time.Second,
		SilenceThreshold: 0.01,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Constraints.SampleRate == 0 {
		o.Constraints = d.Constraints
	}
	if o.FinalizeGrace <= 0 {
		o.FinalizeGrace = d.FinalizeGrace
	}
	if o.DurationInterval <= 0 {
		o.DurationInterval = d.DurationInterval
	}
	if o.LevelInterval <= 0 {
		o.LevelInterval = d.LevelInterval
	}
	if o.SilenceAfter <= 0 {
		o.SilenceAfter = d.SilenceAfter
	}
	if o.SilenceThreshold <= 0 {
		o.SilenceThreshold = d.SilenceThreshold
	}
	return o
}

type ArtifactInfo struct {
	Path     string        `json:"path"`
	URL      string        `json:"url"`
	MimeType string        `json:"mime_type"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is the coherent view published after every state change.
type Snapshot struct {
	ID         string                      `json:"id"`
	State      State                       `json:"state"`
	Mode       Mode                        `json:"mode"`
	Recording  bool                        `json:"recording"`
	Listening  bool                        `json:"listening"`
	Connection transcriber.ConnectionState `json:"connection"`
	Device     string                      `json:"device,omitempty"`
	Duration   time.Duration               `json:"duration"`
	Transcript string                      `json:"transcript"`
	Interim    string                      `json:"interim"`
	Confidence float64                     `json:"confidence"`
	Words      []transcriber.Word          `json:"words,omitempty"`
	Level      float64                     `json:"level"`
	NoSignal   bool                        `json:"no_signal"`
	Err        string                      `json:"error,omitempty"`
	ErrKind    ErrorKind                   `json:"error_kind,omitempty"`
	Artifact   *ArtifactInfo               `json:"artifact,omitempty"`
	Metrics    []string                    `json:"metrics,omitempty"`
}

type attempt struct {
	gen    uint64
	id     string
	mode   Mode
	ctx    context.Context
	cancel context.CancelFunc
	dev    DeviceSession
	rec    Recorder
	tr     Transcriber

	level      atomic.Uint64 // peak RMS since the last level tick, float64 bits
	activeAt   time.Time
	finalizing bool
	grace      *time.Timer
	stale      int
}

func (a *attempt) observe(samples []float32) {
	lvl := audio.Level(samples)
	for {
		old := a.level.Load()
		if math.Float64frombits(old) >= lvl || a.level.CompareAndSwap(old, math.Float64bits(lvl)) {
			return
		}
	}
}

// queue messages
type (
	command struct {
		kind  cmdKind
		mode  Mode
		reply chan reply
	}
	reply struct {
		err      error
		artifact *recorder.Artifact
	}
	acquired struct {
		gen uint64
		err error
	}
	finalized struct {
		gen      uint64
		artifact *recorder.Artifact
		err      error
	}
	streamEvent struct {
		gen uint64
		ev  transcriber.Event
	}
	graceExpired struct {
		gen uint64
	}
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdReset
	cmdClearTranscript
	cmdTakeArtifact
	cmdClose
)

// Coordinator composes a device session with a recorder or a streaming
// transcriber behind one start/stop/reset lifecycle. All state lives on a
// single goroutine fed by a message queue.
type Coordinator struct {
	deps Deps
	opts Options
	msgs chan any
	done chan struct{}

	// loop-owned
	state       State
	mode        Mode
	id          string
	gen         uint64
	cur         *attempt
	transcript  transcriber.TranscriptState
	duration    time.Duration
	connection  transcriber.ConnectionState
	device      string
	level       float64
	silence     *silenceMonitor
	noSignal    bool
	err         error
	artifact    *recorder.Artifact
	metrics     []string
	durTicker   *time.Ticker
	levelTicker *time.Ticker

	mu      sync.Mutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
}

func New(deps Deps, opts Options) *Coordinator {
	c := &Coordinator{
		deps: deps,
		opts: opts.withDefaults(),
		msgs: make(chan any, 64),
		done: make(chan struct{}),
		subs: make(map[int]chan Snapshot),
	}
	c.snap = c.build()
	go c.run()
	return c
}

func (c *Coordinator) Start(mode Mode) error {
	if mode != ModeRecord && mode != ModeStream {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	return c.call(command{kind: cmdStart, mode: mode}).err
}

// Stop ends the current session. It is a no-op unless a session is
// starting or active.
func (c *Coordinator) Stop() { c.call(command{kind: cmdStop}) }

// Reset releases everything and returns to Idle from any state.
func (c *Coordinator) Reset() { c.call(command{kind: cmdReset}) }

func (c *Coordinator) ClearTranscript() { c.call(command{kind: cmdClearTranscript}) }

// TakeArtifact transfers ownership of the last recording to the caller,
// who must Release it. Artifacts not taken are released on the next
// Start, Reset or Close.
func (c *Coordinator) TakeArtifact() *recorder.Artifact {
	return c.call(command{kind: cmdTakeArtifact}).artifact
}

func (c *Coordinator) Close() {
	c.call(command{kind: cmdClose})
	<-c.done
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Subscribe returns a channel that always holds the latest snapshot; slow
// readers skip intermediate ones. The channel closes on cancel or Close.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snap
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
}

func (c *Coordinator) call(cmd command) reply {
	cmd.reply = make(chan reply, 1)
	select {
	case c.msgs <- cmd:
	case <-c.done:
		return reply{err: ErrClosed}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-c.done:
		return reply{err: ErrClosed}
	}
}

func (c *Coordinator) post(m any) {
	select {
	case c.msgs <- m:
	case <-c.done:
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		var durTick, levelTick <-chan time.Time
		if c.durTicker != nil {
			durTick = c.durTicker.C
		}
		if c.levelTicker != nil {
			levelTick = c.levelTicker.C
		}

		select {
		case m := <-c.msgs:
			cmd, isCmd := m.(command)
			if !isCmd {
				c.handle(m)
				c.publish()
				continue
			}
			r, exit := c.command(cmd)
			c.publish()
			cmd.reply <- r
			if exit {
				return
			}
		case <-durTick:
			c.onDurationTick()
			c.publish()
		case <-levelTick:
			c.onLevelTick()
			c.publish()
		}
	}
}

// command runs a caller request. Its effects are published before the
// caller is released.
func (c *Coordinator) command(m command) (r reply, exit bool) {
	switch m.kind {
	case cmdStart:
		r.err = c.start(m.mode)
	case cmdStop:
		c.stop()
	case cmdReset:
		c.reset()
	case cmdClearTranscript:
		c.transcript.Clear()
	case cmdTakeArtifact:
		r.artifact = c.artifact
		c.artifact = nil
	case cmdClose:
		c.shutdown()
		exit = true
	}
	return r, exit
}

func (c *Coordinator) handle(m any) {
	switch m := m.(type) {
	case acquired:
		c.onAcquired(m)
	case finalized:
		c.onFinalized(m)
	case streamEvent:
		c.onStreamEvent(m)
	case graceExpired:
		c.onGraceExpired(m)
	}
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	log.StateChange(c.id, c.state.String(), s.String())
	c.state = s
}

func (c *Coordinator) start(mode Mode) error {
	switch c.state {
	case Starting, Active, Stopping:
		return ErrBusy
	case Errored:
		return ErrNotReset
	}

	c.releaseArtifact()
	c.gen++
	a := &attempt{gen: c.gen, id: uuid.NewString(), mode: mode}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	c.cur = a
	c.id = a.id
	c.mode = mode
	c.err = nil
	c.duration = 0
	c.level = 0
	c.noSignal = false
	c.metrics = nil
	c.connection = transcriber.StateIdle
	c.setState(Starting)

	backend := c.deps.Backend
	if mode == ModeRecord {
		backend = "local"
	}
	log.SessionStart(a.id, mode.String(), backend)

	switch mode {
	case ModeRecord:
		rec, err := c.deps.NewRecorder()
		if err != nil {
			c.fail(err)
			return nil
		}
		// Started before the device so the first frames are kept.
		if err := rec.Start(recorder.Callbacks{}); err != nil {
			c.fail(err)
			return nil
		}
		a.rec = rec
	case ModeStream:
		a.tr = c.deps.NewTranscriber()
		c.transcript.Rebase()
	}
	a.dev = c.deps.NewDevice()
	c.device = a.dev.DeviceName()

	go c.acquire(a)
	return nil
}

// acquire runs off the loop. The channel is opened before the device so
// no frames are captured into a connection that is not yet open.
func (c *Coordinator) acquire(a *attempt) {
	var err error
	if a.tr != nil {
		if err = a.tr.Connect(a.ctx); err == nil {
			go c.pump(a.gen, a.tr)
		}
	}
	if err == nil {
		// Level is metered ahead of gain control so a dead microphone is
		// not amplified into a signal.
		a.dev.SetMeter(a.observe)
		err = a.dev.Acquire(a.ctx, c.opts.Constraints, func(samples []float32) {
			if a.rec != nil {
				a.rec.Write(samples)
			}
			if a.tr != nil {
				a.tr.SendFrame(samples)
			}
		})
	}
	c.post(acquired{gen: a.gen, err: err})
}

// pump forwards transcriber events to the loop. A channel that ends
// without EventClose is reported as closed anyway.
func (c *Coordinator) pump(gen uint64, tr Transcriber) {
	closed := false
	for ev := range tr.Events() {
		closed = ev.Kind == transcriber.EventClose
		c.post(streamEvent{gen: gen, ev: ev})
	}
	if !closed {
		c.post(streamEvent{gen: gen, ev: transcriber.Event{Kind: transcriber.EventClose}})
	}
}

func (c *Coordinator) current(gen uint64) *attempt {
	if c.cur == nil || c.cur.gen != gen {
		return nil
	}
	return c.cur
}

func (c *Coordinator) onAcquired(m acquired) {
	a := c.current(m.gen)
	if a == nil || c.state != Starting {
		// Torn down while acquiring; teardown already released the device.
		return
	}
	if m.err != nil {
		c.fail(m.err)
		return
	}
	if a.tr != nil {
		c.connection = a.tr.State()
	}
	a.activeAt = time.Now()
	c.setState(Active)
	c.startTimers()
}

func (c *Coordinator) stop() {
	a := c.cur
	switch c.state {
	case Starting:
		c.teardown()
		c.setState(Stopped)
		log.SessionEnd(c.id, Stopped.String())
	case Active:
		c.duration = c.elapsed(a)
		c.stopTimers()
		c.level = 0
		c.noSignal = false
		c.setState(Stopping)
		a.dev.Release()
		if a.rec != nil {
			a.finalizing = true
			rec, gen := a.rec, a.gen
			go func() {
				art, err := rec.Stop()
				c.post(finalized{gen: gen, artifact: art, err: err})
			}()
		}
		if a.tr != nil {
			a.tr.Finish()
			gen := a.gen
			a.grace = time.AfterFunc(c.opts.FinalizeGrace, func() {
				c.post(graceExpired{gen: gen})
			})
		}
	}
}

func (c *Coordinator) reset() {
	c.teardown()
	c.releaseArtifact()
	c.err = nil
	c.duration = 0
	c.level = 0
	c.noSignal = false
	c.metrics = nil
	c.connection = transcriber.StateIdle
	c.device = ""
	if c.state != Idle {
		log.SessionEnd(c.id, "reset")
	}
	c.setState(Idle)
	c.id = ""
}

func (c *Coordinator) shutdown() {
	c.teardown()
	c.releaseArtifact()
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
}

// fail moves to Errored. Resources are released before the state becomes
// observable.
func (c *Coordinator) fail(err error) {
	c.teardown()
	c.err = err
	log.Errorf("session %s failed: %v", c.id, err)
	c.setState(Errored)
	log.SessionEnd(c.id, Errored.String())
}

// teardown is the single cleanup path for stop, reset, error and close:
// detach and stop the device, close the channel, then clear timers.
func (c *Coordinator) teardown() {
	a := c.cur
	c.cur = nil
	c.stopTimers()
	if a == nil {
		return
	}
	a.cancel()
	if a.dev != nil {
		a.dev.Release()
	}
	if a.tr != nil {
		a.tr.Disconnect()
		c.connection = a.tr.State()
	}
	if a.rec != nil && !a.finalizing {
		rec := a.rec
		go func() {
			if art, _ := rec.Stop(); art != nil {
				art.Release()
			}
		}()
	}
	if a.grace != nil {
		a.grace.Stop()
	}
}

func (c *Coordinator) onFinalized(m finalized) {
	a := c.current(m.gen)
	if a == nil || c.state != Stopping {
		if m.artifact != nil {
			m.artifact.Release()
		}
		return
	}
	if m.err != nil {
		c.fail(m.err)
		return
	}
	mime := a.rec.MimeType()
	m.artifact.Stats.Log(a.id, mime)
	c.metrics = m.artifact.Stats.Lines(mime)
	c.artifact = m.artifact
	c.finishStop()
}

func (c *Coordinator) onStreamEvent(m streamEvent) {
	a := c.current(m.gen)
	if a == nil {
		return
	}
	ev := m.ev
	switch ev.Kind {
	case transcriber.EventOpen:
		c.connection = transcriber.StateOpen
	case transcriber.EventTranscript:
		if !c.transcript.Apply(ev.Transcript) {
			a.stale++
			log.Debugf("dropped late interim %q", ev.Transcript.Text)
			return
		}
		if ev.Transcript.IsFinal && ev.Transcript.Text != "" {
			log.TranscriptionText(a.id, ev.Transcript.Text)
		}
	case transcriber.EventMetadata:
		log.Debugf("stream metadata: %s %s", ev.Metadata.Type, ev.Metadata.RequestID)
	case transcriber.EventError:
		c.fail(ev.Err)
	case transcriber.EventClose:
		switch c.state {
		case Stopping:
			c.finishStream(a)
		case Starting, Active:
			c.fail(fmt.Errorf("%w: connection closed by backend", transcriber.ErrNetwork))
		}
	}
}

func (c *Coordinator) onGraceExpired(m graceExpired) {
	a := c.current(m.gen)
	if a == nil || c.state != Stopping {
		return
	}
	log.Warnf("finalize grace of %s expired before the backend closed", c.opts.FinalizeGrace)
	c.finishStream(a)
}

func (c *Coordinator) finishStream(a *attempt) {
	a.tr.Disconnect()
	c.connection = a.tr.State()
	c.metrics = a.tr.Stats().Lines()
	a.tr.LogMetrics(a.id, a.stale)
	c.finishStop()
}

func (c *Coordinator) finishStop() {
	c.teardown()
	c.setState(Stopped)
	log.SessionEnd(c.id, Stopped.String())
}

func (c *Coordinator) releaseArtifact() {
	if c.artifact == nil {
		return
	}
	if err := c.artifact.Release(); err != nil {
		log.Warnf("release artifact: %v", err)
	}
	c.artifact = nil
}

func (c *Coordinator) startTimers() {
	c.stopTimers()
	c.durTicker = time.NewTicker(c.opts.DurationInterval)
	c.levelTicker = time.NewTicker(c.opts.LevelInterval)
	c.silence = newSilenceMonitor(int(c.opts.SilenceAfter / c.opts.LevelInterval))
}

func (c *Coordinator) stopTimers() {
	if c.durTicker != nil {
		c.durTicker.Stop()
		c.durTicker = nil
	}
	if c.levelTicker != nil {
		c.levelTicker.Stop()
		c.levelTicker = nil
	}
	c.silence = nil
}

// elapsed counts from activation so a pending permission prompt is not
// part of the session duration.
func (c *Coordinator) elapsed(a *attempt) time.Duration {
	return time.Since(a.activeAt)
}

func (c *Coordinator) onDurationTick() {
	if c.state == Active && c.cur != nil {
		c.duration = c.elapsed(c.cur)
	}
}

func (c *Coordinator) onLevelTick() {
	a := c.cur
	if c.state != Active || a == nil || c.silence == nil {
		return
	}
	c.level = math.Float64frombits(a.level.Swap(0))
	switch c.silence.Tick(c.level >= c.opts.SilenceThreshold) {
	case SilenceWarn:
		c.noSignal = true
		log.Warnf("session %s: no microphone signal for %s", c.id, c.opts.SilenceAfter)
	case SilenceClear:
		c.noSignal = false
		log.Info("microphone signal resumed")
	}
}

func (c *Coordinator) build() Snapshot {
	s := Snapshot{
		ID:         c.id,
		State:      c.state,
		Mode:       c.mode,
		Recording:  c.state == Active && c.mode == ModeRecord,
		Listening:  c.state == Active && c.mode == ModeStream,
		Connection: c.connection,
		Device:     c.device,
		Duration:   c.duration,
		Transcript: c.transcript.Text(),
		Interim:    c.transcript.Interim,
		Confidence: c.transcript.Confidence,
		Words:      append([]transcriber.Word(nil), c.transcript.Words...),
		Level:      c.level,
		NoSignal:   c.noSignal,
		Err:        Message(c.err),
		ErrKind:    Kind(c.err),
		Metrics:    c.metrics,
	}
	if a := c.artifact; a != nil {
		s.Artifact = &ArtifactInfo{
			Path:     a.Path,
			URL:      a.URL(),
			MimeType: a.MimeType,
			Size:     a.Size,
			Duration: a.Duration,
		}
	}
	return s
}

func (c *Coordinator) publish() {
	s := c.build()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = s
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
