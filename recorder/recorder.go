package recorder

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scamdrill/audio"
	"scamdrill/encoder"
	"scamdrill/log"
)

var (
	ErrEmptyRecording = errors.New("recording captured no audio")
	ErrNotRecording   = errors.New("recorder is not recording")
	ErrAlreadyStarted = errors.New("recorder already started")
)

const DefaultSliceMs = 100

type Config struct {
	Format      encoder.Format
	Preferences []string // MIME types, most preferred first
	SliceMs     int
	Dir         string // artifact directory; os.TempDir when empty
}

// Chunk is one fixed-interval slice of little-endian 16-bit PCM.
type Chunk struct {
	Seq  int
	Data []byte
}

type Callbacks struct {
	OnChunk func(Chunk)
	OnStop  func(*Artifact)
	OnError func(error)
}

type Stats struct {
	Chunks         int
	AudioS         float64
	ElapsedS       float64
	RawKB          float64
	EncodedKB      float64
	CompressionPct float64
	EncodeMs       float64
}

// CapturedAudio holds the slices of one recording. It is append-only
// until finalized.
type CapturedAudio struct {
	mu        sync.Mutex
	chunks    [][]byte
	size      int
	mimeType  string
	finalized bool
}

func (c *CapturedAudio) append(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return false
	}
	c.chunks = append(c.chunks, b)
	c.size += len(b)
	return true
}

func (c *CapturedAudio) finalize() {
	c.mu.Lock()
	c.finalized = true
	c.mu.Unlock()
}

func (c *CapturedAudio) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *CapturedAudio) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *CapturedAudio) MimeType() string { return c.mimeType }

func (c *CapturedAudio) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

// Chunk returns a copy of slice i.
func (c *CapturedAudio) Chunk(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.chunks[i]...)
}

// Artifact is the finalized recording on disk. The caller owns it and must
// call Release when done.
type Artifact struct {
	Path     string
	MimeType string
	Size     int64
	Duration time.Duration // wall clock from the first captured samples to Stop
	Stats    Stats

	once sync.Once
}

func (a *Artifact) URL() string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(a.Path)}).String()
}

// Release deletes the artifact file. Safe to call more than once.
func (a *Artifact) Release() error {
	var err error
	a.once.Do(func() {
		if rmErr := os.Remove(a.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}

type Recorder struct {
	cfg         Config
	codec       encoder.Codec
	sliceFrames int

	mu        sync.Mutex
	cb        Callbacks
	audio     *CapturedAudio
	pending   []int16
	recording bool
	stopped   bool
	startedAt time.Time
	elapsed   time.Duration

	file       *os.File
	enc        encoder.Encoder
	blockChan  chan []int16
	encodeDone chan struct{}
	encodeErr  error
	encodeTime time.Duration
}

// New negotiates the artifact encoding up front so an unsupported
// configuration fails before any device is opened.
func New(cfg Config) (*Recorder, error) {
	if cfg.SliceMs <= 0 {
		cfg.SliceMs = DefaultSliceMs
	}
	codec, err := encoder.Negotiate(cfg.Preferences, cfg.Format)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		cfg:         cfg,
		codec:       codec,
		sliceFrames: cfg.Format.SampleRate * cfg.SliceMs / 1000,
	}, nil
}

func (r *Recorder) MimeType() string { return r.codec.MimeType }

func (r *Recorder) Start(cb Callbacks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording || r.stopped {
		return ErrAlreadyStarted
	}

	f, err := os.CreateTemp(r.cfg.Dir, "scamdrill-*"+r.codec.Ext)
	if err != nil {
		return fmt.Errorf("creating artifact file: %w", err)
	}
	enc, err := r.codec.New(f, r.cfg.Format)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("creating %s encoder: %w", r.codec.MimeType, err)
	}

	r.cb = cb
	r.audio = &CapturedAudio{mimeType: r.codec.MimeType}
	r.file = f
	r.enc = enc
	r.blockChan = make(chan []int16, 64)
	r.encodeDone = make(chan struct{})
	r.recording = true

	go r.encodeLoop(r.enc, r.blockChan, r.encodeDone)
	return nil
}

func (r *Recorder) encodeLoop(enc encoder.Encoder, blocks <-chan []int16, done chan<- struct{}) {
	defer close(done)
	var spent time.Duration
	var firstErr error
	for block := range blocks {
		if firstErr != nil {
			continue
		}
		start := time.Now()
		firstErr = enc.EncodeBlock(block)
		spent += time.Since(start)
	}
	r.mu.Lock()
	r.encodeErr = firstErr
	r.encodeTime = spent
	r.mu.Unlock()
}

// Write is the capture sink. Samples are quantized and cut into slices of
// SliceMs of audio; samples arriving when not recording are ignored.
func (r *Recorder) Write(samples []float32) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	if r.startedAt.IsZero() {
		r.startedAt = time.Now()
	}
	r.pending = append(r.pending, audio.Quantize(samples)...)
	n := r.sliceFrames * r.cfg.Format.Channels
	var cut [][]int16
	for len(r.pending) >= n {
		block := make([]int16, n)
		copy(block, r.pending[:n])
		r.pending = r.pending[n:]
		cut = append(cut, block)
	}
	chunks := r.emitLocked(cut)
	onChunk := r.cb.OnChunk
	r.mu.Unlock()

	if onChunk != nil {
		for _, c := range chunks {
			onChunk(c)
		}
	}
}

func (r *Recorder) emitLocked(blocks [][]int16) []Chunk {
	var chunks []Chunk
	for _, block := range blocks {
		data := audio.PCM16LE(block)
		if !r.audio.append(data) {
			break
		}
		r.blockChan <- block
		chunks = append(chunks, Chunk{Seq: r.audio.Len() - 1, Data: data})
	}
	return chunks
}

// Stop ends the recording and assembles the artifact. Calling Stop when
// not recording returns (nil, nil).
func (r *Recorder) Stop() (*Artifact, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, nil
	}
	r.recording = false
	r.stopped = true
	if !r.startedAt.IsZero() {
		r.elapsed = time.Since(r.startedAt)
	}

	var tail []Chunk
	if len(r.pending) >= r.cfg.Format.Channels {
		rem := len(r.pending) - len(r.pending)%r.cfg.Format.Channels
		tail = r.emitLocked([][]int16{r.pending[:rem]})
	}
	r.pending = nil
	close(r.blockChan)
	cb := r.cb
	r.mu.Unlock()

	if cb.OnChunk != nil {
		for _, c := range tail {
			cb.OnChunk(c)
		}
	}

	<-r.encodeDone
	artifact, err := r.finalize()
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}
	if cb.OnStop != nil {
		cb.OnStop(artifact)
	}
	return artifact, nil
}

func (r *Recorder) finalize() (*Artifact, error) {
	r.audio.finalize()
	path := r.file.Name()

	closeErr := r.enc.Close()
	// Some encoders close the file themselves.
	r.file.Close()

	discard := func(err error) (*Artifact, error) {
		os.Remove(path)
		return nil, err
	}
	if r.audio.Len() == 0 || r.audio.Size() == 0 {
		return discard(ErrEmptyRecording)
	}
	r.mu.Lock()
	encodeErr, encodeTime := r.encodeErr, r.encodeTime
	r.mu.Unlock()
	if encodeErr != nil {
		return discard(fmt.Errorf("encoding %s: %w", r.codec.MimeType, encodeErr))
	}
	if closeErr != nil {
		return discard(fmt.Errorf("finalizing %s: %w", r.codec.MimeType, closeErr))
	}
	st, err := os.Stat(path)
	if err != nil {
		return discard(err)
	}
	if st.Size() == 0 {
		return discard(ErrEmptyRecording)
	}

	raw := r.audio.Size()
	frames := r.enc.TotalFrames()
	stats := Stats{
		Chunks:         r.audio.Len(),
		AudioS:         float64(frames) / float64(r.cfg.Format.SampleRate),
		ElapsedS:       r.Elapsed().Seconds(),
		RawKB:          float64(raw) / 1024,
		EncodedKB:      float64(st.Size()) / 1024,
		CompressionPct: (1 - float64(st.Size())/float64(raw)) * 100,
		EncodeMs:       float64(encodeTime.Microseconds()) / 1000,
	}
	return &Artifact{
		Path:     path,
		MimeType: r.codec.MimeType,
		Size:     st.Size(),
		Duration: r.Elapsed(),
		Stats:    stats,
	}, nil
}

// Elapsed is wall-clock time since the first samples were written, frozen
// once Stop is called. Time spent waiting for the device does not count.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording && !r.startedAt.IsZero() {
		return time.Since(r.startedAt)
	}
	return r.elapsed
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Audio returns the captured slices, nil before Start.
func (r *Recorder) Audio() *CapturedAudio {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio
}

func (s Stats) Log(id, mimeType string) {
	log.RecordingMetrics(id, log.RecordingMetricsData{
		MimeType:       mimeType,
		Chunks:         s.Chunks,
		AudioS:         s.AudioS,
		ElapsedS:       s.ElapsedS,
		RawKB:          s.RawKB,
		EncodedKB:      s.EncodedKB,
		CompressionPct: s.CompressionPct,
		EncodeMs:       s.EncodeMs,
	})
}

// Lines formats the stats for the TUI metrics pane.
func (s Stats) Lines(mimeType string) []string {
	return []string{
		fmt.Sprintf("audio:      %.1fs | %.1f KB → %.1f KB (%.0f%% smaller)",
			s.AudioS, s.RawKB, s.EncodedKB, s.CompressionPct),
		fmt.Sprintf("format:     %s", mimeType),
		fmt.Sprintf("chunks:     %d", s.Chunks),
		fmt.Sprintf("encode:     %.0fms (concurrent)", s.EncodeMs),
	}
}
