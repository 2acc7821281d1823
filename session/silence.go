package session

const (
	signalMinRatio   = 0.10
	signalClearRatio = 0.25 // higher threshold to clear the warning (hysteresis)
)

type SilenceEvent int

const (
	SilenceNone  SilenceEvent = iota
	SilenceWarn               // no signal over the warn window
	SilenceClear              // signal resumed after a warning
)

// silenceMonitor watches per-tick signal flags over a sliding window of
// warnAt ticks. It only reports; it never stops a session.
type silenceMonitor struct {
	warnAt int
	window []bool
	ticks  int
	warned bool
}

func newSilenceMonitor(warnAt int) *silenceMonitor {
	if warnAt < 1 {
		warnAt = 1
	}
	return &silenceMonitor{
		warnAt: warnAt,
		window: make([]bool, warnAt),
	}
}

func (m *silenceMonitor) ratio() float64 {
	n := min(m.ticks, m.warnAt)
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.warnAt)%m.warnAt] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasSignal bool) SilenceEvent {
	m.window[m.ticks%m.warnAt] = hasSignal
	m.ticks++

	r := m.ratio()
	if m.ticks >= m.warnAt && r < signalMinRatio && !m.warned {
		m.warned = true
		return SilenceWarn
	}
	if m.warned && r >= signalClearRatio {
		m.warned = false
		return SilenceClear
	}
	return SilenceNone
}

func (m *silenceMonitor) Warned() bool { return m.warned }
