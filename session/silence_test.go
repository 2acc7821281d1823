package session

import "testing"

func feedN(m *silenceMonitor, signal bool, n int) SilenceEvent {
	var last SilenceEvent
	for i := 0; i < n; i++ {
		last = m.Tick(signal)
	}
	return last
}

func TestSilenceWarnAfterWindow(t *testing.T) {
	m := newSilenceMonitor(30)
	// 29 ticks of silence, no warning yet
	for i := 0; i < 29; i++ {
		if ev := m.Tick(false); ev != SilenceNone {
			t.Fatalf("unexpected event at tick %d: %d", i, ev)
		}
	}
	// 30th tick (3s at 100ms) triggers warning
	if ev := m.Tick(false); ev != SilenceWarn {
		t.Fatalf("expected SilenceWarn at tick 30, got %d", ev)
	}
}

func TestSilenceWarnClearsOnSignal(t *testing.T) {
	m := newSilenceMonitor(30)
	feedN(m, false, 30)

	for i := 0; i < 30; i++ {
		if m.Tick(true) == SilenceClear {
			if m.Warned() {
				t.Fatal("still warned after clear")
			}
			return
		}
	}
	t.Fatal("expected SilenceClear after signal")
}

func TestNoWarnDuringSignal(t *testing.T) {
	m := newSilenceMonitor(30)
	for i := 0; i < 200; i++ {
		if ev := m.Tick(true); ev == SilenceWarn {
			t.Fatalf("unexpected warn during signal at tick %d", i)
		}
	}
}

func TestWarnOnlyOnce(t *testing.T) {
	m := newSilenceMonitor(30)
	warns := 0
	for i := 0; i < 300; i++ {
		if ev := m.Tick(false); ev == SilenceWarn {
			warns++
		}
	}
	if warns != 1 {
		t.Fatalf("expected exactly 1 SilenceWarn, got %d", warns)
	}
}

func TestWarnStaysDuringNoise(t *testing.T) {
	m := newSilenceMonitor(30)
	feedN(m, false, 30)

	// Sparse blips (< 25% of ticks) should not clear
	clears := 0
	for i := 0; i < 60; i++ {
		if ev := m.Tick(i%10 == 0); ev == SilenceClear {
			clears++
		}
	}
	if clears > 0 {
		t.Fatalf("expected warning to stay with 10%% signal, got %d clears", clears)
	}
}
