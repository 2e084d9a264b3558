package retry

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDelayLadder(t *testing.T) {
	s := NewScheduler(nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 5 * time.Second},
		{3, 10 * time.Second},
		{4, 30 * time.Second},
		{5, 60 * time.Second},
		{6, 60 * time.Second},  // holds at the last rung
		{42, 60 * time.Second}, // forever
		{-1, 0},
	}
	for _, tt := range tests {
		if got := s.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestScheduleAdvancesPerKey(t *testing.T) {
	s := NewScheduler([]time.Duration{0, time.Millisecond, 2 * time.Millisecond}, nil)

	noop := func() {}
	if d := s.Schedule("a", noop); d != 0 {
		t.Errorf("first delay for a = %v, want 0", d)
	}
	if d := s.Schedule("a", noop); d != time.Millisecond {
		t.Errorf("second delay for a = %v, want 1ms", d)
	}
	// Independent key starts at the bottom of the ladder.
	if d := s.Schedule("b", noop); d != 0 {
		t.Errorf("first delay for b = %v, want 0", d)
	}
}

func TestScheduleFiresCallback(t *testing.T) {
	s := NewScheduler([]time.Duration{time.Millisecond}, nil)

	var fired atomic.Int32
	s.Schedule("k", func() { fired.Add(1) })

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Fatalf("callback fired %d times, want 1", fired.Load())
	}
	if s.Pending("k") {
		t.Error("timer still pending after fire")
	}
}

func TestResetReturnsToFirstRung(t *testing.T) {
	s := NewScheduler([]time.Duration{0, time.Minute}, nil)

	noop := func() {}
	s.Schedule("k", noop)
	s.Schedule("k", noop) // now armed at one minute
	if !s.Pending("k") {
		t.Fatal("expected pending timer")
	}

	s.Reset("k")
	if s.Pending("k") {
		t.Error("Reset did not cancel the pending timer")
	}
	if d := s.Schedule("k", noop); d != 0 {
		t.Errorf("delay after Reset = %v, want 0", d)
	}
}

func TestCancelStopsTimerKeepsPosition(t *testing.T) {
	s := NewScheduler([]time.Duration{50 * time.Millisecond, time.Minute}, nil)

	var fired atomic.Int32
	s.Schedule("k", func() { fired.Add(1) })
	s.Schedule("k", func() { fired.Add(1) }) // replaces, armed at one minute
	s.Cancel("k")

	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("callback fired %d times after Cancel, want 0", fired.Load())
	}
	// Ladder position survives Cancel.
	if d := s.Schedule("k", func() {}); d != time.Minute {
		t.Errorf("delay after Cancel = %v, want 1m", d)
	}
	s.CancelAll()
}

func TestCancelAll(t *testing.T) {
	s := NewScheduler([]time.Duration{time.Minute}, nil)

	s.Schedule("a", func() {})
	s.Schedule("b", func() {})
	s.CancelAll()

	if s.Pending("a") || s.Pending("b") {
		t.Error("timers still pending after CancelAll")
	}
}
