package voice

import (
	"testing"
	"time"
)

func TestTimerExpiresAfterTimeout(t *testing.T) {
	timer := NewTimer(50 * time.Millisecond)
	timer.Clock(100)
	if timer.Running() || timer.Expired() {
		t.Fatal("stopped timer must ignore ticks")
	}

	timer.Start()
	timer.Clock(30)
	if timer.Expired() {
		t.Fatal("expired early")
	}
	timer.Clock(20)
	if !timer.Expired() {
		t.Fatal("expected expiry at timeout")
	}

	timer.Stop()
	if timer.Expired() {
		t.Fatal("stopped timer reported expiry")
	}
	timer.Start()
	if timer.Expired() {
		t.Fatal("restart must reset elapsed time")
	}
}

func TestStopwatchElapsed(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sw := NewStopwatch(func() time.Time { return now })
	if sw.Elapsed() != 0 {
		t.Fatal("unstarted stopwatch should report zero")
	}
	sw.Start()
	now = now.Add(130 * time.Millisecond)
	if got := sw.Elapsed(); got != 130*time.Millisecond {
		t.Fatalf("expected 130ms, got %v", got)
	}
}
