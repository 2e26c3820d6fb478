package voice

import "time"

// Timer is a countdown advanced by explicit clock ticks rather than wall time.
type Timer struct {
	timeout time.Duration
	elapsed time.Duration
	running bool
}

// NewTimer returns a stopped timer that expires after timeout of ticks.
func NewTimer(timeout time.Duration) Timer {
	return Timer{timeout: timeout}
}

func (t *Timer) Start() {
	t.elapsed = 0
	t.running = true
}

func (t *Timer) Stop() {
	t.elapsed = 0
	t.running = false
}

// Clock advances a running timer by ms milliseconds.
func (t *Timer) Clock(ms int) {
	if !t.running || ms <= 0 {
		return
	}
	t.elapsed += time.Duration(ms) * time.Millisecond
}

func (t *Timer) Running() bool { return t.running }

func (t *Timer) Expired() bool {
	return t.running && t.elapsed >= t.timeout
}

// Stopwatch measures elapsed time from Start using a replaceable clock.
type Stopwatch struct {
	now   func() time.Time
	start time.Time
}

func NewStopwatch(now func() time.Time) Stopwatch {
	if now == nil {
		now = time.Now
	}
	return Stopwatch{now: now}
}

func (s *Stopwatch) Start() {
	s.start = s.now()
}

// Elapsed reports the time since Start, or zero if never started.
func (s *Stopwatch) Elapsed() time.Duration {
	if s.start.IsZero() {
		return 0
	}
	d := s.now().Sub(s.start)
	if d < 0 {
		return 0
	}
	return d
}
