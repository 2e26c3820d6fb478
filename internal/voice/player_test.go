package voice

import (
	"bytes"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

const (
	testInterval = 40 * time.Millisecond
	testArmDelay = 100 * time.Millisecond
)

func newTestPlayer(t *testing.T) (*Player, *fakeClock) {
	t.Helper()
	c := loadCatalog(t, "a\t0\t1\nb\t4\t1\nlinked\t8\t1\n2\t12\t1\nx\t16\t1\nnotlinked\t0\t2\n", 5)
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPlayer(NewBuilder(c, newLogger()), Options{
		FrameInterval: testInterval,
		ArmDelay:      testArmDelay,
		Now:           clock.Now,
	}, newLogger())
	return p, clock
}

// startSending arms the loaded announcement and ticks past the arming delay.
func startSending(t *testing.T, p *Player) {
	t.Helper()
	p.EOF()
	if p.State() != Armed {
		t.Fatalf("expected armed after EOF, got %v", p.State())
	}
	p.Tick(int(testArmDelay / time.Millisecond))
	if p.State() != Sending {
		t.Fatalf("expected sending after arming delay, got %v", p.State())
	}
}

func TestPollBeforeArmingReturnsNothing(t *testing.T) {
	p, clock := newTestPlayer(t)
	if _, ok := p.Poll(); ok {
		t.Fatal("idle player produced a frame")
	}

	p.Announce([]string{"a", "b"})
	clock.Advance(time.Second)
	if _, ok := p.Poll(); ok {
		t.Fatal("unarmed player produced a frame")
	}

	p.EOF()
	p.Tick(int(testArmDelay/time.Millisecond) - 1)
	clock.Advance(time.Second)
	if p.State() != Armed {
		t.Fatalf("expected armed, got %v", p.State())
	}
	if _, ok := p.Poll(); ok {
		t.Fatal("armed player produced a frame")
	}
}

func TestEOFWithoutAnnouncementIsNoop(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.EOF()
	p.Tick(1000)
	if p.State() != Idle {
		t.Fatalf("expected idle, got %v", p.State())
	}
}

func TestTickWhileIdleIsNoop(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.Announce([]string{"a"})
	p.Tick(10_000)
	if p.State() != Idle {
		t.Fatalf("expected idle without EOF, got %v", p.State())
	}
}

func TestPollPacesFrames(t *testing.T) {
	p, clock := newTestPlayer(t)
	ann := p.Announce([]string{"a", "b"})
	startSending(t, p)

	if _, ok := p.Poll(); ok {
		t.Fatal("no frame is due at the start of sending")
	}

	clock.Advance(testInterval)
	if _, ok := p.Poll(); !ok {
		t.Fatal("expected one frame after one interval")
	}
	for i := 0; i < 5; i++ {
		if _, ok := p.Poll(); ok {
			t.Fatal("delivered more frames than elapsed intervals")
		}
	}

	// Delayed polling catches up one frame per call.
	clock.Advance(3 * testInterval)
	delivered := 0
	for {
		if _, ok := p.Poll(); !ok {
			break
		}
		delivered++
	}
	if delivered != 3 {
		t.Fatalf("expected to catch up 3 frames, got %d", delivered)
	}
	if p.Sent() != 4 {
		t.Fatalf("expected 4 sent, got %d", p.Sent())
	}
	if p.Pending() != ann.Count-4 {
		t.Fatalf("expected %d pending, got %d", ann.Count-4, p.Pending())
	}
}

func TestPlaysWholeAnnouncementInOrder(t *testing.T) {
	p, clock := newTestPlayer(t)
	ann := p.Announce([]string{"a", "b"})
	startSending(t, p)

	var out []byte
	polls := 0
	for p.State() == Sending {
		clock.Advance(testInterval / 4)
		if polls++; polls > 1000 {
			t.Fatal("playback did not finish")
		}
		frame, ok := p.Poll()
		if !ok {
			continue
		}
		elapsed := time.Duration(polls) * testInterval / 4
		if p.Sent() > int(elapsed/testInterval) {
			t.Fatalf("sent %d frames after %v", p.Sent(), elapsed)
		}
		out = append(out, frame...)
	}

	if !bytes.Equal(out, ann.Frames) {
		t.Fatal("delivered frames differ from the announcement")
	}
	if p.State() != Idle || p.Pending() != 0 {
		t.Fatalf("expected idle with nothing pending, got %v/%d", p.State(), p.Pending())
	}

	clock.Advance(time.Minute)
	if _, ok := p.Poll(); ok {
		t.Fatal("exhausted player produced a frame")
	}
	p.EOF()
	if p.State() != Idle {
		t.Fatal("EOF after delivery must not re-arm")
	}
}

func TestLastFrameReturnsToIdle(t *testing.T) {
	p, clock := newTestPlayer(t)
	ann := p.NotLinked()
	startSending(t, p)

	clock.Advance(time.Duration(ann.Count) * testInterval)
	for i := 0; i < ann.Count-1; i++ {
		if _, ok := p.Poll(); !ok {
			t.Fatalf("expected frame %d", i)
		}
		if p.State() != Sending {
			t.Fatalf("left sending early at frame %d", i)
		}
	}
	if _, ok := p.Poll(); !ok {
		t.Fatal("expected final frame")
	}
	if p.State() != Idle {
		t.Fatalf("expected idle after final frame, got %v", p.State())
	}
}

func TestLoadReplacesAnnouncementInProgress(t *testing.T) {
	p, clock := newTestPlayer(t)
	p.Announce([]string{"a", "b"})
	startSending(t, p)
	clock.Advance(2 * testInterval)
	p.Poll()

	next := p.LinkedTo("X")
	if p.State() != Idle || p.Sent() != 0 {
		t.Fatalf("expected reset to idle, got %v sent=%d", p.State(), p.Sent())
	}
	if p.Pending() != next.Count {
		t.Fatalf("expected %d pending, got %d", next.Count, p.Pending())
	}

	startSending(t, p)
	clock.Advance(testInterval)
	frame, ok := p.Poll()
	if !ok || !bytes.Equal(frame, next.Frames[:testFrameSize]) {
		t.Fatal("expected first frame of the replacement announcement")
	}
}

func TestLoadDropsPartialFrames(t *testing.T) {
	p, clock := newTestPlayer(t)

	p.Load(Announcement{Frames: []byte{1, 2, 3}})
	p.EOF()
	if p.State() != Idle || p.Pending() != 0 {
		t.Fatalf("short buffer should leave nothing to play, got %v pending=%d", p.State(), p.Pending())
	}
	p.Tick(2000)
	clock.Advance(time.Second)
	if _, ok := p.Poll(); ok {
		t.Fatal("short buffer produced a frame")
	}

	p.Load(Announcement{Frames: []byte{1, 2, 3, 4, 5, 6}})
	startSending(t, p)
	clock.Advance(time.Second)
	frame, ok := p.Poll()
	if !ok || !bytes.Equal(frame, []byte{1, 2, 3, 4}) {
		t.Fatalf("expected the single whole frame, got %v", frame)
	}
	if _, ok := p.Poll(); ok || p.State() != Idle {
		t.Fatalf("expected playback to end after the whole frame, state %v", p.State())
	}
}

func TestStateString(t *testing.T) {
	if Idle.String() != "idle" || Armed.String() != "armed" || Sending.String() != "sending" {
		t.Fatal("unexpected state names")
	}
}
