package voice

import (
	"log/slog"
	"time"
)

// DefaultArmDelay is the wait between end of input and the first frame.
const DefaultArmDelay = time.Second

// State is the playback state of a Player.
type State int

const (
	Idle State = iota
	Armed
	Sending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Sending:
		return "sending"
	default:
		return "unknown"
	}
}

// Options tunes a Player. Zero values take the package defaults.
type Options struct {
	FrameInterval time.Duration
	ArmDelay      time.Duration
	// Now replaces the wall clock used to pace frames.
	Now func() time.Time
}

// Player paces an Announcement out one frame at a time. It is not safe for
// concurrent use; Load, EOF, Tick and Poll must be called from one goroutine.
type Player struct {
	builder   *Builder
	frameSize int
	interval  time.Duration
	logger    *slog.Logger

	state     State
	timer     Timer
	stopwatch Stopwatch
	sent      int
	frames    []byte
}

func NewPlayer(builder *Builder, opts Options, logger *slog.Logger) *Player {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.ArmDelay <= 0 {
		opts.ArmDelay = DefaultArmDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		builder:   builder,
		frameSize: builder.catalog.FrameSize(),
		interval:  opts.FrameInterval,
		logger:    logger,
		timer:     NewTimer(opts.ArmDelay),
		stopwatch: NewStopwatch(opts.Now),
	}
}

// Load replaces the pending buffer with ann. Playback in progress is
// abandoned and the player waits for EOF again. A trailing partial frame is
// dropped.
func (p *Player) Load(ann Announcement) {
	if p.state != Idle {
		p.logger.Info("replacing announcement in progress",
			slog.String("state", p.state.String()),
			slog.Int("sent", p.sent))
	}
	frames := ann.Frames
	if whole := len(frames) / p.frameSize * p.frameSize; whole != len(frames) {
		p.logger.Warn("dropping partial frame from announcement",
			slog.Int("bytes", len(frames)),
			slog.Int("frame_size", p.frameSize))
		frames = frames[:whole]
	}
	p.frames = frames
	p.sent = 0
	p.state = Idle
	p.timer.Stop()
}

func (p *Player) LinkedTo(reflector string) Announcement {
	ann := p.builder.LinkedTo(reflector)
	p.Load(ann)
	return ann
}

func (p *Player) NotLinked() Announcement {
	ann := p.builder.NotLinked()
	p.Load(ann)
	return ann
}

func (p *Player) Announce(symbols []string) Announcement {
	ann := p.builder.Build(symbols)
	p.Load(ann)
	return ann
}

// EOF arms playback of the pending buffer. It does nothing when no buffer is
// pending.
func (p *Player) EOF() {
	if len(p.frames) == 0 {
		return
	}
	p.state = Armed
	p.timer.Start()
}

// Tick advances the arming timer by ms milliseconds.
func (p *Player) Tick(ms int) {
	p.timer.Clock(ms)
	if p.timer.Expired() && p.state == Armed {
		p.stopwatch.Start()
		p.sent = 0
		p.state = Sending
	}
}

// Poll returns the next frame if one is due. Frames become due one per
// frame interval from the moment sending began.
func (p *Player) Poll() ([]byte, bool) {
	if p.state != Sending {
		return nil, false
	}

	due := int(p.stopwatch.Elapsed() / p.interval)
	if p.sent >= due {
		return nil, false
	}

	offset := p.sent * p.frameSize
	frame := make([]byte, p.frameSize)
	copy(frame, p.frames[offset:offset+p.frameSize])
	p.sent++

	if offset+p.frameSize >= len(p.frames) {
		p.timer.Stop()
		p.frames = nil
		p.state = Idle
	}

	return frame, true
}

func (p *Player) State() State { return p.state }

// Sent is the number of frames delivered from the current announcement.
func (p *Player) Sent() int { return p.sent }

// Pending reports the number of frames not yet delivered.
func (p *Player) Pending() int {
	if len(p.frames) == 0 {
		return 0
	}
	return len(p.frames)/p.frameSize - p.sent
}
