// Package announce drives the voice player from bus requests and publishes
// the paced frames back onto the bus.
package announce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const requestBacklog = 16

// Bus is the subset of the bus client the service needs.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Recorder persists announcement history.
type Recorder interface {
	Append(ctx context.Context, rec history.Record) error
	Finish(ctx context.Context, id, outcome string) error
}

var (
	errUnknownKind   = errors.New("unknown announcement kind")
	errInvalidTarget = errors.New("invalid announcement target")
)

type Service struct {
	cfg      config.VoiceConfig
	bus      Bus
	history  Recorder
	player   *voice.Player
	logger   *slog.Logger
	now      func() time.Time
	sub      *nats.Subscription
	requests chan protocol.AnnounceRequest
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	state    atomic.Int32
	started  atomic.Bool

	current  *inflight
	lastTick time.Time

	tracer        trace.Tracer
	announcements metric.Int64Counter
	frames        metric.Int64Counter
	missing       metric.Int64Counter
}

type inflight struct {
	id       string
	req      protocol.AnnounceRequest
	ann      voice.Announcement
	sequence int
	span     trace.Span
	ctx      context.Context
}

func NewService(parent context.Context, cfg config.VoiceConfig, catalog *voice.Catalog, busClient Bus, recorder Recorder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		history:  recorder,
		logger:   log.With(slog.String("component", "announce-service")),
		now:      time.Now,
		requests: make(chan protocol.AnnounceRequest, requestBacklog),
		ctx:      ctx,
		cancel:   cancel,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voice/announce"),
	}
	s.initMetrics()
	s.player = voice.NewPlayer(voice.NewBuilder(catalog, s.logger), voice.Options{
		FrameInterval: cfg.FrameInterval(),
		ArmDelay:      cfg.ArmDelay(),
		Now:           func() time.Time { return s.now() },
	}, s.logger)
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/announce")
	var err error
	if s.announcements, err = meter.Int64Counter("loqa.voice.announcements", metric.WithDescription("Announcements started")); err != nil {
		s.logger.Warn("failed to create announcements counter", slogError(err))
	}
	if s.frames, err = meter.Int64Counter("loqa.voice.frames.sent", metric.WithDescription("Voice frames published")); err != nil {
		s.logger.Warn("failed to create frames counter", slogError(err))
	}
	if s.missing, err = meter.Int64Counter("loqa.voice.symbols.missing", metric.WithDescription("Symbols absent from the voice index")); err != nil {
		s.logger.Warn("failed to create missing symbols counter", slogError(err))
	}
}

// Start subscribes to announcement requests and starts the playback loop.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectAnnounceRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe announce requests: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	s.started.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.started.Load() }

// State reports the player state as last observed by the playback loop.
func (s *Service) State() voice.State { return voice.State(s.state.Load()) }

// Submit queues a request for the playback loop.
func (s *Service) Submit(req protocol.AnnounceRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	select {
	case s.requests <- req:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return errors.New("announcement backlog full")
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.AnnounceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode announce request", slogError(err))
		return
	}
	if err := s.Submit(req); err != nil {
		s.logger.Warn("announce request rejected", slog.String("kind", req.Kind), slogError(err))
	}
}

func validateRequest(req protocol.AnnounceRequest) error {
	if req.Target != "" && !protocol.ValidSubjectToken(req.Target) {
		return fmt.Errorf("%w %q", errInvalidTarget, req.Target)
	}
	switch req.Kind {
	case protocol.KindLinked:
		if req.Reflector == "" {
			return errors.New("linked announcement requires a reflector")
		}
	case protocol.KindUnlinked:
	case protocol.KindSymbols:
		if len(req.Symbols) == 0 {
			return errors.New("symbols announcement requires symbols")
		}
	default:
		return fmt.Errorf("%w %q", errUnknownKind, req.Kind)
	}
	return nil
}

// run owns the player. Requests and clock ticks are serialized here.
func (s *Service) run() {
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()
	s.lastTick = s.now()

	for {
		select {
		case <-s.ctx.Done():
			if s.current != nil {
				s.finish(history.OutcomeReplaced)
			}
			return
		case req := <-s.requests:
			s.begin(req)
		case <-ticker.C:
			now := s.now()
			ms := int(now.Sub(s.lastTick) / time.Millisecond)
			s.lastTick = s.lastTick.Add(time.Duration(ms) * time.Millisecond)
			s.step(ms)
		}
	}
}

// begin builds req, loads it into the player and arms playback. An
// announcement still playing is abandoned.
func (s *Service) begin(req protocol.AnnounceRequest) {
	if req.Target == "" {
		req.Target = s.cfg.Target
	}

	var ann voice.Announcement
	switch req.Kind {
	case protocol.KindLinked:
		ann = s.player.LinkedTo(req.Reflector)
	case protocol.KindUnlinked:
		ann = s.player.NotLinked()
	case protocol.KindSymbols:
		ann = s.player.Announce(req.Symbols)
	default:
		s.logger.Warn("ignoring announce request", slog.String("kind", req.Kind))
		return
	}

	if s.current != nil {
		s.finish(history.OutcomeReplaced)
	}

	id := uuid.NewString()
	attrs := []attribute.KeyValue{
		attribute.String("voice.kind", req.Kind),
		attribute.String("voice.target", req.Target),
	}
	ctx, span := s.tracer.Start(s.traceContext(req), "voice.announce", trace.WithAttributes(
		append(attrs,
			attribute.String("voice.announcement_id", id),
			attribute.Int("voice.frames", ann.Count),
			attribute.StringSlice("voice.missing", ann.Missing))...))

	s.current = &inflight{id: id, req: req, ann: ann, span: span, ctx: ctx}
	s.player.EOF()
	s.state.Store(int32(s.player.State()))

	if s.announcements != nil {
		s.announcements.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if s.missing != nil && len(ann.Missing) > 0 {
		s.missing.Add(ctx, int64(len(ann.Missing)), metric.WithAttributes(attrs...))
	}

	rec := history.Record{
		ID:        id,
		Kind:      req.Kind,
		Reflector: req.Reflector,
		Target:    req.Target,
		Symbols:   ann.Symbols,
		Missing:   ann.Missing,
		Frames:    ann.Count,
	}
	if err := s.record(func(ctx context.Context) error { return s.history.Append(ctx, rec) }); err != nil {
		s.logger.Warn("failed to record announcement", slogError(err))
	}

	s.logger.Info("announcement armed",
		slog.String("id", id),
		slog.String("kind", req.Kind),
		slog.String("reflector", req.Reflector),
		slog.Int("frames", ann.Count),
		slog.Int("missing", len(ann.Missing)))
}

// traceContext continues the caller's trace when the request carries one.
func (s *Service) traceContext(req protocol.AnnounceRequest) context.Context {
	if req.TraceParent == "" {
		return s.ctx
	}
	return propagation.TraceContext{}.Extract(s.ctx, propagation.MapCarrier{"traceparent": req.TraceParent})
}

// step advances the player clock by ms and publishes every frame now due.
func (s *Service) step(ms int) {
	s.player.Tick(ms)
	for {
		frame, ok := s.player.Poll()
		if !ok {
			break
		}
		final := s.player.State() == voice.Idle
		s.publishFrame(frame, final)
		if final {
			s.finish(history.OutcomeCompleted)
		}
	}
	s.state.Store(int32(s.player.State()))
}

func (s *Service) publishFrame(payload []byte, final bool) {
	cur := s.current
	if cur == nil {
		return
	}
	packet := protocol.VoiceFrame{
		AnnouncementID: cur.id,
		Source:         s.cfg.Callsign,
		Sequence:       cur.sequence,
		Payload:        payload,
		Final:          final,
	}
	cur.sequence++

	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal voice frame", slogError(err))
		return
	}
	if err := s.bus.Publish(protocol.FrameSubject(cur.req.Target), data); err != nil {
		s.logger.Warn("failed to publish voice frame", slogError(err))
		return
	}
	if s.frames != nil {
		s.frames.Add(cur.ctx, 1, metric.WithAttributes(attribute.String("voice.target", cur.req.Target)))
	}
}

// finish closes out the current announcement with outcome.
func (s *Service) finish(outcome string) {
	cur := s.current
	s.current = nil

	status := protocol.AnnounceStatus{
		AnnouncementID: cur.id,
		Target:         cur.req.Target,
		Kind:           cur.req.Kind,
		Frames:         cur.sequence,
		Missing:        cur.ann.Missing,
		Completed:      outcome == history.OutcomeCompleted,
		Replaced:       outcome == history.OutcomeReplaced,
		Timestamp:      s.now().UTC(),
	}
	if data, err := json.Marshal(status); err == nil {
		if err := s.bus.Publish(protocol.SubjectAnnounceDone, data); err != nil {
			s.logger.Warn("failed to publish announce status", slogError(err))
		}
	}

	if err := s.record(func(ctx context.Context) error { return s.history.Finish(ctx, cur.id, outcome) }); err != nil {
		s.logger.Warn("failed to update announcement history", slogError(err))
	}

	if outcome != history.OutcomeCompleted {
		cur.span.SetStatus(codes.Error, outcome)
	}
	cur.span.SetAttributes(attribute.Int("voice.frames_sent", cur.sequence))
	cur.span.End()

	s.logger.Info("announcement finished",
		slog.String("id", cur.id),
		slog.String("outcome", outcome),
		slog.Int("sent", cur.sequence))
}

func (s *Service) record(fn func(context.Context) error) error {
	if s.history == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 2*time.Second)
	defer cancel()
	return fn(ctx)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
