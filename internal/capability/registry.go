// Package capability tracks which gateways on the bus can speak voice
// announcements.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const presenceSubject = "ctrl.voice.presence"

// Voice describes the announcer a gateway runs.
type Voice struct {
	Language string `json:"language"`
	Callsign string `json:"callsign"`
	Target   string `json:"target"`
}

// Peer is a gateway seen on the bus. Voice is nil for gateways with voice
// announcements disabled.
type Peer struct {
	ID       string    `json:"id"`
	Voice    *Voice    `json:"voice,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type presence struct {
	NodeID string    `json:"node_id"`
	Voice  *Voice    `json:"voice,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Registry publishes this gateway's presence and tracks its peers.
type Registry struct {
	node   config.NodeConfig
	voice  *Voice
	log    *slog.Logger
	bus    *bus.Client
	sub    *nats.Subscription
	cancel context.CancelFunc
	now    func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer
}

// LocalVoice returns the presence payload for cfg, or nil when voice is
// disabled.
func LocalVoice(cfg config.VoiceConfig) *Voice {
	if !cfg.Enabled {
		return nil
	}
	return &Voice{Language: cfg.Language, Callsign: cfg.Callsign, Target: cfg.Target}
}

func NewRegistry(ctx context.Context, node config.NodeConfig, voice *Voice, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	r := newRegistry(node, voice, log)
	r.bus = busClient

	if err := r.registerGauges(); err != nil {
		r.log.Warn("failed to register peer gauges", slog.String("error", err.Error()))
	}

	sub, err := busClient.Subscribe(presenceSubject+".*", r.handlePresence)
	if err != nil {
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	r.sub = sub

	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)

	r.publish()
	return r, nil
}

func newRegistry(node config.NodeConfig, voice *Voice, log *slog.Logger) *Registry {
	return &Registry{
		node:  node,
		voice: voice,
		log:   log.With(slog.String("component", "capability-registry")),
		peers: make(map[string]*Peer),
		now:   time.Now,
	}
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Registry) loop(ctx context.Context) {
	interval := time.Duration(r.node.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish()
			r.expire()
		}
	}
}

func (r *Registry) publish() {
	msg := presence{NodeID: r.node.ID, Voice: r.voice, SentAt: r.now().UTC()}
	if err := r.bus.PublishJSON(presenceSubject+"."+r.node.ID, msg); err != nil {
		r.log.Warn("failed to publish presence", slog.String("error", err.Error()))
	}
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" {
		return
	}
	r.observe(p)
}

func (r *Registry) observe(p presence) {
	seen := p.SentAt
	if seen.IsZero() {
		seen = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.NodeID] = &Peer{ID: p.NodeID, Voice: p.Voice, LastSeen: seen, Healthy: true}
}

// expire marks peers silent for longer than the heartbeat timeout.
func (r *Registry) expire() {
	timeout := time.Duration(r.node.HeartbeatTimeout) * time.Millisecond
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if now.Sub(p.LastSeen) > timeout {
			p.Healthy = false
		}
	}
}

// Healthy reports whether this gateway's own presence is coming back over
// the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[r.node.ID]
	return ok && p.Healthy
}

// Peers returns every known gateway ordered by ID.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Announcers returns healthy gateways speaking language, or any language
// when it is empty.
func (r *Registry) Announcers(language string) []Peer {
	var out []Peer
	for _, p := range r.Peers() {
		if !p.Healthy || p.Voice == nil {
			continue
		}
		if language == "" || p.Voice.Language == language {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) registerGauges() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/capability")
	peers, err := meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Gateways seen on the bus"))
	if err != nil {
		return err
	}
	announcers, err := meter.Int64ObservableGauge("loqa.capabilities.voice_announcers", metric.WithDescription("Healthy gateways with voice announcements"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(peers, int64(len(r.Peers())))
		obs.ObserveInt64(announcers, int64(len(r.Announcers(""))))
		return nil
	}, peers, announcers)
	return err
}
