package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/announce"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

const defaultHistoryLimit = 50

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	metrics        http.Handler
	ready          atomic.Bool
	wg             sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	history    *history.Store
	catalog    *voice.Catalog
	announcer  *announce.Service
	registry   *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves HTTP and blocks until ctx is
// cancelled. A voice index that cannot be read aborts startup.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metricsHandler
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.natsServer = embedded

	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	busClient, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = busClient

	store, err := history.Open(ctx, r.cfg.History, r.logger.With(slog.String("component", "history")))
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	r.history = store

	if r.cfg.Voice.Enabled {
		catalog, err := voice.Load(r.cfg.Voice.IndexPath(), r.cfg.Voice.AudioPath(), r.cfg.Voice.FrameSize,
			r.logger.With(slog.String("component", "voice-catalog")))
		if err != nil {
			return fmt.Errorf("failed to load voice files: %w", err)
		}
		r.catalog = catalog

		r.announcer = announce.NewService(ctx, r.cfg.Voice, catalog, busClient, store, r.logger)
		if err := r.announcer.Start(); err != nil {
			return fmt.Errorf("failed to start announcer: %w", err)
		}
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.LocalVoice(r.cfg.Voice), busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

// shutdown stops components in reverse start order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.announcer != nil {
		r.announcer.Close()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/announcements", r.handleAnnouncements)
	mux.HandleFunc("/nodes", r.handleNodes)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.bus.Healthy()
	if r.announcer != nil {
		ready = ready && r.announcer.Healthy()
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleAnnouncements(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := defaultHistoryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if r.history == nil {
		writeJSON(w, []history.Record{})
		return
	}
	records, err := r.history.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Error("history query failed", slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, records)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	peers := []capability.Peer{}
	if r.registry != nil {
		peers = r.registry.Peers()
	}
	writeJSON(w, peers)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
