package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/archive"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/export"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	store    *store.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	manager  *session.Manager
	upgrader websocket.Upgrader

	// serveCtx outlives the HTTP server so sessions can be cancelled after
	// it stops accepting connections.
	serveCtx    context.Context
	stopServing context.CancelFunc
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     originChecker(cfg.HTTP.AllowedOrigins),
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.open(ctx); err != nil {
		r.close(context.Background())
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
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()
	if r.cfg.Store.RetentionMode != "ephemeral" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneLoop(ctx)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("stt_mode", r.cfg.STT.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping", slog.Int("live_sessions", r.manager.Registry().Len()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()

	r.drain()
	r.close(shutdownCtx)
	return nil
}

// open builds every component a session needs, in dependency order.
func (r *Runtime) open(ctx context.Context) error {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st

	if r.cfg.Bus.Enabled {
		var servers []string
		if r.cfg.Bus.Embedded {
			srv, err := natsserver.Start(r.cfg.Bus, r.cfg.RuntimeName, r.logger)
			if err != nil {
				return fmt.Errorf("start embedded nats: %w", err)
			}
			r.nats = srv
			servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.Bus, servers, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client
	}

	backend, err := stt.New(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("speech backend: %w", err)
	}

	deps := session.Dependencies{
		Identity:    st,
		Persistence: st,
		Linker:      st,
		Archive:     archive.New(r.cfg.Archive.Directory, r.cfg.Archive.KeepAudio),
	}
	gen, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm generator: %w", err)
	}
	if gen != nil {
		deps.Summarizer = llm.NewSummarizer(gen, r.cfg.LLM, r.logger)
	}
	if deps.Exporter, err = export.New(r.cfg.Export); err != nil {
		return fmt.Errorf("exporter: %w", err)
	}
	if r.bus != nil {
		deps.Publisher = r.bus
	}

	r.serveCtx, r.stopServing = context.WithCancel(context.WithoutCancel(ctx))
	r.manager = session.NewManager(r.cfg, backend, deps, r.logger)
	return nil
}

// drain cancels live sessions and waits for their teardown, including
// headless finalization.
func (r *Runtime) drain() {
	if r.manager == nil {
		return
	}
	r.stopServing()
	grace := r.cfg.Session.ShutdownGrace() + r.cfg.Session.FinalizeTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := r.manager.Wait(ctx); err != nil {
		r.logger.Warn("sessions still running at shutdown", slog.Int("live_sessions", r.manager.Registry().Len()))
	}
}

func (r *Runtime) close(ctx context.Context) {
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slogError(err))
		}
	}
	if r.telemetry != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("/ws", r.handleWebSocket)
	if r.telemetry != nil && r.telemetry.metrics != nil {
		mux.Handle("/metrics", r.telemetry.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	reason := ""
	switch {
	case !r.ready.Load():
		reason = "not ready"
	case r.store.Ping(req.Context()) != nil:
		reason = "store unavailable"
	case r.bus != nil && !r.bus.Healthy():
		reason = "bus disconnected"
	}
	if reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": r.manager.Registry().Snapshot()})
}

type eventView struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// handleSessionEvents returns a session's diagnostic timeline.
func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), 500)
	if err != nil {
		r.logger.Warn("list session events", slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load events"})
		return
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			v.Payload = e.Payload
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (r *Runtime) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		r.logger.Debug("websocket upgrade failed", slogError(err))
		return
	}
	r.manager.Serve(r.serveCtx, conn)
}

// originChecker allows every origin when none are configured.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
