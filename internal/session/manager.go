package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
)

// Manager accepts client connections and runs one session per connection.
type Manager struct {
	cfg       config.Config
	format    audio.Format
	sttConfig stt.Config
	backend   stt.Backend
	deps      Dependencies
	registry  *Registry
	pipeline  *Pipeline
	metrics   *metrics
	clock     func() time.Time
	logger    *slog.Logger

	conns sync.WaitGroup
	track sync.WaitGroup
}

type Option func(*Manager)

// WithClock replaces the wall clock used for duration accounting.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithRegistry shares a registry, for example with the HTTP status handler.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) { m.registry = r }
}

func NewManager(cfg config.Config, backend stt.Backend, deps Dependencies, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg: cfg,
		format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitDepth:   cfg.Audio.BitDepth,
		},
		sttConfig: stt.Config{
			SampleRate:    cfg.Audio.SampleRate,
			LanguageCode:  cfg.STT.Language,
			Vocabulary:    cfg.STT.Vocabulary,
			SpeakerLabels: cfg.STT.SpeakerLabels,
		},
		backend:  backend,
		deps:     deps,
		registry: NewRegistry(),
		clock:    time.Now,
		logger:   logger.With(slog.String("component", "session")),
	}
	for _, opt := range opts {
		opt(m)
	}

	meter := otel.Meter(instrumentation)
	metrics, err := newMetrics(meter)
	if err != nil {
		m.logger.Warn("failed to initialize metrics", slogError(err))
	}
	m.metrics = metrics
	if err := m.registry.initMetrics(meter); err != nil {
		m.logger.Warn("failed to initialize registry metrics", slogError(err))
	}
	m.pipeline = newPipeline(deps, cfg, m.clock, otel.Tracer(instrumentation), m.metrics, logger)
	return m
}

func (m *Manager) Registry() *Registry { return m.registry }

// Serve runs the protocol on one client transport until the client leaves or
// the session is finished. Cancelling ctx closes the transport; sessions with
// a final transcript are then finalized without a client.
func (m *Manager) Serve(ctx context.Context, t Transport) {
	m.conns.Add(1)
	defer m.conns.Done()

	connID := uuid.NewString()
	log := m.logger.With(slog.String("conn_id", connID))
	c := newConn(connID, t, m.cfg.Session.OutboundQueue, m.cfg.Session.NotifyTimeout(), log)

	stopWatch := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stopWatch()

	log.Debug("client connected")
	s, err := m.read(ctx, c, log)
	switch {
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrNotEntitled):
		log.Warn("closing connection", slogError(err))
		c.notify(protocol.ErrorEvent(err.Error()))
		if s != nil {
			s.abort(ctx, err)
		}
	case err != nil && s != nil:
		s.disconnect(ctx)
	}
	if s != nil {
		<-s.finished
	}
	c.shutdown()
	log.Debug("client disconnected")
}

// read is the connection's read loop. It returns the session it opened, if
// any, and the reason reading stopped.
func (m *Manager) read(ctx context.Context, c *conn, log *slog.Logger) (*Session, error) {
	var s *Session
	for {
		kind, data, err := c.t.ReadMessage()
		if err != nil {
			return s, fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		switch kind {
		case websocket.TextMessage:
			ctl, err := protocol.DecodeControl(data, m.clock())
			if err != nil {
				return s, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			}
			switch ctl.Type {
			case protocol.TypeInit:
				if s != nil {
					log.Warn("rejecting second init")
					c.notify(protocol.ErrorEvent(fmt.Errorf("%w: %w", ErrProtocolViolation, ErrSessionExists).Error()))
					continue
				}
				opened, err := m.open(ctx, c, ctl.Init)
				if err != nil {
					if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrNotEntitled) {
						return nil, err
					}
					// Backend could not be opened; the client learns why and the
					// connection closes.
					c.notify(protocol.ErrorEvent("Transcription backend unavailable: " + err.Error()))
					return nil, nil
				}
				s = opened
			case protocol.TypeStop:
				if s == nil {
					return nil, fmt.Errorf("%w: stop before init", ErrProtocolViolation)
				}
				if !s.stop(ctx) {
					log.Debug("ignoring stop", slog.String("state", s.State().String()))
				}
			}

		case websocket.BinaryMessage:
			if s == nil {
				return nil, fmt.Errorf("%w: audio before init", ErrProtocolViolation)
			}
			if err := s.accept(ctx, data); err != nil {
				m.frameError(ctx, c, s, err)
			}
		}
	}
}

func (m *Manager) frameError(ctx context.Context, c *conn, s *Session, err error) {
	switch {
	case errors.Is(err, audio.ErrNotStreaming):
		// Frames still in flight after stop.
		s.logger.Debug("dropping audio frame", slogError(err))
	case errors.Is(err, audio.ErrInvalidFrame):
		s.logger.Warn("dropping audio frame", slogError(err))
		c.notify(protocol.WarningEvent("Dropped invalid audio frame: " + err.Error()))
	case errors.Is(err, context.Canceled):
		s.logger.Debug("audio forwarding cancelled", slogError(err))
	case stt.IsTerminal(err):
		s.fail(ctx, err)
	default:
		s.logger.Warn("forward audio frame", slogError(err))
	}
}

// open resolves the identity, applies the entitlement policy, registers the
// session and starts streaming.
func (m *Manager) open(ctx context.Context, c *conn, init *protocol.Init) (*Session, error) {
	if _, exists := m.registry.Lookup(c.id); exists {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, ErrSessionExists)
	}

	identity := store.Identity{ID: store.DemoIdentity, Anonymous: true}
	active := false
	if m.deps.Identity != nil {
		resolved, err := m.deps.Identity.ResolveIdentity(ctx, init.IdentityToken)
		if err != nil {
			c.logger.Warn("identity lookup failed, recording anonymously", slogError(err))
		} else {
			identity = resolved
		}
		if active, err = m.deps.Identity.HasActivePlan(ctx, identity.ID); err != nil {
			c.logger.Warn("entitlement check failed", slogError(err))
		}
	}
	if !active && m.cfg.Session.RequireActivePlan {
		return nil, fmt.Errorf("%w: an active plan is required to record", ErrNotEntitled)
	}

	id := uuid.NewString()
	s := &Session{
		id:         id,
		m:          m,
		conn:       c,
		identity:   identity,
		label:      init.SessionLabel,
		date:       init.Date,
		limited:    !active,
		framer:     audio.NewFramer(m.format, m.cfg.Session.MaxFrameBytes),
		reconciler: transcript.NewReconciler(transcript.WithCommitFinals(m.cfg.Session.CommitFinals)),
		sequencer:  transcript.NewSequencer(m.cfg.Session.EventQueue),
		eventsDone: make(chan struct{}),
		finished:   make(chan struct{}),
		logger: c.logger.With(
			slog.String("session_id", id),
			slog.String("identity_id", identity.ID),
		),
	}
	if err := m.registry.Register(c.id, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if s.limited {
		s.logger.Info("recording without an active plan")
	}

	if err := s.start(ctx); err != nil {
		s.logger.Error("open recognition stream", slogError(err))
		s.transition(ctx, StateFailed)
		m.registry.Release(c.id, s)
		close(s.finished)
		return nil, err
	}
	return s, nil
}

// Wait blocks until every connection and session teardown has finished or
// ctx expires.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.conns.Wait()
		m.track.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
