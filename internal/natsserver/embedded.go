package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer runs an in-process NATS server with JetStream so a single
// scribed binary can fan out session lifecycle events without a broker.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the server on loopback. A port of -1 picks a free port.
func Start(cfg config.BusConfig, name string, log *slog.Logger) (*EmbeddedServer, error) {
	log = log.With(slog.String("component", "nats"))
	opts := &server.Options{
		ServerName: name,
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	ns.SetLoggerV2(logAdapter{log}, false, false, false)

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", readyTimeout)
	}

	log.Info("embedded nats server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", cfg.StoreDir))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded nats server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

// logAdapter routes the server's printf-style logging into slog.
type logAdapter struct {
	log *slog.Logger
}

func (l logAdapter) Noticef(format string, v ...any) { l.log.Info(fmt.Sprintf(format, v...)) }
func (l logAdapter) Warnf(format string, v ...any)   { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l logAdapter) Fatalf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l logAdapter) Errorf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l logAdapter) Debugf(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l logAdapter) Tracef(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
