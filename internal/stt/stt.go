package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Config is fixed for the lifetime of one stream.
type Config struct {
	SampleRate    int
	LanguageCode  string
	Vocabulary    []string
	SpeakerLabels bool
}

// TranscriptEvent is one recognition result. Sequence increases monotonically
// within a stream.
type TranscriptEvent struct {
	IsPartial  bool
	Text       string
	SpeakerTag string
	Sequence   uint64
}

// Backend opens duplex recognition streams.
type Backend interface {
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Stream carries ordered audio frames out and recognition events in.
//
// Send blocks while the backend is not keeping up. Events is closed when the
// stream ends; Wait then reports the terminal error, if any. Errors carries
// non-terminal rejections while the stream keeps running.
type Stream interface {
	Send(ctx context.Context, frame []byte) error
	CloseSend() error
	Events() <-chan TranscriptEvent
	Errors() <-chan error
	Wait() error
	Close() error
}

type Kind int

const (
	KindUnavailable Kind = iota + 1
	KindRejected
	KindTerminated
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "backend_unavailable"
	case KindRejected:
		return "backend_rejected"
	case KindTerminated:
		return "stream_terminated"
	default:
		return "unknown"
	}
}

// Error is a typed adapter failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrBackendUnavailable = &Error{Kind: KindUnavailable}
	ErrBackendRejected    = &Error{Kind: KindRejected}
	ErrStreamTerminated   = &Error{Kind: KindTerminated}
)

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Terminal reports whether the session must be torn down.
func (e *Error) Terminal() bool { return e.Kind != KindRejected }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsTerminal reports whether err should tear the session down.
func IsTerminal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Terminal()
	}
	return err != nil
}

// New builds the configured backend.
func New(cfg config.STTConfig, logger *slog.Logger) (Backend, error) {
	logger = logger.With(slog.String("component", "stt"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "websocket":
		return NewWebSocketBackend(WebSocketConfig{
			Endpoint:    cfg.Endpoint,
			APIKey:      cfg.APIKey,
			SendQueue:   cfg.SendQueue,
			OpenTimeout: time.Duration(cfg.OpenTimeoutMS) * time.Millisecond,
		}, logger), nil
	case "exec":
		backend, err := NewExecBackend(ExecConfig{
			Command:      cfg.Command,
			ModelPath:    cfg.ModelPath,
			PartialEvery: time.Duration(cfg.PartialEveryMS) * time.Millisecond,
			SendQueue:    cfg.SendQueue,
		}, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "mock", "":
		return NewMockBackend(time.Duration(cfg.PartialEveryMS) * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
