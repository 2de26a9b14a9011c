package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig controls the streaming websocket backend.
type WebSocketConfig struct {
	Endpoint    string
	APIKey      string
	SendQueue   int
	OpenTimeout time.Duration
}

// WebSocketBackend streams linear16 PCM to a recognition server over a
// websocket and reads JSON result messages back.
type WebSocketBackend struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketBackend(cfg WebSocketConfig, logger *slog.Logger) *WebSocketBackend {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 32
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	return &WebSocketBackend{cfg: cfg, dialer: websocket.DefaultDialer, logger: logger}
}

func (b *WebSocketBackend) Open(ctx context.Context, cfg Config) (Stream, error) {
	wsURL, err := buildStreamURL(b.cfg.Endpoint, cfg)
	if err != nil {
		return nil, newError(KindUnavailable, "build stream url", err)
	}

	headers := http.Header{}
	if key := strings.TrimSpace(b.cfg.APIKey); key != "" {
		headers.Set("Authorization", "Token "+key)
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.OpenTimeout)
	defer cancel()
	conn, resp, err := b.dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, newError(KindUnavailable, "connect", err)
	}

	stop := make(chan struct{})
	s := &wsStream{
		conn:     conn,
		em:       newEmitter(64, stop),
		audio:    make(chan []byte, b.cfg.SendQueue),
		stop:     stop,
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   b.logger,
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		s.em.close()
		close(s.done)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	em   *emitter

	audio    chan []byte
	stop     chan struct{}
	readDone chan struct{}
	done     chan struct{}

	wg     sync.WaitGroup
	logger *slog.Logger

	errMu   sync.Mutex
	err     error
	closing bool

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *wsStream) Send(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return newError(KindTerminated, "send", errors.New("audio stream already closed"))
	}

	copied := append([]byte(nil), frame...)
	select {
	case s.audio <- copied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return newError(KindTerminated, "send", errors.New("stream closed"))
	case <-s.readDone:
		if err := s.waitErr(); err != nil {
			return err
		}
		return newError(KindTerminated, "send", errors.New("stream ended"))
	}
}

func (s *wsStream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *wsStream) Events() <-chan TranscriptEvent { return s.em.events }

func (s *wsStream) Errors() <-chan error { return s.em.errs }

func (s *wsStream) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closing = true
		s.errMu.Unlock()
		close(s.stop)
		_ = s.conn.Close()
		_ = s.CloseSend()
	})
	<-s.done
	return s.waitErr()
}

func (s *wsStream) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// setErr keeps the first failure. Errors caused by a local Close are ignored.
func (s *wsStream) setErr(err *Error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.closing || s.err != nil {
		return
	}
	s.err = err
}

func (s *wsStream) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
					s.setErr(newError(KindTerminated, "close stream", err))
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.setErr(newError(KindTerminated, "send audio", err))
				return
			}
		case <-s.readDone:
			return
		}
	}
}

type wsMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Speaker string `json:"speaker"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

func (s *wsStream) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.em.flush()
				return
			}
			s.setErr(newError(KindTerminated, "read", err))
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("ignoring undecodable backend message", slogError(err))
			continue
		}

		switch strings.ToLower(msg.Type) {
		case "transcript", "results":
			if !s.em.emit(!msg.IsFinal, strings.TrimSpace(msg.Text), msg.Speaker) {
				return
			}
		case "error":
			message := strings.TrimSpace(msg.Message)
			if message == "" {
				message = "backend returned an unknown error"
			}
			if msg.Fatal {
				s.em.flush()
				s.setErr(newError(KindTerminated, "backend", errors.New(message)))
				return
			}
			s.em.reject(newError(KindRejected, "utterance", errors.New(message)))
		case "end", "closed":
			s.em.flush()
			return
		}
	}
}

func buildStreamURL(endpoint string, cfg Config) (string, error) {
	base := strings.TrimSpace(endpoint)
	if base == "" {
		return "", errors.New("endpoint is empty")
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	streamURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if streamURL.Scheme != "ws" && streamURL.Scheme != "wss" {
		return "", fmt.Errorf("unsupported endpoint scheme %q", streamURL.Scheme)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	query := streamURL.Query()
	query.Set("encoding", "linear16")
	query.Set("channels", "1")
	query.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	query.Set("interim_results", "true")
	query.Set("speaker_labels", fmt.Sprintf("%t", cfg.SpeakerLabels))
	if cfg.LanguageCode != "" {
		query.Set("language", cfg.LanguageCode)
	}
	for _, term := range cfg.Vocabulary {
		if term = strings.TrimSpace(term); term != "" {
			query.Add("keyword", term)
		}
	}
	streamURL.RawQuery = query.Encode()
	return streamURL.String(), nil
}
