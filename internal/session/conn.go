package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Transport is the client socket. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// conn serializes notifications to one client through a bounded outbox so
// that slow clients never stall transcript consumption.
type conn struct {
	id            string
	t             Transport
	notifyTimeout time.Duration
	logger        *slog.Logger

	outbox     chan protocol.Event
	writerDone chan struct{}
	gone       atomic.Bool

	mu     sync.RWMutex
	closed bool
}

func newConn(id string, t Transport, queue int, notifyTimeout time.Duration, logger *slog.Logger) *conn {
	if queue <= 0 {
		queue = 64
	}
	if notifyTimeout <= 0 {
		notifyTimeout = 2 * time.Second
	}
	c := &conn{
		id:            id,
		t:             t,
		notifyTimeout: notifyTimeout,
		logger:        logger,
		outbox:        make(chan protocol.Event, queue),
		writerDone:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// notify queues an event for the client. It gives up after the notify
// timeout or once the transport is gone.
func (c *conn) notify(ev protocol.Event) bool {
	if c.gone.Load() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.outbox <- ev:
		return true
	default:
	}
	timer := time.NewTimer(c.notifyTimeout)
	defer timer.Stop()
	select {
	case c.outbox <- ev:
		return true
	case <-timer.C:
		c.logger.Warn("dropping client notification", slog.String("type", ev.Type))
		return false
	}
}

func (c *conn) alive() bool {
	return !c.gone.Load()
}

// lost marks the transport unusable; queued notifications are discarded.
func (c *conn) lost() {
	c.gone.Store(true)
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for ev := range c.outbox {
		if c.gone.Load() {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			c.logger.Error("encode notification", slog.String("type", ev.Type), slogError(err))
			continue
		}
		_ = c.t.SetWriteDeadline(time.Now().Add(c.notifyTimeout))
		if err := c.t.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("client write failed", slogError(err))
			c.lost()
		}
	}
}

// shutdown flushes queued notifications, sends a close frame when the client
// is still there and closes the transport. Safe to call more than once.
func (c *conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.writerDone
		return
	}
	c.closed = true
	close(c.outbox)
	c.mu.Unlock()

	<-c.writerDone
	if c.alive() {
		_ = c.t.SetWriteDeadline(time.Now().Add(c.notifyTimeout))
		_ = c.t.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	_ = c.t.Close()
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
