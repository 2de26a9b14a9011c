package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream retaining scribe lifecycle messages.
const StreamName = "SCRIBE"

// Client wraps NATS connection and JetStream context with minimal helpers.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	log    *slog.Logger
	stream bool
}

// Connect dials the given servers. When servers is empty cfg.Servers is used.
func Connect(ctx context.Context, cfg config.BusConfig, servers []string, log *slog.Logger) (*Client, error) {
	if len(servers) == 0 {
		servers = cfg.Servers
	}
	if len(servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("loqa-scribe"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	c := &Client{conn: conn, js: js, log: log}
	if err := c.ensureStream(); err != nil {
		log.Warn("jetstream unavailable, publishing core NATS only", slog.String("error", err.Error()))
	}
	return c, nil
}

// ensureStream creates the lifecycle stream if the server supports JetStream.
func (c *Client) ensureStream() error {
	if _, err := c.js.StreamInfo(StreamName); err == nil {
		c.stream = true
		return nil
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"scribe.>"},
		MaxAge:   7 * 24 * time.Hour,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return err
	}
	c.stream = true
	return nil
}

// Publish encodes v as JSON and publishes it, persisting through JetStream
// when the lifecycle stream is available.
func (c *Client) Publish(ctx context.Context, subject string, v any) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if c.stream {
		if _, err := c.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
