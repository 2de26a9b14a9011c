package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishThroughEmbeddedServer(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	srv, err := natsserver.Start(cfg, "scribe-test", newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), cfg, []string{srv.ClientURL()}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}

	received := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectSessionFinalized, received)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	msg := protocol.SessionFinalized{SessionID: "s1", IdentityID: "u1", State: "closed", DurationMinutes: 1.5}
	if err := client.Publish(context.Background(), protocol.SubjectSessionFinalized, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-received:
		var got protocol.SessionFinalized
		if err := json.Unmarshal(m.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.SessionID != "s1" || got.DurationMinutes != 1.5 {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Servers = nil
	if _, err := Connect(context.Background(), cfg, nil, newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestNilClientPublishIsNoop(t *testing.T) {
	var c *Client
	if err := c.Publish(context.Background(), "scribe.x", map[string]string{}); err != nil {
		t.Fatalf("nil client should not fail: %v", err)
	}
	if c.Healthy() {
		t.Fatalf("nil client is not healthy")
	}
}
