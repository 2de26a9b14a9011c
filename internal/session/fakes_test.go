package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/archive"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/export"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type frame struct {
	kind int
	data []byte
}

// fakeTransport is a client socket driven by the test.
type fakeTransport struct {
	in        chan frame
	out       chan protocol.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan frame, 16),
		out:    make(chan protocol.Event, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.kind, fr.data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeTransport) WriteMessage(kind int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed network connection")
	default:
	}
	if kind != websocket.TextMessage {
		return nil
	}
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.out <- ev
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) sendText(raw string) {
	f.in <- frame{kind: websocket.TextMessage, data: []byte(raw)}
}

func (f *fakeTransport) sendAudio(pcm []byte) {
	f.in <- frame{kind: websocket.BinaryMessage, data: pcm}
}

// collectUntil gathers client events up to and including the first one of
// type typ.
func (f *fakeTransport) collectUntil(t *testing.T, typ string) []protocol.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	var got []protocol.Event
	for {
		select {
		case ev := <-f.out:
			got = append(got, ev)
			if ev.Type == typ {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q, got %+v", typ, got)
			return nil
		}
	}
}

func (f *fakeTransport) awaitStatus(t *testing.T, contains string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-f.out:
			if ev.Type == protocol.TypeTranscript && ev.Speaker == SystemSpeaker && strings.Contains(ev.Text, contains) {
				return
			}
			if ev.Type == protocol.TypeError {
				t.Fatalf("unexpected error event: %s", ev.Message)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %q", contains)
		}
	}
}

type fakeBackend struct {
	openErr error
	opened  chan *fakeStream
	// stuck streams ignore CloseSend and only end on Close.
	stuck bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{opened: make(chan *fakeStream, 4)}
}

func (b *fakeBackend) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &fakeStream{
		events: make(chan stt.TranscriptEvent, 64),
		errs:   make(chan error, 8),
		done:   make(chan struct{}),
		stuck:  b.stuck,
	}
	b.opened <- s
	return s, nil
}

// fakeStream is a recognition stream whose events are pushed by the test.
type fakeStream struct {
	events chan stt.TranscriptEvent
	errs   chan error
	done   chan struct{}
	stuck  bool

	mu       sync.Mutex
	sent     int
	sendDone bool
	closed   bool
	waitErr  error
	endOnce  sync.Once
}

func (s *fakeStream) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return &stt.Error{Kind: stt.KindTerminated, Op: "send", Err: errors.New("audio stream already closed")}
	}
	s.sent += len(frame)
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	s.sendDone = true
	s.mu.Unlock()
	if !s.stuck {
		s.end(nil)
	}
	return nil
}

// end closes the event sequence; err becomes the Wait result.
func (s *fakeStream) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.events)
		close(s.done)
	})
}

func (s *fakeStream) Events() <-chan stt.TranscriptEvent { return s.events }

func (s *fakeStream) Errors() <-chan error { return s.errs }

func (s *fakeStream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.end(nil)
	return s.Wait()
}

func (s *fakeStream) sentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore stands in for identity, persistence and export linkage.
type fakeStore struct {
	mu       sync.Mutex
	active   bool
	linked   bool
	sessions []store.SessionRecord
	usage    []store.UsageEntry
	debits   []store.Debit
	events   []store.Event
}

func (f *fakeStore) ResolveIdentity(ctx context.Context, token string) (store.Identity, error) {
	if token == "" {
		return store.Identity{ID: store.DemoIdentity, Anonymous: true}, nil
	}
	return store.Identity{ID: "user-" + token}, nil
}

func (f *fakeStore) HasActivePlan(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeStore) IsLinked(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked, nil
}

func (f *fakeStore) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, rec)
	return nil
}

func (f *fakeStore) LogUsage(ctx context.Context, entry store.UsageEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, entry)
	return nil
}

func (f *fakeStore) DebitUsage(ctx context.Context, d store.Debit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, d)
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, evt store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeStore) savedSessions() []store.SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.SessionRecord(nil), f.sessions...)
}

func (f *fakeStore) usageEntries() []store.UsageEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.UsageEntry(nil), f.usage...)
}

func (f *fakeStore) loggedEvents() []store.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Event(nil), f.events...)
}

func (f *fakeStore) debitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.debits)
}

type summarizerFunc func(ctx context.Context, transcript, label, identityID, sessionID string) (llm.Summary, error)

func (f summarizerFunc) Summarize(ctx context.Context, transcript, label, identityID, sessionID string) (llm.Summary, error) {
	return f(ctx, transcript, label, identityID, sessionID)
}

type exporterFunc func(ctx context.Context, doc export.Document) (string, error)

func (f exporterFunc) Export(ctx context.Context, doc export.Document) (string, error) {
	return f(ctx, doc)
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *fakePublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

func okSummary(ctx context.Context, transcript, label, identityID, sessionID string) (llm.Summary, error) {
	return llm.Summary{
		RefinedTranscript: "refined: " + transcript,
		Notes: protocol.NoteSections{
			Introduction: []string{"About " + label},
			Summary:      []string{"Covered the basics"},
		},
		Usage: llm.Usage{Model: "gpt-4o-mini", PromptTokens: 1000, CompletionTokens: 1000, Cost: llm.Cost("gpt-4o-mini", 1000, 1000)},
	}, nil
}

type harness struct {
	m       *Manager
	backend *fakeBackend
	store   *fakeStore
	clock   *fakeClock
	pub     *fakePublisher
	exports []export.Document
	mu      sync.Mutex
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session.StopTimeoutMS = 500
	cfg.Session.FinalizeTimeoutMS = 2000
	cfg.Session.ShutdownGraceMS = 200
	cfg.Session.NotifyTimeoutMS = 500
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config, *Dependencies)) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		store:   &fakeStore{},
		clock:   &fakeClock{now: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)},
		pub:     &fakePublisher{},
	}
	cfg := testConfig()
	deps := Dependencies{
		Identity:    h.store,
		Persistence: h.store,
		Linker:      h.store,
		Summarizer:  summarizerFunc(okSummary),
		Exporter: exporterFunc(func(ctx context.Context, doc export.Document) (string, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.exports = append(h.exports, doc)
			return "https://docs.example/" + doc.SessionID, nil
		}),
		Archive:   archive.New(t.TempDir(), false),
		Publisher: h.pub,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.m = NewManager(cfg, h.backend, deps, testLogger(), WithClock(h.clock.Now))
	return h
}

// connect serves a new fake client; the returned channel closes when Serve
// returns.
func (h *harness) connect() (*fakeTransport, <-chan struct{}) {
	tr := newFakeTransport()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.m.Serve(context.Background(), tr)
	}()
	return tr, done
}

// start sends init and waits until the session is streaming.
func (h *harness) start(t *testing.T, tr *fakeTransport, token string) (*Session, *fakeStream) {
	t.Helper()
	tr.sendText(`{"type":"init","identityToken":"` + token + `","sessionLabel":"Physics 101","date":"2026-03-04"}`)
	var stream *fakeStream
	select {
	case stream = <-h.backend.opened:
	case <-time.After(3 * time.Second):
		t.Fatal("backend was not opened")
	}
	tr.awaitStatus(t, "Start speaking")

	infos := h.m.Registry().Snapshot()
	if len(infos) != 1 {
		t.Fatalf("expected one live session, got %d", len(infos))
	}
	s, ok := h.m.Registry().Lookup(infos[0].ConnID)
	if !ok {
		t.Fatal("session not registered")
	}
	if s.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", s.State())
	}
	return s, stream
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close")
	}
}
