package store

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "scribe.db")
	}
	if cfg.DemoToken == "" {
		cfg.DemoToken = "demo-token"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s := openStore(t, config.StoreConfig{RetentionMode: "ephemeral"})
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	id, err := s.ResolveIdentity(context.Background(), "")
	if err != nil || id.ID != DemoIdentity {
		t.Fatalf("expected demo identity, got %+v %v", id, err)
	}
}

func TestResolveIdentity(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	if err := s.UpsertAccount(ctx, Account{ID: "alice"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.IssueToken(ctx, "tok-alice", "alice"); err != nil {
		t.Fatalf("issue token: %v", err)
	}

	cases := map[string]Identity{
		"tok-alice":  {ID: "alice"},
		"demo-token": {ID: DemoIdentity, Anonymous: true},
		"":           {ID: DemoIdentity, Anonymous: true},
		"forged":     {ID: DemoIdentity, Anonymous: true},
	}
	for token, want := range cases {
		got, err := s.ResolveIdentity(ctx, token)
		if err != nil {
			t.Fatalf("resolve %q: %v", token, err)
		}
		if got != want {
			t.Fatalf("resolve %q: want %+v, got %+v", token, want, got)
		}
	}
}

func TestHasActivePlan(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	accounts := map[string]struct {
		account Account
		want    bool
	}{
		"tester":     {Account{IsTestAccount: true}, true},
		"subscriber": {Account{SubscriptionPlan: "monthly", SubscriptionStatus: "active", HoursLimit: 10, HoursUsedThisMonth: 2}, true},
		"exhausted":  {Account{SubscriptionPlan: "monthly", SubscriptionStatus: "active", HoursLimit: 10, HoursUsedThisMonth: 10}, false},
		"payg":       {Account{Tier: "payg", CreditsBalance: 1.5}, true},
		"broke":      {Account{Tier: "payg"}, false},
		"payg-plan":  {Account{SubscriptionPlan: "payg"}, true},
		"free":       {Account{}, false},
	}
	for id, tc := range accounts {
		tc.account.ID = id
		if err := s.UpsertAccount(ctx, tc.account); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	for id, tc := range accounts {
		got, err := s.HasActivePlan(ctx, id)
		if err != nil {
			t.Fatalf("has plan %s: %v", id, err)
		}
		if got != tc.want {
			t.Fatalf("%s: want %v, got %v", id, tc.want, got)
		}
	}
	if ok, _ := s.HasActivePlan(ctx, DemoIdentity); ok {
		t.Fatalf("demo account must never have a plan")
	}
	if ok, err := s.HasActivePlan(ctx, "ghost"); ok || err != nil {
		t.Fatalf("missing account should have no plan, got %v %v", ok, err)
	}
}

func TestIsLinked(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	_ = s.UpsertAccount(ctx, Account{ID: "linked", ExportLinked: true})
	_ = s.UpsertAccount(ctx, Account{ID: "plain"})
	if ok, _ := s.IsLinked(ctx, "linked"); !ok {
		t.Fatalf("expected linked")
	}
	if ok, _ := s.IsLinked(ctx, "plain"); ok {
		t.Fatalf("expected not linked")
	}
	if ok, err := s.IsLinked(ctx, "ghost"); ok || err != nil {
		t.Fatalf("missing account should not be linked")
	}
}

func TestSaveSessionUpdatesTotals(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	_ = s.UpsertAccount(ctx, Account{ID: "alice"})

	notes := protocol.NoteSections{Summary: []string{"s"}}
	for i, id := range []string{"s1", "s2"} {
		err := s.SaveSession(ctx, SessionRecord{
			ID: id, IdentityID: "alice", Title: "Bio", Date: "2026-01-02", State: "closed",
			Notes: &notes, DurationMinutes: 10, SpeechCost: 0.24, AICost: 0.01,
			CreatedAt: time.Date(2026, 1, 2, 10, i, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("save session: %v", err)
		}
	}

	a, err := s.Account(ctx, "alice")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if a.TotalSessions != 2 || math.Abs(a.TotalSpeechCost-0.48) > 1e-9 || math.Abs(a.TotalAICost-0.02) > 1e-9 {
		t.Fatalf("unexpected totals %+v", a)
	}

	list, err := s.ListSessions(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s2" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if list[0].Notes == nil || list[0].Notes.Summary[0] != "s" || list[0].Notes.Introduction == nil {
		t.Fatalf("notes not round-tripped: %+v", list[0].Notes)
	}
}

func TestDebitUsage(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	_ = s.UpsertAccount(ctx, Account{ID: "sub", SubscriptionPlan: "monthly", SubscriptionStatus: "active", HoursLimit: 20, HoursUsedThisMonth: 1})
	_ = s.UpsertAccount(ctx, Account{ID: "payg", Tier: "payg", CreditsBalance: 5})
	_ = s.UpsertAccount(ctx, Account{ID: "free"})

	for _, id := range []string{"sub", "payg", "free", DemoIdentity} {
		if err := s.DebitUsage(ctx, Debit{IdentityID: id, SessionID: "sess-" + id, DurationMinutes: 30, PricePerHour: 2}); err != nil {
			t.Fatalf("debit %s: %v", id, err)
		}
	}

	sub, _ := s.Account(ctx, "sub")
	if math.Abs(sub.HoursUsedThisMonth-1.5) > 1e-9 {
		t.Fatalf("expected hours to accumulate, got %f", sub.HoursUsedThisMonth)
	}
	payg, _ := s.Account(ctx, "payg")
	if math.Abs(payg.CreditsBalance-4.5) > 1e-9 {
		t.Fatalf("expected credits to drop, got %f", payg.CreditsBalance)
	}

	usage, err := s.UsageForSession(ctx, "sess-free")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(usage) != 1 || usage[0].Provider != "ClassNotes" || usage[0].Service != "Transcription" || math.Abs(usage[0].Cost-1) > 1e-9 {
		t.Fatalf("expected a logged charge even without a plan, got %+v", usage)
	}
	if usage, _ := s.UsageForSession(ctx, "sess-"+DemoIdentity); len(usage) != 0 {
		t.Fatalf("demo account must not be charged, got %+v", usage)
	}
	if err := s.DebitUsage(ctx, Debit{IdentityID: "ghost", DurationMinutes: 1}); err == nil {
		t.Fatalf("expected error for missing account")
	}
}

func TestLogUsage(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	if err := s.LogUsage(ctx, UsageEntry{IdentityID: "u", SessionID: "s", Provider: "Speech", Service: "Streaming", Cost: 0.24, Details: "10.00 minutes"}); err != nil {
		t.Fatalf("log usage: %v", err)
	}
	usage, err := s.UsageForSession(ctx, "s")
	if err != nil || len(usage) != 1 || usage[0].Details != "10.00 minutes" {
		t.Fatalf("unexpected usage %+v %v", usage, err)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	if err := s.AppendEvent(ctx, Event{SessionID: "session-123", Type: "state", Payload: []byte("streaming")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "session-123", Type: "step_failed", Payload: []byte("export")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := s.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || string(events[0].Payload) != "streaming" || events[1].Type != "step_failed" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionDays: 1, MaxSessions: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.SaveSession(ctx, SessionRecord{ID: "old", IdentityID: "u", Title: "t", Date: "d", State: "closed"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "old", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := s.SaveSession(ctx, SessionRecord{ID: id, IdentityID: "u", Title: "t", Date: "d", State: "closed"}); err != nil {
			t.Fatalf("save: %v", err)
		}
		s.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	sessions, err := s.ListSessions(ctx, "u", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new" {
		t.Fatalf("expected only newest session retained, got %+v", sessions)
	}
	events, _ := s.ListSessionEvents(ctx, "old", 10)
	if len(events) != 0 {
		t.Fatalf("expected old events pruned, got %d", len(events))
	}
}
