package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Identity is the result of token resolution.
type Identity struct {
	ID        string
	Anonymous bool
}

// Account holds the plan fields consulted for entitlement and billing.
type Account struct {
	ID                 string
	Email              string
	Tier               string
	SubscriptionPlan   string
	SubscriptionStatus string
	HoursUsedThisMonth float64
	HoursLimit         float64
	CreditsBalance     float64
	IsTestAccount      bool
	ExportLinked       bool
	TotalSessions      int
	TotalSpeechCost    float64
	TotalAICost        float64
}

var ErrAccountNotFound = errors.New("account not found")

// ResolveIdentity maps a client token to an account. Empty, demo and unknown
// tokens resolve to the anonymous demo account.
func (s *Store) ResolveIdentity(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" || token == s.cfg.DemoToken {
		return Identity{ID: DemoIdentity, Anonymous: true}, nil
	}
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM api_tokens WHERE token = ?`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Debug("unknown identity token, falling back to demo account")
		return Identity{ID: DemoIdentity, Anonymous: true}, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	return Identity{ID: userID}, nil
}

// Account loads an account row.
func (s *Store) Account(ctx context.Context, id string) (Account, error) {
	var a Account
	var isTest, linked int
	err := s.db.QueryRowContext(ctx, `SELECT id, email, tier, subscription_plan, subscription_status,
		hours_used_this_month, hours_limit, credits_balance, is_test_account, export_linked,
		total_sessions, total_speech_cost, total_ai_cost
		FROM users WHERE id = ?`, id).Scan(
		&a.ID, &a.Email, &a.Tier, &a.SubscriptionPlan, &a.SubscriptionStatus,
		&a.HoursUsedThisMonth, &a.HoursLimit, &a.CreditsBalance, &isTest, &linked,
		&a.TotalSessions, &a.TotalSpeechCost, &a.TotalAICost)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	a.IsTestAccount = isTest != 0
	a.ExportLinked = linked != 0
	return a, nil
}

// UpsertAccount creates or replaces the plan fields of an account.
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, email, tier, subscription_plan, subscription_status,
		hours_used_this_month, hours_limit, credits_balance, is_test_account, export_linked, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email=excluded.email, tier=excluded.tier,
			subscription_plan=excluded.subscription_plan, subscription_status=excluded.subscription_status,
			hours_used_this_month=excluded.hours_used_this_month, hours_limit=excluded.hours_limit,
			credits_balance=excluded.credits_balance, is_test_account=excluded.is_test_account,
			export_linked=excluded.export_linked`,
		a.ID, a.Email, defaultString(a.Tier, "free"), a.SubscriptionPlan, a.SubscriptionStatus,
		a.HoursUsedThisMonth, a.HoursLimit, a.CreditsBalance, boolInt(a.IsTestAccount), boolInt(a.ExportLinked), s.now())
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// IssueToken binds an API token to an account.
func (s *Store) IssueToken(ctx context.Context, token, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_tokens(token, user_id, created_at) VALUES(?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id=excluded.user_id`, token, userID, s.now())
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	return nil
}

// HasActivePlan reports whether the identity may record under its plan.
func (s *Store) HasActivePlan(ctx context.Context, id string) (bool, error) {
	if id == DemoIdentity {
		return false, nil
	}
	a, err := s.Account(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.hasValidPlan(), nil
}

func (a Account) hasValidPlan() bool {
	switch {
	case a.IsTestAccount:
		return true
	case a.SubscriptionStatus == "active" && a.HoursUsedThisMonth < a.HoursLimit:
		return true
	case a.Tier == "payg" && a.CreditsBalance > 0:
		return true
	case a.SubscriptionPlan == "payg":
		return true
	}
	return false
}

// IsLinked reports whether the identity has connected a document export account.
func (s *Store) IsLinked(ctx context.Context, id string) (bool, error) {
	a, err := s.Account(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.ExportLinked, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
