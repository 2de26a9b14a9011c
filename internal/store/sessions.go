package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// SessionRecord is the persisted outcome of one finalized session.
type SessionRecord struct {
	ID               string
	IdentityID       string
	Title            string
	Date             string
	State            string
	Limited          bool
	TranscriptPath   string
	ExportURL        string
	Notes            *protocol.NoteSections
	TranscriptLength int
	DurationMinutes  float64
	SpeechCost       float64
	AICost           float64
	CreatedAt        time.Time
}

// UsageEntry is one cost line attributed to a session.
type UsageEntry struct {
	IdentityID string
	SessionID  string
	Provider   string
	Service    string
	Cost       float64
	Details    string
}

// Debit charges recorded time against an account's plan.
type Debit struct {
	IdentityID      string
	SessionID       string
	DurationMinutes float64
	PricePerHour    float64
}

// SaveSession inserts the session row and adds its costs to the account
// totals in one transaction.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) (err error) {
	notes := ""
	if rec.Notes != nil {
		data, err := json.Marshal(rec.Notes.Normalize())
		if err != nil {
			return fmt.Errorf("encode notes: %w", err)
		}
		notes = string(data)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save session: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(id, user_id, title, date, state, limited,
		transcript_path, export_url, notes, transcript_length, duration_minutes, speech_cost, ai_cost, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.IdentityID, rec.Title, rec.Date, rec.State, boolInt(rec.Limited),
		rec.TranscriptPath, rec.ExportURL, notes, rec.TranscriptLength, rec.DurationMinutes,
		rec.SpeechCost, rec.AICost, created.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE users SET total_sessions = total_sessions + 1,
		total_speech_cost = total_speech_cost + ?, total_ai_cost = total_ai_cost + ?
		WHERE id = ?`, rec.SpeechCost, rec.AICost, rec.IdentityID)
	if err != nil {
		return fmt.Errorf("update account totals: %w", err)
	}
	return tx.Commit()
}

// LogUsage records one cost line.
func (s *Store) LogUsage(ctx context.Context, entry UsageEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_logs(id, user_id, session_id, provider, service, cost, details, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), entry.IdentityID, entry.SessionID, entry.Provider, entry.Service, entry.Cost, entry.Details, s.now())
	if err != nil {
		return fmt.Errorf("log usage: %w", err)
	}
	return nil
}

// DebitUsage charges recorded hours: active subscriptions accumulate monthly
// hours, pay-as-you-go accounts spend credits. The charge is always logged.
// The anonymous account is never debited.
func (s *Store) DebitUsage(ctx context.Context, d Debit) (err error) {
	if d.IdentityID == DemoIdentity {
		return nil
	}
	hours := d.DurationMinutes / 60
	cost := hours * d.PricePerHour

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var plan, status, tier string
	err = tx.QueryRowContext(ctx, `SELECT subscription_plan, subscription_status, tier FROM users WHERE id = ?`, d.IdentityID).
		Scan(&plan, &status, &tier)
	if err != nil {
		return fmt.Errorf("load plan for %s: %w", d.IdentityID, err)
	}

	switch {
	case plan != "" && status == "active":
		_, err = tx.ExecContext(ctx, `UPDATE users SET hours_used_this_month = hours_used_this_month + ? WHERE id = ?`, hours, d.IdentityID)
	case tier == "payg":
		_, err = tx.ExecContext(ctx, `UPDATE users SET credits_balance = credits_balance - ? WHERE id = ?`, hours, d.IdentityID)
	}
	if err != nil {
		return fmt.Errorf("apply debit: %w", err)
	}

	details, err := json.Marshal(map[string]float64{"duration_minutes": d.DurationMinutes, "hours_charged": hours})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO usage_logs(id, user_id, session_id, provider, service, cost, details, created_at)
		VALUES(?, ?, ?, 'ClassNotes', 'Transcription', ?, ?, ?)`,
		uuid.NewString(), d.IdentityID, d.SessionID, cost, string(details), s.now())
	if err != nil {
		return fmt.Errorf("log debit: %w", err)
	}
	return tx.Commit()
}

// ListSessions returns the most recent sessions of an identity.
func (s *Store) ListSessions(ctx context.Context, identityID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, title, date, state, limited, transcript_path,
		export_url, notes, transcript_length, duration_minutes, speech_cost, ai_cost, created_at
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var limited int
		var notes string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.IdentityID, &rec.Title, &rec.Date, &rec.State, &limited,
			&rec.TranscriptPath, &rec.ExportURL, &notes, &rec.TranscriptLength, &rec.DurationMinutes,
			&rec.SpeechCost, &rec.AICost, &created); err != nil {
			return nil, err
		}
		rec.Limited = limited != 0
		rec.CreatedAt = time.UnixMilli(created).UTC()
		if notes != "" {
			var ns protocol.NoteSections
			if err := json.Unmarshal([]byte(notes), &ns); err == nil {
				rec.Notes = &ns
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UsageForSession returns the cost lines of a session.
func (s *Store) UsageForSession(ctx context.Context, sessionID string) ([]UsageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, session_id, provider, service, cost, details
		FROM usage_logs WHERE session_id = ? ORDER BY created_at ASC, provider ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageEntry
	for rows.Next() {
		var e UsageEntry
		if err := rows.Scan(&e.IdentityID, &e.SessionID, &e.Provider, &e.Service, &e.Cost, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
