package session

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/export"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

// IdentityResolver answers who is recording and whether they may.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (store.Identity, error)
	HasActivePlan(ctx context.Context, identityID string) (bool, error)
}

// Persistence records finished sessions, their costs and diagnostics.
type Persistence interface {
	SaveSession(ctx context.Context, rec store.SessionRecord) error
	LogUsage(ctx context.Context, entry store.UsageEntry) error
	DebitUsage(ctx context.Context, debit store.Debit) error
	AppendEvent(ctx context.Context, evt store.Event) error
}

type ExportLinker interface {
	IsLinked(ctx context.Context, identityID string) (bool, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript, label, identityID, sessionID string) (llm.Summary, error)
}

// Archive keeps raw transcripts and optional session audio.
type Archive interface {
	SaveTranscript(identityID, text string, ts time.Time) (string, error)
	KeepsAudio() bool
	NewRecorder(sessionID string, format audio.Format) (*audio.Recorder, error)
}

type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Dependencies groups the external collaborators a session calls into.
// Exporter and Publisher may be nil.
type Dependencies struct {
	Identity    IdentityResolver
	Persistence Persistence
	Linker      ExportLinker
	Summarizer  Summarizer
	Exporter    export.Exporter
	Archive     Archive
	Publisher   Publisher
}
