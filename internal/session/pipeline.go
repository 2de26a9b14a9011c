package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/export"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Finalization step names, used in logs, metrics and diagnostics.
const (
	StepArchive   = "archive"
	StepSummarize = "summarize"
	StepExport    = "export"
	StepPersist   = "persist"
	StepUsage     = "usage"
	StepDebit     = "debit"
)

// StepError records one failed finalization step. It matches ErrCollaborator.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrCollaborator }

// Costs splits a session's spend by service.
type Costs struct {
	Speech float64 `json:"speech"`
	AI     float64 `json:"ai"`
}

// Result is what finalization produced. Everything except FullTranscript and
// DurationMinutes may be missing when a step failed.
type Result struct {
	FullTranscript    string
	RefinedTranscript string
	Notes             *protocol.NoteSections
	TranscriptPath    string
	ExportURL         string
	DurationMinutes   float64
	Costs             Costs
	Usage             llm.Usage
	Failures          []*StepError
	Delivered         bool
}

// Job is the input handed over by a session once audio has stopped.
type Job struct {
	SessionID  string
	IdentityID string
	Label      string
	Date       string
	Limited    bool
	Outcome    State
	Transcript string
	Duration   time.Duration
}

// Notifier delivers an event to the client, reporting whether it was queued.
type Notifier func(protocol.Event) bool

// Pipeline runs the post-stop steps. Every step may fail on its own; later
// steps still run and the client always gets a final event.
type Pipeline struct {
	deps           Dependencies
	billing        config.BillingConfig
	folder         string
	speechProvider string
	timeout        time.Duration
	clock          func() time.Time
	tracer         trace.Tracer
	metrics        *metrics
	logger         *slog.Logger
}

func newPipeline(deps Dependencies, cfg config.Config, clock func() time.Time, tracer trace.Tracer, m *metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		deps:           deps,
		billing:        cfg.Billing,
		folder:         cfg.Export.Folder,
		speechProvider: cfg.STT.Mode,
		timeout:        cfg.Session.FinalizeTimeout(),
		clock:          clock,
		tracer:         tracer,
		metrics:        m,
		logger:         logger.With(slog.String("component", "finalizer")),
	}
}

// run guards the result and the notifier so that an abandoned step cannot
// write after the final event went out.
type run struct {
	mu     sync.Mutex
	result Result
	sealed bool
	notify Notifier
}

func (r *run) send(ev protocol.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	return r.notify(ev)
}

func (r *run) update(fn func(*Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		fn(&r.result)
	}
}

// seal stops further updates and returns the result as it stands.
func (r *run) seal() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	res := r.result
	res.Failures = append([]*StepError(nil), r.result.Failures...)
	return res
}

// Run executes finalization for job. When the finalize timeout expires the
// remaining steps are abandoned and the final event carries what is known.
func (p *Pipeline) Run(ctx context.Context, job Job, notify Notifier) Result {
	if notify == nil {
		notify = func(protocol.Event) bool { return false }
	}
	ctx, span := p.tracer.Start(ctx, "session.finalize", trace.WithAttributes(
		attribute.String("session.id", job.SessionID),
		attribute.String("session.outcome", job.Outcome.String()),
	))
	defer span.End()

	log := p.logger.With(slog.String("session_id", job.SessionID), slog.String("identity_id", job.IdentityID))
	r := &run{
		notify: notify,
		result: Result{
			FullTranscript:  job.Transcript,
			DurationMinutes: job.Duration.Minutes(),
		},
	}
	r.result.Costs.Speech = r.result.DurationMinutes * p.billing.SpeechCostPerMinute

	stepCtx := ctx
	cancel := func() {}
	if p.timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.steps(stepCtx, job, r, log)
	}()

	select {
	case <-done:
	case <-stepCtx.Done():
		log.Warn("finalization abandoned", slog.String("error", stepCtx.Err().Error()))
		r.update(func(res *Result) {
			res.Failures = append(res.Failures, &StepError{Step: "finalize", Err: fmt.Errorf("%w: %v", ErrTimeout, stepCtx.Err())})
		})
	}

	res := r.seal()
	res.Delivered = notify(protocol.FinalEvent(res.ExportURL, res.TranscriptPath))
	if len(res.Failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d finalization steps failed", len(res.Failures)))
	}

	// Lifecycle fan-out runs outside the timed window so a slow step never
	// suppresses the record of what happened.
	p.publish(context.WithoutCancel(ctx), job, res, log)
	log.Info("session finalized",
		slog.String("transcript_path", res.TranscriptPath),
		slog.Bool("exported", res.ExportURL != ""),
		slog.Float64("duration_minutes", res.DurationMinutes),
		slog.Int("failures", len(res.Failures)),
	)
	return res
}

func (p *Pipeline) steps(ctx context.Context, job Job, r *run, log *slog.Logger) {
	fail := func(step string, err error) {
		log.Warn("finalization step failed", slog.String("step", step), slogError(err))
		p.metrics.stepFailed(ctx, step)
		r.update(func(res *Result) {
			res.Failures = append(res.Failures, &StepError{Step: step, Err: err})
		})
	}

	// 1. raw transcript
	path := p.step(ctx, StepArchive, func(ctx context.Context) (string, error) {
		if p.deps.Archive == nil {
			return "", errors.New("archive not configured")
		}
		return p.deps.Archive.SaveTranscript(job.IdentityID, job.Transcript, p.clock())
	}, fail)
	r.update(func(res *Result) { res.TranscriptPath = path })
	if ctx.Err() != nil {
		return
	}

	// 2. notes
	r.send(protocol.GeneratingNotesEvent("Generating AI notes..."))
	summary, err := p.summarize(ctx, job)
	if err != nil {
		fail(StepSummarize, err)
		summary = llm.Summary{RefinedTranscript: job.Transcript, Notes: llm.FallbackNotes(err), Usage: summary.Usage}
	}
	notes := summary.Notes.Normalize()
	r.update(func(res *Result) {
		res.RefinedTranscript = summary.RefinedTranscript
		res.Notes = &notes
		res.Usage = summary.Usage
		res.Costs.AI = summary.Usage.Cost
	})
	r.send(protocol.NotesEvent(notes))
	if ctx.Err() != nil {
		return
	}

	// 3. export
	url, warning := p.export(ctx, job, summary.RefinedTranscript, notes, fail)
	if warning != "" {
		r.send(protocol.WarningEvent(warning))
	}
	r.update(func(res *Result) { res.ExportURL = url })
	if ctx.Err() != nil {
		return
	}

	// 4. persistence and billing
	p.account(ctx, job, r, fail)
}

// step runs fn inside a span and reports its error through fail.
func (p *Pipeline) step(ctx context.Context, name string, fn func(context.Context) (string, error), fail func(string, error)) string {
	ctx, span := p.tracer.Start(ctx, "finalize."+name)
	defer span.End()
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fail(name, err)
		return ""
	}
	return out
}

func (p *Pipeline) summarize(ctx context.Context, job Job) (llm.Summary, error) {
	ctx, span := p.tracer.Start(ctx, "finalize."+StepSummarize)
	defer span.End()
	if strings.TrimSpace(job.Transcript) == "" {
		return llm.Summary{}, ErrEmptyTranscript
	}
	if p.deps.Summarizer == nil {
		return llm.Summary{}, llm.ErrDisabled
	}
	summary, err := p.deps.Summarizer.Summarize(ctx, job.Transcript, job.Label, job.IdentityID, job.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", summary.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", summary.Usage.CompletionTokens),
	)
	return summary, nil
}

// export publishes the notes document. Missing linkage and export failures
// produce a client warning instead of an error.
func (p *Pipeline) export(ctx context.Context, job Job, refined string, notes protocol.NoteSections, fail func(string, error)) (string, string) {
	if p.deps.Exporter == nil {
		return "", ""
	}
	ctx, span := p.tracer.Start(ctx, "finalize."+StepExport)
	defer span.End()

	if p.deps.Linker != nil {
		linked, err := p.deps.Linker.IsLinked(ctx, job.IdentityID)
		if err != nil {
			fail(StepExport, fmt.Errorf("check export link: %w", err))
			return "", "Could not verify your export account; notes were not exported."
		}
		if !linked {
			span.SetAttributes(attribute.Bool("export.linked", false))
			return "", "No export account linked; notes were not exported."
		}
	}

	url, err := p.deps.Exporter.Export(ctx, export.Document{
		Title:      job.Label,
		Date:       job.Date,
		Folder:     p.folder,
		IdentityID: job.IdentityID,
		SessionID:  job.SessionID,
		Transcript: refined,
		Notes:      notes,
	})
	if err != nil {
		span.RecordError(err)
		fail(StepExport, err)
		return "", "Notes export failed: " + err.Error()
	}
	return url, ""
}

func (p *Pipeline) account(ctx context.Context, job Job, r *run, fail func(string, error)) {
	if p.deps.Persistence == nil {
		fail(StepPersist, errors.New("persistence not configured"))
		return
	}
	ctx, span := p.tracer.Start(ctx, "finalize."+StepPersist)
	defer span.End()

	r.mu.Lock()
	res := r.result
	r.mu.Unlock()

	rec := store.SessionRecord{
		ID:               job.SessionID,
		IdentityID:       job.IdentityID,
		Title:            job.Label,
		Date:             job.Date,
		State:            job.Outcome.String(),
		Limited:          job.Limited,
		TranscriptPath:   res.TranscriptPath,
		ExportURL:        res.ExportURL,
		Notes:            res.Notes,
		TranscriptLength: len(job.Transcript),
		DurationMinutes:  res.DurationMinutes,
		SpeechCost:       res.Costs.Speech,
		AICost:           res.Costs.AI,
		CreatedAt:        p.clock(),
	}
	if err := p.deps.Persistence.SaveSession(ctx, rec); err != nil {
		fail(StepPersist, err)
	}

	speechDetails, _ := json.Marshal(map[string]any{
		"duration_minutes": res.DurationMinutes,
		"rate_per_minute":  p.billing.SpeechCostPerMinute,
	})
	entries := []store.UsageEntry{{
		IdentityID: job.IdentityID,
		SessionID:  job.SessionID,
		Provider:   p.speechProvider,
		Service:    "Speech-to-Text",
		Cost:       res.Costs.Speech,
		Details:    string(speechDetails),
	}}
	if res.Usage.Model != "" {
		aiDetails, _ := json.Marshal(map[string]any{
			"model":             res.Usage.Model,
			"prompt_tokens":     res.Usage.PromptTokens,
			"completion_tokens": res.Usage.CompletionTokens,
		})
		entries = append(entries, store.UsageEntry{
			IdentityID: job.IdentityID,
			SessionID:  job.SessionID,
			Provider:   "LLM",
			Service:    res.Usage.Model,
			Cost:       res.Costs.AI,
			Details:    string(aiDetails),
		})
	}
	for _, entry := range entries {
		if err := p.deps.Persistence.LogUsage(ctx, entry); err != nil {
			fail(StepUsage, err)
		}
	}

	if err := p.deps.Persistence.DebitUsage(ctx, store.Debit{
		IdentityID:      job.IdentityID,
		SessionID:       job.SessionID,
		DurationMinutes: res.DurationMinutes,
		PricePerHour:    p.billing.PricePerHour,
	}); err != nil {
		fail(StepDebit, err)
	}
}

func (p *Pipeline) publish(ctx context.Context, job Job, res Result, log *slog.Logger) {
	failures := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, f.Error())
	}

	if p.deps.Persistence != nil {
		for _, f := range res.Failures {
			payload, _ := json.Marshal(map[string]string{"step": f.Step, "error": f.Err.Error()})
			if err := p.deps.Persistence.AppendEvent(ctx, store.Event{SessionID: job.SessionID, Type: "step_failed", Payload: payload}); err != nil {
				log.Debug("append diagnostic event", slogError(err))
			}
		}
	}

	if p.deps.Publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.deps.Publisher.Publish(pubCtx, protocol.SubjectSessionFinalized, protocol.SessionFinalized{
		SessionID:       job.SessionID,
		IdentityID:      job.IdentityID,
		State:           job.Outcome.String(),
		TranscriptPath:  res.TranscriptPath,
		ExportURL:       res.ExportURL,
		DurationMinutes: res.DurationMinutes,
		SpeechCost:      res.Costs.Speech,
		AICost:          res.Costs.AI,
		Failures:        failures,
		Timestamp:       p.clock(),
	})
	if err != nil {
		log.Warn("publish session finalized", slogError(err))
	}
}
