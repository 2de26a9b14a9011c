package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/loqalabs/loqa-scribe/session"

type metrics struct {
	started      metric.Int64Counter
	finished     metric.Int64Counter
	audioBytes   metric.Int64Counter
	rejected     metric.Int64Counter
	stepFailures metric.Int64Counter
	duration     metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.started, err = meter.Int64Counter("scribe.sessions.started",
		metric.WithDescription("Sessions that reached streaming")); err != nil {
		return nil, err
	}
	if m.finished, err = meter.Int64Counter("scribe.sessions.finished",
		metric.WithDescription("Sessions that reached a terminal state")); err != nil {
		return nil, err
	}
	if m.audioBytes, err = meter.Int64Counter("scribe.audio.bytes",
		metric.WithDescription("PCM bytes forwarded to the recognition backend"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("scribe.audio.frames_rejected",
		metric.WithDescription("Audio frames dropped by validation")); err != nil {
		return nil, err
	}
	if m.stepFailures, err = meter.Int64Counter("scribe.finalize.step_failures",
		metric.WithDescription("Finalization steps that failed and fell back")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("scribe.sessions.duration",
		metric.WithDescription("Recorded session length"), metric.WithUnit("min")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) sessionStarted(ctx context.Context, limited bool) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.Bool("limited", limited)))
}

func (m *metrics) sessionFinished(ctx context.Context, state State, minutes float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state.String()))
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, minutes, attrs)
}

func (m *metrics) frameAccepted(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.audioBytes.Add(ctx, int64(n))
}

func (m *metrics) frameRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1)
}

func (m *metrics) stepFailed(ctx context.Context, step string) {
	if m == nil {
		return
	}
	m.stepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}
