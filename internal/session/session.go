package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// SystemSpeaker tags status lines that are shown to the client but never
// enter the transcript.
const SystemSpeaker = "System"

// Session is one recording on one connection. The reconciler and sequencer
// belong to the event goroutine; everything the reader touches is either
// immutable after start or synchronized.
type Session struct {
	id       string
	m        *Manager
	conn     *conn
	identity store.Identity
	label    string
	date     string
	limited  bool
	logger   *slog.Logger

	machine  machine
	framer   *audio.Framer
	recorder *audio.Recorder
	stream   stt.Stream
	cancel   context.CancelFunc

	reconciler *transcript.Reconciler
	sequencer  *transcript.Sequencer
	eventsDone chan struct{}

	mu        sync.Mutex
	started   time.Time
	stopped   time.Time
	cause     error
	endOnce   sync.Once
	failOnce  sync.Once
	finished  chan struct{}
	result    *Result
	warnedRec bool
	delivered atomic.Bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return s.machine.current() }

// Result returns the finalization outcome once the session has finished.
func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// Done is closed when the session has released its resources.
func (s *Session) Done() <-chan struct{} { return s.finished }

func (s *Session) Info() Info {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return Info{
		ID:         s.id,
		ConnID:     s.conn.id,
		IdentityID: s.identity.ID,
		Label:      s.label,
		State:      s.State().String(),
		Bytes:      s.framer.Bytes(),
		Limited:    s.limited,
		Started:    started,
	}
}

func (s *Session) transition(ctx context.Context, to State) bool {
	from, err := s.machine.transition(to)
	if err != nil {
		s.logger.Debug("state transition refused", slogError(err))
		return false
	}
	s.logger.Info("session state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	s.diagnose(ctx, "state", map[string]string{"from": from.String(), "to": to.String()})
	return true
}

func (s *Session) diagnose(ctx context.Context, kind string, payload any) {
	if s.m.deps.Persistence == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.m.deps.Persistence.AppendEvent(context.WithoutCancel(ctx), store.Event{SessionID: s.id, Type: kind, Payload: data}); err != nil {
		s.logger.Debug("append diagnostic event", slogError(err))
	}
}

func (s *Session) status(text string) {
	s.conn.notify(protocol.TranscriptEvent(true, text, SystemSpeaker))
}

// start opens the recognition stream and moves the session to streaming.
func (s *Session) start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.status("Initializing transcription...")
	stream, err := s.m.backend.Open(streamCtx, s.m.sttConfig)
	if err != nil {
		cancel()
		return err
	}
	s.stream = stream

	if s.m.deps.Archive != nil && s.m.deps.Archive.KeepsAudio() {
		rec, err := s.m.deps.Archive.NewRecorder(s.id, s.m.format)
		if err != nil {
			s.logger.Warn("audio recording disabled", slogError(err))
		} else {
			s.recorder = rec
		}
	}

	s.mu.Lock()
	s.started = s.m.clock()
	s.mu.Unlock()
	s.transition(ctx, StateStreaming)
	s.framer.Open()
	s.m.metrics.sessionStarted(ctx, s.limited)

	go s.consume(ctx)

	s.status("Transcription connected. Start speaking...")
	if s.m.deps.Publisher != nil {
		err := s.m.deps.Publisher.Publish(ctx, protocol.SubjectSessionStarted, protocol.SessionStarted{
			SessionID:  s.id,
			IdentityID: s.identity.ID,
			Label:      s.label,
			Date:       s.date,
			Limited:    s.limited,
			Timestamp:  s.started,
		})
		if err != nil {
			s.logger.Warn("publish session started", slogError(err))
		}
	}
	return nil
}

// accept validates and forwards one audio frame. Send blocks while the
// backend is behind, which holds back the socket read loop.
func (s *Session) accept(ctx context.Context, frame []byte) error {
	pcm, err := s.framer.Accept(frame)
	if err != nil {
		s.m.metrics.frameRejected(ctx)
		return err
	}
	if s.recorder != nil {
		if err := s.recorder.Write(pcm); err != nil && !s.warnedRec {
			s.warnedRec = true
			s.logger.Warn("audio recording failed", slogError(err))
		}
	}
	if err := s.stream.Send(ctx, pcm); err != nil {
		return err
	}
	s.m.metrics.frameAccepted(ctx, len(pcm))
	return nil
}

// consume drains recognition events into the reconciler and notifies the
// client of each visible change.
func (s *Session) consume(ctx context.Context) {
	defer close(s.eventsDone)
	events := s.stream.Events()
	errs := s.stream.Errors()

	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			for _, ordered := range s.sequencer.Push(ev) {
				s.apply(ctx, ordered)
			}
		case err := <-errs:
			s.backendError(ctx, err)
		}
	}
	for _, ordered := range s.sequencer.Flush() {
		s.apply(ctx, ordered)
	}
drain:
	for {
		select {
		case err := <-errs:
			s.backendError(ctx, err)
		default:
			break drain
		}
	}

	err := s.stream.Wait()
	if s.State() != StateStreaming {
		return
	}
	// The backend ended the stream on its own.
	if err == nil {
		err = &stt.Error{Kind: stt.KindTerminated, Op: "receive", Err: errors.New("recognition stream ended")}
	}
	s.fail(ctx, err)
}

func (s *Session) apply(ctx context.Context, ev stt.TranscriptEvent) {
	update, ok := s.reconciler.Apply(ev)
	if !ok {
		return
	}
	s.conn.notify(protocol.TranscriptEvent(update.Partial, update.Text, update.Speaker))
	if update.Sealed != nil && s.m.deps.Publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, s.m.cfg.Session.NotifyTimeout())
		defer cancel()
		err := s.m.deps.Publisher.Publish(pubCtx, protocol.SubjectTranscriptFinal, protocol.TranscriptSegment{
			SessionID: s.id,
			Speaker:   update.Sealed.Speaker,
			Text:      update.Sealed.Text,
			Timestamp: s.m.clock(),
		})
		if err != nil {
			s.logger.Debug("publish transcript segment", slogError(err))
		}
	}
}

// backendError applies the adapter failure policy: a rejected utterance is a
// warning, anything else tears the session down.
func (s *Session) backendError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if !stt.IsTerminal(err) {
		s.logger.Warn("recognition rejected utterance", slogError(err))
		s.conn.notify(protocol.WarningEvent("Transcription degraded: " + err.Error()))
		s.diagnose(ctx, "backend_rejected", map[string]string{"error": err.Error()})
		return
	}
	s.fail(ctx, err)
}

// fail reports an unusable backend to the client and ends the session. Only
// the first failure is reported.
func (s *Session) fail(ctx context.Context, err error) {
	s.failOnce.Do(func() {
		s.logger.Error("recognition failed", slogError(err))
		s.conn.notify(protocol.ErrorEvent("Transcription backend failed: " + err.Error()))
		s.diagnose(ctx, "backend_failed", map[string]string{"error": err.Error()})
		s.abort(ctx, err)
	})
}

// stop handles the client's stop message.
func (s *Session) stop(ctx context.Context) bool {
	if !s.transition(ctx, StateStopping) {
		return false
	}
	s.end(ctx)
	return true
}

// abort ends the session as failed, keeping the first recorded cause.
func (s *Session) abort(ctx context.Context, cause error) {
	if s.transition(ctx, StateFailed) {
		s.mu.Lock()
		if s.cause == nil {
			s.cause = cause
		}
		s.mu.Unlock()
	}
	s.end(ctx)
}

// disconnect handles loss of the transport. A client that hangs up after
// the final event has not failed anything.
func (s *Session) disconnect(ctx context.Context) {
	s.conn.lost()
	if s.delivered.Load() {
		return
	}
	s.abort(ctx, ErrTransportClosed)
}

// end freezes the duration clock, stops audio intake and starts teardown.
// Later calls are no-ops.
func (s *Session) end(ctx context.Context) {
	s.endOnce.Do(func() {
		s.framer.Close()
		s.mu.Lock()
		s.stopped = s.m.clock()
		s.mu.Unlock()
		s.m.track.Add(1)
		go func() {
			defer s.m.track.Done()
			s.finish(context.WithoutCancel(ctx))
		}()
	})
}

// notifyFinal forwards pipeline events and remembers when the final event
// made it into the outbox.
func (s *Session) notifyFinal(ev protocol.Event) bool {
	ok := s.conn.notify(ev)
	if ok && ev.Type == protocol.TypeFinal {
		s.delivered.Store(true)
	}
	return ok
}

// finish waits for the backend to flush, runs finalization when there is
// something to finalize and releases every resource the session holds.
func (s *Session) finish(ctx context.Context) {
	defer close(s.finished)
	defer s.m.registry.Release(s.conn.id, s)

	_ = s.stream.CloseSend()
	wait := s.m.cfg.Session.StopTimeout()
	if !s.conn.alive() {
		wait = s.m.cfg.Session.ShutdownGrace()
	}
	timer := time.NewTimer(wait)
	select {
	case <-s.eventsDone:
		timer.Stop()
	case <-timer.C:
		s.logger.Warn("recognition flush timed out, finalizing with partial transcript", slog.Duration("waited", wait))
		s.diagnose(ctx, "timeout", map[string]string{"error": ErrTimeout.Error(), "phase": "stopping"})
	}
	if err := s.stream.Close(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("close recognition stream", slogError(err))
	}
	s.cancel()
	<-s.eventsDone
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("close audio recording", slogError(err))
		}
	}

	s.transition(ctx, StateFinalizing)
	state := s.State()

	s.mu.Lock()
	duration := s.stopped.Sub(s.started)
	s.mu.Unlock()
	if duration < 0 {
		duration = 0
	}

	run := state == StateFinalizing
	if state == StateFailed {
		// A connected client gets whatever text was recognized, partials
		// included. Headless finalization needs a final segment.
		if s.conn.alive() {
			run = len(s.reconciler.Segments()) > 0
		} else {
			run = s.reconciler.HasFinal() && s.m.cfg.Session.FinalizeOnDisconnect
		}
	}

	if run {
		outcome := StateClosed
		if state == StateFailed {
			outcome = StateFailed
		}
		res := s.m.pipeline.Run(ctx, Job{
			SessionID:  s.id,
			IdentityID: s.identity.ID,
			Label:      s.label,
			Date:       s.date,
			Limited:    s.limited,
			Outcome:    outcome,
			Transcript: s.reconciler.Transcript(),
			Duration:   duration,
		}, s.notifyFinal)
		s.mu.Lock()
		s.result = &res
		s.mu.Unlock()
	}

	s.transition(ctx, StateClosed)
	s.mu.Lock()
	cause := s.cause
	s.mu.Unlock()
	s.logger.Info("session ended",
		slog.String("state", s.State().String()),
		slog.Bool("finalized", run),
		slog.Float64("duration_minutes", duration.Minutes()),
		slogError(cause),
	)
	s.m.metrics.sessionFinished(ctx, s.State(), duration.Minutes())
	s.conn.shutdown()
}
