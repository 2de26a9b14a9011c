package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockBackend produces synthetic transcripts sized by the audio it receives.
// It is used for local development and tests.
type MockBackend struct {
	partialEvery time.Duration
}

func NewMockBackend(partialEvery time.Duration) *MockBackend {
	if partialEvery <= 0 {
		partialEvery = 800 * time.Millisecond
	}
	return &MockBackend{partialEvery: partialEvery}
}

// partialsPerUtterance controls how often the mock seals an utterance.
const partialsPerUtterance = 4

func (b *MockBackend) Open(ctx context.Context, cfg Config) (Stream, error) {
	if cfg.SampleRate <= 0 {
		return nil, newError(KindUnavailable, "open", errors.New("sample rate must be positive"))
	}
	streamCtx, cancel := context.WithCancel(ctx)
	return &mockStream{
		cfg:       cfg,
		ctx:       streamCtx,
		cancel:    cancel,
		em:        newEmitter(64, streamCtx.Done()),
		done:      make(chan struct{}),
		threshold: int(b.partialEvery.Seconds() * float64(cfg.SampleRate*2)),
	}, nil
}

type mockStream struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	em     *emitter
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	threshold int
	pending   int
	utterance int
	partials  int
	turn      int
}

func (s *mockStream) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindTerminated, "send", errors.New("audio stream already closed"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.pending += len(frame)
	s.utterance += len(frame)
	if s.threshold <= 0 || s.pending < s.threshold {
		return nil
	}
	s.pending = 0
	s.partials++
	if s.partials >= partialsPerUtterance {
		s.sealLocked()
		return nil
	}
	s.em.emit(true, fmt.Sprintf("[partial transcript length=%d]", s.utterance), s.speakerLocked())
	return nil
}

func (s *mockStream) sealLocked() {
	if s.utterance > 0 {
		s.em.emit(false, fmt.Sprintf("[final transcript length=%d]", s.utterance), s.speakerLocked())
	}
	s.utterance = 0
	s.partials = 0
	s.turn++
}

func (s *mockStream) speakerLocked() string {
	if !s.cfg.SpeakerLabels {
		return ""
	}
	return fmt.Sprintf("Speaker %d", s.turn%2+1)
}

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.sealLocked()
	s.em.close()
	close(s.done)
	return nil
}

func (s *mockStream) Events() <-chan TranscriptEvent { return s.em.events }

func (s *mockStream) Errors() <-chan error { return s.em.errs }

func (s *mockStream) Wait() error {
	<-s.done
	return nil
}

func (s *mockStream) Close() error {
	s.cancel()
	return s.CloseSend()
}
