package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecConfig controls the command-line recognizer backend.
type ExecConfig struct {
	Command      string
	ModelPath    string
	PartialEvery time.Duration
	MaxUtterance time.Duration
	SendQueue    int
}

// ExecBackend buffers audio per utterance and runs a local recognizer
// command over a temporary WAV file. The command prints
// {"text": "...", "speaker": "..."} on stdout.
type ExecBackend struct {
	cmd      []string
	cfg      ExecConfig
	logger   *slog.Logger
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execResult struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
}

func NewExecBackend(cfg ExecConfig, logger *slog.Logger) (*ExecBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if cfg.PartialEvery <= 0 {
		cfg.PartialEvery = 800 * time.Millisecond
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 15 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 32
	}
	return &ExecBackend{
		cmd:      args,
		cfg:      cfg,
		logger:   logger,
		lookPath: exec.LookPath,
		run:      runCommand,
	}, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (b *ExecBackend) Open(ctx context.Context, cfg Config) (Stream, error) {
	if _, err := b.lookPath(b.cmd[0]); err != nil {
		return nil, newError(KindUnavailable, "locate command", err)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &execStream{
		backend: b,
		cfg:     cfg,
		ctx:     streamCtx,
		cancel:  cancel,
		em:      newEmitter(64, streamCtx.Done()),
		audio:   make(chan []byte, b.cfg.SendQueue),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

type execStream struct {
	backend *ExecBackend
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	em      *emitter

	audio chan []byte
	done  chan struct{}

	buffer       []byte
	sincePartial int

	closeSendOnce sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *execStream) Send(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return newError(KindTerminated, "send", errors.New("audio stream already closed"))
	}
	copied := append([]byte(nil), frame...)
	select {
	case s.audio <- copied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return newError(KindTerminated, "send", errors.New("stream closed"))
	}
}

func (s *execStream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *execStream) Events() <-chan TranscriptEvent { return s.em.events }

func (s *execStream) Errors() <-chan error { return s.em.errs }

func (s *execStream) Wait() error {
	<-s.done
	return nil
}

func (s *execStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *execStream) bytesPer(d time.Duration) int {
	return int(d.Seconds() * float64(s.cfg.SampleRate*2))
}

func (s *execStream) loop() {
	defer close(s.done)
	defer s.em.close()

	partialBytes := s.bytesPer(s.backend.cfg.PartialEvery)
	utteranceBytes := s.bytesPer(s.backend.cfg.MaxUtterance)
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				s.finishUtterance()
				s.em.flush()
				return
			}
			s.buffer = append(s.buffer, chunk...)
			s.sincePartial += len(chunk)
			if len(s.buffer) >= utteranceBytes {
				s.finishUtterance()
				continue
			}
			if s.sincePartial >= partialBytes {
				s.sincePartial = 0
				s.transcribe(true)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *execStream) finishUtterance() {
	if len(s.buffer) > 0 {
		s.transcribe(false)
	}
	s.buffer = s.buffer[:0]
	s.sincePartial = 0
}

func (s *execStream) transcribe(partial bool) {
	result, err := s.backend.transcribe(s.ctx, s.buffer, s.cfg, partial)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.backend.logger.Warn("stt transcription failed", slogError(err), slog.Bool("partial", partial))
		s.em.reject(newError(KindRejected, "transcribe", err))
		if !partial {
			s.em.flush()
		}
		return
	}
	s.em.emit(partial, result.Text, result.Speaker)
}

func (b *ExecBackend) transcribe(ctx context.Context, pcm []byte, cfg Config, partial bool) (execResult, error) {
	file, err := os.CreateTemp("", "scribe_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, cfg.SampleRate, 1); err != nil {
		return execResult{}, err
	}

	output, err := b.run(ctx, b.cmd[0], b.args(file.Name(), cfg, partial)...)
	if err != nil {
		return execResult{}, err
	}
	var resp execResult
	if err := json.Unmarshal(output, &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

func (b *ExecBackend) args(wavPath string, cfg Config, partial bool) []string {
	args := append([]string{}, b.cmd[1:]...)
	args = append(args, "--audio", wavPath)
	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}
	if cfg.LanguageCode != "" {
		args = append(args, "--language", cfg.LanguageCode)
	}
	for _, term := range cfg.Vocabulary {
		args = append(args, "--vocabulary", term)
	}
	if cfg.SpeakerLabels {
		args = append(args, "--diarize")
	}
	if partial {
		args = append(args, "--partial")
	}
	return args
}
