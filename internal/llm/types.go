package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	IdentityID  string
	Label       string
	Transcript  string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	JSON        bool
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

var ErrDisabled = errors.New("summarization is disabled")

// NewGenerator builds the configured backend. A disabled config yields a nil Generator.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mock", "":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
