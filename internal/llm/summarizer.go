package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

var ErrMalformedResponse = errors.New("malformed summarization response")

const systemPrompt = `You are an academic note generator. Be accurate, concise, and structured. If speaker labels are inconsistent, fix them based on context. Prefer labeling the main lecturer as "Professor".`

// Usage is the token accounting for one summarization.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Latency          time.Duration
}

// Summary is the result of a successful summarization.
type Summary struct {
	RefinedTranscript string
	Notes             protocol.NoteSections
	Usage             Usage
}

// Summarizer turns a transcript into a refined transcript plus study notes.
type Summarizer struct {
	generator Generator
	cfg       config.LLMConfig
	logger    *slog.Logger
}

func NewSummarizer(generator Generator, cfg config.LLMConfig, logger *slog.Logger) *Summarizer {
	return &Summarizer{
		generator: generator,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "summarizer")),
	}
}

func buildPrompt(transcript, label string) string {
	var b strings.Builder
	b.WriteString("Refine speaker labels handling overlaps by context. Transcript (may contain overlaps):\n\n")
	b.WriteString(transcript)
	fmt.Fprintf(&b, "\n\nThen generate structured notes for the class %q with these sections:\n", label)
	for _, section := range []string{"Introduction", "Key Concepts", "Explanations", "Definitions", "Summary", "Potential Exam Questions"} {
		b.WriteString("- " + section + " (bullet points)\n")
	}
	b.WriteString("Return JSON with keys: refinedTranscript, notes{introduction,keyConcepts,explanations,definitions,summary,examQuestions}")
	return b.String()
}

// Summarize runs the generator and parses its JSON answer.
func (s *Summarizer) Summarize(ctx context.Context, transcript, label, identityID, sessionID string) (Summary, error) {
	if s == nil || s.generator == nil {
		return Summary{}, ErrDisabled
	}
	req := Request{
		SessionID:   sessionID,
		IdentityID:  identityID,
		Label:       label,
		Transcript:  transcript,
		Prompt:      buildPrompt(transcript, label),
		System:      systemPrompt,
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		JSON:        true,
	}

	var content strings.Builder
	var usage Usage
	err := s.generator.Generate(ctx, req, func(chunk Chunk) error {
		content.WriteString(chunk.Content)
		usage.PromptTokens = chunk.PromptTokens
		usage.CompletionTokens = chunk.CompletionTokens
		usage.Latency = chunk.Latency
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("generate notes: %w", err)
	}

	usage.Model = s.cfg.Model
	if !s.local() {
		if _, known := PriceFor(usage.Model); !known {
			s.logger.Debug("unknown model pricing, using fallback", slog.String("model", usage.Model), slog.String("fallback", PricingFallbackModel))
		}
		usage.Cost = Cost(usage.Model, usage.PromptTokens, usage.CompletionTokens)
	}

	summary, err := parseSummary(content.String())
	if err != nil {
		return Summary{Usage: usage}, err
	}
	if strings.TrimSpace(summary.RefinedTranscript) == "" {
		summary.RefinedTranscript = transcript
	}
	summary.Usage = usage
	return summary, nil
}

// local reports whether the model runs on our own hardware and costs nothing per token.
func (s *Summarizer) local() bool {
	return s.cfg.Mode == "ollama" || s.cfg.Mode == "mock"
}

type summaryPayload struct {
	RefinedTranscript string                 `json:"refinedTranscript"`
	Notes             *protocol.NoteSections `json:"notes"`
}

func parseSummary(content string) (Summary, error) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Summary{}, fmt.Errorf("%w: no JSON object", ErrMalformedResponse)
	}
	var payload summaryPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.Notes == nil {
		return Summary{}, fmt.Errorf("%w: missing notes", ErrMalformedResponse)
	}
	return Summary{RefinedTranscript: payload.RefinedTranscript, Notes: payload.Notes.Normalize()}, nil
}

// FallbackNotes explains a summarization failure in the introduction and
// leaves every other section empty.
func FallbackNotes(err error) protocol.NoteSections {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return protocol.NoteSections{
		Introduction: []string{"Transcript saved but AI notes generation failed: " + reason},
	}.Normalize()
}
