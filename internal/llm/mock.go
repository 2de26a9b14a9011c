package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns a generator that answers summarization requests
// with notes built from the transcript lines themselves.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	lines := strings.Split(strings.TrimSpace(req.Transcript), "\n")
	var summary []string
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			summary = append(summary, line)
		}
	}
	label := req.Label
	if label == "" {
		label = "this session"
	}
	content, err := json.Marshal(map[string]any{
		"refinedTranscript": req.Transcript,
		"notes": map[string]any{
			"introduction":  []string{fmt.Sprintf("[mock notes for %s]", label)},
			"keyConcepts":   []string{},
			"explanations":  []string{},
			"definitions":   []string{},
			"summary":       summary,
			"examQuestions": []string{},
		},
	})
	if err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          string(content),
		PromptTokens:     len(strings.Fields(req.Prompt)),
		CompletionTokens: len(strings.Fields(string(content))),
		Latency:          20 * time.Millisecond,
	})
}
