package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type stubGenerator struct {
	chunks []Chunk
	err    error
	req    Request
}

func (s *stubGenerator) Generate(_ context.Context, req Request, consumer func(Chunk) error) error {
	s.req = req
	for _, c := range s.chunks {
		if err := consumer(c); err != nil {
			return err
		}
	}
	return s.err
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() config.LLMConfig {
	cfg := config.Default().LLM
	cfg.Mode = "exec"
	cfg.Model = "gpt-4o-mini"
	return cfg
}

func TestCost(t *testing.T) {
	if got := Cost("gpt-4o-mini", 1000, 2000); math.Abs(got-0.00135) > 1e-9 {
		t.Fatalf("unexpected cost %f", got)
	}
	if got := Cost("llama3.2:latest", 1000, 1000); math.Abs(got-0.09) > 1e-9 {
		t.Fatalf("unknown models should use gpt-4 pricing, got %f", got)
	}
	if _, ok := PriceFor("gpt-4o"); !ok {
		t.Fatalf("expected gpt-4o in table")
	}
}

func TestSummarizeParsesStreamedJSON(t *testing.T) {
	gen := &stubGenerator{chunks: []Chunk{
		{Content: "```json\n{\"refinedTranscript\":\"Professor: hi\",", Partial: true},
		{Content: "\"notes\":{\"introduction\":[\"intro\"],\"summary\":[\"s\"]}}\n```", PromptTokens: 1000, CompletionTokens: 1000},
	}}
	s := NewSummarizer(gen, testConfig(), testLogger())
	got, err := s.Summarize(context.Background(), "A: hi", "Physics", "user-1", "sess-1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got.RefinedTranscript != "Professor: hi" {
		t.Fatalf("unexpected refined transcript %q", got.RefinedTranscript)
	}
	if len(got.Notes.Introduction) != 1 || got.Notes.KeyConcepts == nil {
		t.Fatalf("notes not normalized: %+v", got.Notes)
	}
	if math.Abs(got.Usage.Cost-0.00075) > 1e-9 {
		t.Fatalf("unexpected cost %f", got.Usage.Cost)
	}
	if !gen.req.JSON || !strings.Contains(gen.req.Prompt, `"Physics"`) || !strings.Contains(gen.req.Prompt, "A: hi") {
		t.Fatalf("unexpected request %+v", gen.req)
	}
}

func TestSummarizeFailures(t *testing.T) {
	var disabled *Summarizer
	if _, err := disabled.Summarize(context.Background(), "x", "y", "", ""); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled, got %v", err)
	}

	malformed := NewSummarizer(&stubGenerator{chunks: []Chunk{{Content: "sorry, no"}}}, testConfig(), testLogger())
	if _, err := malformed.Summarize(context.Background(), "x", "y", "", ""); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed, got %v", err)
	}

	missing := NewSummarizer(&stubGenerator{chunks: []Chunk{{Content: `{"refinedTranscript":"x"}`}}}, testConfig(), testLogger())
	if _, err := missing.Summarize(context.Background(), "x", "y", "", ""); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected missing notes error, got %v", err)
	}

	boom := errors.New("boom")
	failing := NewSummarizer(&stubGenerator{err: boom}, testConfig(), testLogger())
	if _, err := failing.Summarize(context.Background(), "x", "y", "", ""); !errors.Is(err, boom) {
		t.Fatalf("expected generator error, got %v", err)
	}
}

func TestSummarizeDefaultsRefinedTranscript(t *testing.T) {
	gen := &stubGenerator{chunks: []Chunk{{Content: `{"notes":{"introduction":["i"]}}`}}}
	got, err := NewSummarizer(gen, testConfig(), testLogger()).Summarize(context.Background(), "A: raw", "L", "", "")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got.RefinedTranscript != "A: raw" {
		t.Fatalf("expected raw transcript fallback, got %q", got.RefinedTranscript)
	}
}

func TestFallbackNotes(t *testing.T) {
	notes := FallbackNotes(errors.New("no credentials"))
	if len(notes.Introduction) != 1 || !strings.Contains(notes.Introduction[0], "no credentials") {
		t.Fatalf("unexpected introduction %v", notes.Introduction)
	}
	for _, section := range [][]string{notes.KeyConcepts, notes.Explanations, notes.Definitions, notes.Summary, notes.ExamQuestions} {
		if section == nil || len(section) != 0 {
			t.Fatalf("other sections must be empty: %+v", notes)
		}
	}
}

func TestMockGeneratorRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "mock"
	s := NewSummarizer(NewMockGenerator(), cfg, testLogger())
	got, err := s.Summarize(context.Background(), "A: one\nB: two", "Chem", "", "sess")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(got.Notes.Summary) != 2 || !strings.Contains(got.Notes.Introduction[0], "Chem") {
		t.Fatalf("unexpected mock notes %+v", got.Notes)
	}
	if got.Usage.Cost != 0 {
		t.Fatalf("local models should cost nothing, got %f", got.Usage.Cost)
	}
}

func TestExecGeneratorRoundTrip(t *testing.T) {
	g, err := NewExecGenerator(`notes-cli --model "small one"`)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	gen := g.(*execGenerator)
	var sent map[string]any
	gen.run = func(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		if name != "notes-cli" || len(args) != 2 || args[1] != "small one" {
			return nil, errors.New("unexpected command line")
		}
		if err := json.Unmarshal(stdin, &sent); err != nil {
			return nil, err
		}
		return []byte(`{"content":"{\"summary\":[\"ok\"]}","prompt_tokens":12,"completion_tokens":3}`), nil
	}

	var chunks []Chunk
	req := Request{SessionID: "sess", Prompt: "summarize", System: "be brief", Model: "local", JSON: true}
	err = g.Generate(context.Background(), req, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sent["prompt"] != "summarize" || sent["model"] != "local" || sent["json"] != true {
		t.Fatalf("unexpected request payload %v", sent)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.SessionID != "sess" || c.Content != `{"summary":["ok"]}` || c.PromptTokens != 12 || c.CompletionTokens != 3 {
		t.Fatalf("unexpected chunk %+v", c)
	}
}

func TestExecGeneratorErrors(t *testing.T) {
	g, err := NewExecGenerator("notes-cli")
	if err != nil {
		t.Fatal(err)
	}
	gen := g.(*execGenerator)
	noop := func(Chunk) error { return nil }

	gen.run = func(context.Context, []byte, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 2: model missing")
	}
	if err := g.Generate(context.Background(), Request{}, noop); err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected command failure, got %v", err)
	}

	gen.run = func(context.Context, []byte, string, ...string) ([]byte, error) {
		return []byte("not json"), nil
	}
	if err := g.Generate(context.Background(), Request{}, noop); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected decode failure, got %v", err)
	}

	if _, err := NewExecGenerator("   "); err == nil {
		t.Fatal("expected empty command error")
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"format":"json"`) {
			http.Error(w, "expected json format", http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"response":"{\"notes\":","done":false}`+"\n")
		io.WriteString(w, `{"response":"{\"summary\":[\"ok\"]}}","done":true,"eval_count":7,"prompt_eval_count":11}`+"\n")
	}))
	defer srv.Close()

	s := NewSummarizer(NewOllamaGenerator(srv.URL, "", 0), testConfig(), testLogger())
	got, err := s.Summarize(context.Background(), "A: x", "L", "", "")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got.Usage.PromptTokens != 11 || got.Usage.CompletionTokens != 7 {
		t.Fatalf("unexpected usage %+v", got.Usage)
	}
	if len(got.Notes.Summary) != 1 || got.Notes.Summary[0] != "ok" {
		t.Fatalf("unexpected notes %+v", got.Notes)
	}
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "m", 0).Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewGenerator(t *testing.T) {
	cfg := config.Default().LLM
	cfg.Enabled = false
	if g, err := NewGenerator(cfg); err != nil || g != nil {
		t.Fatalf("disabled config should yield nil generator")
	}
	cfg.Enabled = true
	cfg.Mode = "exec"
	cfg.Command = `notes-cli --fast`
	if g, err := NewGenerator(cfg); err != nil || g == nil {
		t.Fatalf("expected exec generator, got %v", err)
	}
	cfg.Mode = "bogus"
	if _, err := NewGenerator(cfg); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}
