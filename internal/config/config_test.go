package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Session.FinalizeTimeout() != 30*time.Second {
		t.Fatalf("expected 30s finalize timeout, got %s", cfg.Session.FinalizeTimeout())
	}
	if cfg.Session.RequireActivePlan {
		t.Fatal("entitlement must be advisory by default")
	}
	if !cfg.Session.FinalizeOnDisconnect {
		t.Fatal("expected finalize on disconnect by default")
	}
	if cfg.Session.CommitFinals {
		t.Fatal("latest final should win by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
stt:
  mode: websocket
  endpoint: ws://localhost:9000/stream
  vocabulary: [eigenvalue, Laplace]
session:
  stop_timeout_ms: 1500
export:
  mode: none
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.STT.Mode != "websocket" || cfg.STT.Endpoint != "ws://localhost:9000/stream" {
		t.Fatalf("unexpected stt config: %+v", cfg.STT)
	}
	if len(cfg.STT.Vocabulary) != 2 {
		t.Fatalf("expected vocabulary, got %v", cfg.STT.Vocabulary)
	}
	if cfg.Session.StopTimeout() != 1500*time.Millisecond {
		t.Fatalf("unexpected stop timeout %s", cfg.Session.StopTimeout())
	}
	if cfg.Session.FinalizeTimeoutMS != 30000 {
		t.Fatalf("defaults should survive partial yaml, got %d", cfg.Session.FinalizeTimeoutMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_ENABLED", "true")
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_EMBEDDED", "false")
	t.Setenv("SCRIBE_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_STT_VOCABULARY", "alpha, beta")
	t.Setenv("SCRIBE_LLM_TEMPERATURE", "0.5")
	t.Setenv("SCRIBE_SESSION_REQUIRE_ACTIVE_PLAN", "true")
	t.Setenv("SCRIBE_SESSION_COMMIT_FINALS", "true")
	t.Setenv("SCRIBE_BILLING_PRICE_PER_HOUR", "3.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Embedded {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if len(cfg.STT.Vocabulary) != 2 || cfg.STT.Vocabulary[1] != "beta" {
		t.Fatalf("expected vocabulary override, got %v", cfg.STT.Vocabulary)
	}
	if cfg.LLM.Temperature != 0.5 {
		t.Fatalf("expected temperature override")
	}
	if !cfg.Session.RequireActivePlan {
		t.Fatalf("expected require_active_plan override")
	}
	if !cfg.Session.CommitFinals {
		t.Fatalf("expected commit_finals override")
	}
	if cfg.Billing.PricePerHour != 3.5 {
		t.Fatalf("expected price override")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"stt mode":          func(c *Config) { c.STT.Mode = "carrier-pigeon" },
		"websocket no url":  func(c *Config) { c.STT.Mode = "websocket"; c.STT.Endpoint = "" },
		"exec no command":   func(c *Config) { c.STT.Mode = "exec" },
		"stereo":            func(c *Config) { c.Audio.Channels = 2 },
		"export webhook":    func(c *Config) { c.Export.Mode = "webhook" },
		"retention":         func(c *Config) { c.Store.RetentionMode = "forever" },
		"zero stop timeout": func(c *Config) { c.Session.StopTimeoutMS = 0 },
		"llm mode":          func(c *Config) { c.LLM.Mode = "oracle" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
