package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Archive     ArchiveConfig   `yaml:"archive"`
	Audio       AudioConfig     `yaml:"audio"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	Export      ExportConfig    `yaml:"export"`
	Billing     BillingConfig   `yaml:"billing"`
	Session     SessionConfig   `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	DemoToken     string `yaml:"demo_token"`
}

type ArchiveConfig struct {
	Directory string `yaml:"directory"`
	KeepAudio bool   `yaml:"keep_audio"`
}

type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
}

type STTConfig struct {
	Mode           string   `yaml:"mode"` // mock, websocket, exec
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	Command        string   `yaml:"command"`
	ModelPath      string   `yaml:"model_path"`
	Language       string   `yaml:"language"`
	Vocabulary     []string `yaml:"vocabulary"`
	SpeakerLabels  bool     `yaml:"speaker_labels"`
	PartialEveryMS int      `yaml:"partial_every_ms"`
	SendQueue      int      `yaml:"send_queue"`
	OpenTimeoutMS  int      `yaml:"open_timeout_ms"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type ExportConfig struct {
	Mode       string `yaml:"mode"` // none, file, webhook
	Directory  string `yaml:"directory"`
	WebhookURL string `yaml:"webhook_url"`
	Folder     string `yaml:"folder"`
}

type BillingConfig struct {
	SpeechCostPerMinute float64 `yaml:"speech_cost_per_minute"`
	PricePerHour        float64 `yaml:"price_per_hour"`
}

type SessionConfig struct {
	StopTimeoutMS        int  `yaml:"stop_timeout_ms"`
	FinalizeTimeoutMS    int  `yaml:"finalize_timeout_ms"`
	ShutdownGraceMS      int  `yaml:"shutdown_grace_ms"`
	NotifyTimeoutMS      int  `yaml:"notify_timeout_ms"`
	OutboundQueue        int  `yaml:"outbound_queue"`
	EventQueue           int  `yaml:"event_queue"`
	MaxFrameBytes        int  `yaml:"max_frame_bytes"`
	RequireActivePlan    bool `yaml:"require_active_plan"`
	FinalizeOnDisconnect bool `yaml:"finalize_on_disconnect"`
	CommitFinals         bool `yaml:"commit_finals"`
}

// StopTimeout bounds the wait for the backend to flush after stop.
func (s SessionConfig) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutMS) * time.Millisecond
}

func (s SessionConfig) FinalizeTimeout() time.Duration {
	return time.Duration(s.FinalizeTimeoutMS) * time.Millisecond
}

func (s SessionConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMS) * time.Millisecond
}

func (s SessionConfig) NotifyTimeout() time.Duration {
	return time.Duration(s.NotifyTimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/scribe.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxSessions:   100000,
			DemoToken:     "demo-token",
		},
		Archive: ArchiveConfig{
			Directory: "./data",
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
		},
		STT: STTConfig{
			Mode:           "mock",
			Language:       "en-US",
			PartialEveryMS: 800,
			SendQueue:      32,
			OpenTimeoutMS:  10000,
		},
		LLM: LLMConfig{
			Enabled:     true,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   4096,
			Temperature: 0.2,
			TimeoutMS:   120000,
		},
		Export: ExportConfig{
			Mode:      "file",
			Directory: "./data/notes",
			Folder:    "Class Notes",
		},
		Billing: BillingConfig{
			SpeechCostPerMinute: 0.024,
			PricePerHour:        2.00,
		},
		Session: SessionConfig{
			StopTimeoutMS:        10000,
			FinalizeTimeoutMS:    30000,
			ShutdownGraceMS:      3000,
			NotifyTimeoutMS:      2000,
			OutboundQueue:        64,
			EventQueue:           64,
			MaxFrameBytes:        1 << 20,
			FinalizeOnDisconnect: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "SCRIBE_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SCRIBE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "SCRIBE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "SCRIBE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "SCRIBE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Store.DemoToken, "SCRIBE_STORE_DEMO_TOKEN")
	overrideString(&cfg.Archive.Directory, "SCRIBE_ARCHIVE_DIRECTORY")
	overrideBool(&cfg.Archive.KeepAudio, "SCRIBE_ARCHIVE_KEEP_AUDIO")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Endpoint, "SCRIBE_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "SCRIBE_STT_API_KEY")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideStringSlice(&cfg.STT.Vocabulary, "SCRIBE_STT_VOCABULARY")
	overrideBool(&cfg.STT.SpeakerLabels, "SCRIBE_STT_SPEAKER_LABELS")
	overrideInt(&cfg.STT.PartialEveryMS, "SCRIBE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.LLM.Enabled, "SCRIBE_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "SCRIBE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SCRIBE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "SCRIBE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "SCRIBE_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "SCRIBE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "SCRIBE_LLM_TEMPERATURE")
	overrideString(&cfg.Export.Mode, "SCRIBE_EXPORT_MODE")
	overrideString(&cfg.Export.Directory, "SCRIBE_EXPORT_DIRECTORY")
	overrideString(&cfg.Export.WebhookURL, "SCRIBE_EXPORT_WEBHOOK_URL")
	overrideFloat(&cfg.Billing.SpeechCostPerMinute, "SCRIBE_BILLING_SPEECH_COST_PER_MINUTE")
	overrideFloat(&cfg.Billing.PricePerHour, "SCRIBE_BILLING_PRICE_PER_HOUR")
	overrideInt(&cfg.Session.StopTimeoutMS, "SCRIBE_SESSION_STOP_TIMEOUT_MS")
	overrideInt(&cfg.Session.FinalizeTimeoutMS, "SCRIBE_SESSION_FINALIZE_TIMEOUT_MS")
	overrideInt(&cfg.Session.ShutdownGraceMS, "SCRIBE_SESSION_SHUTDOWN_GRACE_MS")
	overrideBool(&cfg.Session.RequireActivePlan, "SCRIBE_SESSION_REQUIRE_ACTIVE_PLAN")
	overrideBool(&cfg.Session.FinalizeOnDisconnect, "SCRIBE_SESSION_FINALIZE_ON_DISCONNECT")
	overrideBool(&cfg.Session.CommitFinals, "SCRIBE_SESSION_COMMIT_FINALS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Archive.Directory == "" {
		return errors.New("archive.directory must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1 (mono PCM)")
	}
	if cfg.Audio.BitDepth != 16 {
		return errors.New("audio.bit_depth must be 16")
	}
	switch cfg.STT.Mode {
	case "mock", "websocket", "exec":
	default:
		return errors.New("stt.mode must be one of mock|websocket|exec")
	}
	if cfg.STT.Mode == "websocket" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when mode=websocket")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	switch cfg.Export.Mode {
	case "none":
	case "file":
		if cfg.Export.Directory == "" {
			return errors.New("export.directory must be set when mode=file")
		}
	case "webhook":
		if cfg.Export.WebhookURL == "" {
			return errors.New("export.webhook_url must be set when mode=webhook")
		}
	default:
		return errors.New("export.mode must be one of none|file|webhook")
	}
	if cfg.Billing.SpeechCostPerMinute < 0 || cfg.Billing.PricePerHour < 0 {
		return errors.New("billing rates must be >= 0")
	}
	if cfg.Session.StopTimeoutMS <= 0 {
		return errors.New("session.stop_timeout_ms must be positive")
	}
	if cfg.Session.FinalizeTimeoutMS <= 0 {
		return errors.New("session.finalize_timeout_ms must be positive")
	}
	if cfg.Session.OutboundQueue <= 0 || cfg.Session.EventQueue <= 0 {
		return errors.New("session queues must be >= 1")
	}
	return nil
}
