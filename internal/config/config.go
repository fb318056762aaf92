package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // text, json
	Traces         bool   `yaml:"traces"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Chunker     ChunkerConfig    `yaml:"chunker"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
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
	PublishLevels  bool     `yaml:"publish_levels"`

	// TranscriptStream names a JetStream stream retaining transcripts and
	// session errors. Empty disables it.
	TranscriptStream string `yaml:"transcript_stream"`
}

// NodeConfig identifies this process on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Driver          string          `yaml:"driver"` // malgo, synthetic
	Device          string          `yaml:"device"`
	SampleRate      int             `yaml:"sample_rate"`
	Channels        int             `yaml:"channels"`
	Format          string          `yaml:"format"` // s16, s32
	PeriodFrames    int             `yaml:"period_frames"`
	FrameQueue      int             `yaml:"frame_queue"`
	LevelIntervalMS int             `yaml:"level_interval_ms"`
	LevelGain       float64         `yaml:"level_gain"`
	CloseTimeoutMS  int             `yaml:"close_timeout_ms"`
	Synthetic       SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig drives the built-in signal generator used for demos and tests.
type SyntheticConfig struct {
	Signal      string   `yaml:"signal"` // sine, noise, silence
	Amplitude   float64  `yaml:"amplitude"`
	FrequencyHz float64  `yaml:"frequency_hz"`
	Devices     []string `yaml:"devices"`
	FailAfterMS int      `yaml:"fail_after_ms"`
	DenyAccess  bool     `yaml:"deny_access"`
	RandomSeed  int64    `yaml:"random_seed"`
}

type ChunkerConfig struct {
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	VoiceThreshold  float64 `yaml:"voice_threshold"`
	QueueCapacity   int     `yaml:"queue_capacity"`
}

type STTConfig struct {
	Mode          string  `yaml:"mode"` // whisper, exec, mock
	Command       string  `yaml:"command"`
	ModelPath     string  `yaml:"model_path"`
	Language      string  `yaml:"language"`
	Threads       int     `yaml:"threads"`
	FilterNoise   bool    `yaml:"filter_noise"`
	MinConfidence float64 `yaml:"min_confidence"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	PromptPath  string  `yaml:"prompt_path"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "text",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:          false,
			Embedded:         true,
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			TranscriptStream: "SCRIBE_TRANSCRIPTS",
		},
		Node: NodeConfig{
			ID:                "scribe-local",
			Role:              "scribe",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-scribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Driver:          "malgo",
			SampleRate:      48000,
			Channels:        2,
			Format:          "s16",
			PeriodFrames:    1024,
			FrameQueue:      32,
			LevelIntervalMS: 100,
			LevelGain:       10,
			CloseTimeoutMS:  2000,
			Synthetic: SyntheticConfig{
				Signal:      "sine",
				Amplitude:   0.2,
				FrequencyHz: 220,
				Devices:     []string{"Synthetic Microphone", "BlackHole 2ch"},
			},
		},
		Chunker: ChunkerConfig{
			ChunkDurationMS: 3000,
			VoiceThreshold:  0.01,
			QueueCapacity:   3,
		},
		STT: STTConfig{
			Mode:      "whisper",
			ModelPath: "models/ggml-base.en.bin",
			Language:  "en",
			Threads:   2,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.7,
			TimeoutMS:   60000,
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

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv reads LOQA_ENV_FILE (default .env) when present. Variables that
// are already set in the environment win.
func loadDotEnv() error {
	path := ".env"
	if v, ok := os.LookupEnv("LOQA_ENV_FILE"); ok && strings.TrimSpace(v) != "" {
		path = v
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideBool(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishLevels, "LOQA_BUS_PUBLISH_LEVELS")
	overrideString(&cfg.Bus.TranscriptStream, "LOQA_BUS_TRANSCRIPT_STREAM")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Driver, "LOQA_CAPTURE_DRIVER")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideString(&cfg.Capture.Format, "LOQA_CAPTURE_FORMAT")
	overrideInt(&cfg.Capture.PeriodFrames, "LOQA_CAPTURE_PERIOD_FRAMES")
	overrideInt(&cfg.Capture.FrameQueue, "LOQA_CAPTURE_FRAME_QUEUE")
	overrideInt(&cfg.Capture.LevelIntervalMS, "LOQA_CAPTURE_LEVEL_INTERVAL_MS")
	overrideFloat(&cfg.Capture.LevelGain, "LOQA_CAPTURE_LEVEL_GAIN")
	overrideInt(&cfg.Capture.CloseTimeoutMS, "LOQA_CAPTURE_CLOSE_TIMEOUT_MS")
	overrideString(&cfg.Capture.Synthetic.Signal, "LOQA_CAPTURE_SYNTHETIC_SIGNAL")
	overrideFloat(&cfg.Capture.Synthetic.Amplitude, "LOQA_CAPTURE_SYNTHETIC_AMPLITUDE")
	overrideFloat(&cfg.Capture.Synthetic.FrequencyHz, "LOQA_CAPTURE_SYNTHETIC_FREQUENCY_HZ")
	overrideInt(&cfg.Capture.Synthetic.FailAfterMS, "LOQA_CAPTURE_SYNTHETIC_FAIL_AFTER_MS")
	overrideInt(&cfg.Chunker.ChunkDurationMS, "LOQA_CHUNKER_CHUNK_DURATION_MS")
	overrideFloat(&cfg.Chunker.VoiceThreshold, "LOQA_CHUNKER_VOICE_THRESHOLD")
	overrideInt(&cfg.Chunker.QueueCapacity, "LOQA_CHUNKER_QUEUE_CAPACITY")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideBool(&cfg.STT.FilterNoise, "LOQA_STT_FILTER_NOISE")
	overrideFloat(&cfg.STT.MinConfidence, "LOQA_STT_MIN_CONFIDENCE")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.PromptPath, "LOQA_LLM_PROMPT_PATH")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
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
	switch cfg.Telemetry.LogFormat {
	case "text", "json":
	default:
		return errors.New("telemetry.log_format must be one of text|json")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 || cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must exceed a positive node.heartbeat_interval_ms")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Driver {
	case "malgo", "synthetic":
	default:
		return errors.New("capture.driver must be one of malgo|synthetic")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	switch cfg.Capture.Format {
	case "s16", "s32":
	default:
		return fmt.Errorf("capture.format %q unsupported: only integer PCM (s16|s32) is accepted", cfg.Capture.Format)
	}
	if cfg.Capture.PeriodFrames <= 0 {
		return errors.New("capture.period_frames must be positive")
	}
	if cfg.Capture.FrameQueue <= 0 {
		return errors.New("capture.frame_queue must be >= 1")
	}
	if cfg.Capture.LevelIntervalMS < 0 {
		return errors.New("capture.level_interval_ms must be >= 0")
	}
	if cfg.Capture.CloseTimeoutMS <= 0 {
		return errors.New("capture.close_timeout_ms must be positive")
	}
	if cfg.Chunker.ChunkDurationMS <= 0 {
		return errors.New("chunker.chunk_duration_ms must be positive")
	}
	if cfg.Chunker.VoiceThreshold < 0 || cfg.Chunker.VoiceThreshold > 1 {
		return errors.New("chunker.voice_threshold must be between 0 and 1")
	}
	if cfg.Chunker.QueueCapacity <= 0 {
		return errors.New("chunker.queue_capacity must be >= 1")
	}
	switch cfg.STT.Mode {
	case "whisper", "exec", "mock":
	default:
		return errors.New("stt.mode must be one of whisper|exec|mock")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	if cfg.STT.Threads <= 0 {
		return errors.New("stt.threads must be >= 1")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "openai":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	return nil
}
