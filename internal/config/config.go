package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Accelerator AcceleratorConfig `yaml:"accelerator"`
	Features    FeaturesConfig    `yaml:"features"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Recognizer  RecognizerConfig  `yaml:"recognizer"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
}

type BusConfig struct {
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

type AcceleratorConfig struct {
	Backend  string `yaml:"backend"` // simulated, software
	DeviceID string `yaml:"device_id"`
}

type FeaturesConfig struct {
	Mode    string `yaml:"mode"` // stub, exec
	Command string `yaml:"command"`
}

type PipelineConfig struct {
	AudioRef  string `yaml:"audio_ref"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type RecognizerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SpoolDir   string `yaml:"spool_dir"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type DispatchConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-cockpit",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogMaxSizeMB:  50,
			LogMaxBackups: 3,
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "cockpit-node-1",
			Role:              "recognizer",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/cockpit-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Accelerator: AcceleratorConfig{
			Backend:  "simulated",
			DeviceID: "fpga0",
		},
		Features: FeaturesConfig{
			Mode: "stub",
		},
		Pipeline: PipelineConfig{
			AudioRef:  "pilot_command.wav",
			TimeoutMS: 5000,
		},
		Recognizer: RecognizerConfig{
			Enabled:    true,
			SpoolDir:   os.TempDir(),
			SampleRate: 16000,
			Channels:   1,
		},
		Dispatch: DispatchConfig{
			Enabled:       true,
			SubjectPrefix: "cockpit.action",
		},
	}
}

// Load reads path over Default, applies COCKPIT_* overrides and validates.
// An empty path skips the file.
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
	overrideString(&cfg.RuntimeName, "COCKPIT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COCKPIT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COCKPIT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COCKPIT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "COCKPIT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "COCKPIT_TELEMETRY_LOG_FILE")
	overrideInt(&cfg.Telemetry.LogMaxSizeMB, "COCKPIT_TELEMETRY_LOG_MAX_SIZE_MB")
	overrideInt(&cfg.Telemetry.LogMaxBackups, "COCKPIT_TELEMETRY_LOG_MAX_BACKUPS")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COCKPIT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COCKPIT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "COCKPIT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COCKPIT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "COCKPIT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "COCKPIT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COCKPIT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COCKPIT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COCKPIT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COCKPIT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COCKPIT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "COCKPIT_NODE_ID")
	overrideString(&cfg.Node.Role, "COCKPIT_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "COCKPIT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "COCKPIT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "COCKPIT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "COCKPIT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "COCKPIT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "COCKPIT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "COCKPIT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Accelerator.Backend, "COCKPIT_ACCELERATOR_BACKEND")
	overrideString(&cfg.Accelerator.DeviceID, "COCKPIT_ACCELERATOR_DEVICE_ID")
	overrideString(&cfg.Features.Mode, "COCKPIT_FEATURES_MODE")
	overrideString(&cfg.Features.Command, "COCKPIT_FEATURES_COMMAND")
	overrideString(&cfg.Pipeline.AudioRef, "COCKPIT_PIPELINE_AUDIO_REF")
	overrideInt(&cfg.Pipeline.TimeoutMS, "COCKPIT_PIPELINE_TIMEOUT_MS")
	overrideBool(&cfg.Recognizer.Enabled, "COCKPIT_RECOGNIZER_ENABLED")
	overrideString(&cfg.Recognizer.SpoolDir, "COCKPIT_RECOGNIZER_SPOOL_DIR")
	overrideInt(&cfg.Recognizer.SampleRate, "COCKPIT_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.Channels, "COCKPIT_RECOGNIZER_CHANNELS")
	overrideBool(&cfg.Dispatch.Enabled, "COCKPIT_DISPATCH_ENABLED")
	overrideString(&cfg.Dispatch.SubjectPrefix, "COCKPIT_DISPATCH_SUBJECT_PREFIX")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.LogFile != "" && cfg.Telemetry.LogMaxSizeMB <= 0 {
		return errors.New("telemetry.log_max_size_mb must be positive when log_file is set")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Accelerator.Backend {
	case "simulated", "software":
	default:
		return errors.New("accelerator.backend must be one of simulated|software")
	}
	switch cfg.Features.Mode {
	case "stub":
	case "exec":
		if cfg.Features.Command == "" {
			return errors.New("features.command must be set when mode=exec")
		}
	default:
		return errors.New("features.mode must be one of stub|exec")
	}
	if strings.TrimSpace(cfg.Pipeline.AudioRef) == "" {
		return errors.New("pipeline.audio_ref must not be empty")
	}
	if cfg.Pipeline.TimeoutMS <= 0 {
		return errors.New("pipeline.timeout_ms must be positive")
	}
	if cfg.Recognizer.Enabled {
		if cfg.Recognizer.SampleRate <= 0 {
			return errors.New("recognizer.sample_rate must be positive")
		}
		if cfg.Recognizer.Channels <= 0 {
			return errors.New("recognizer.channels must be positive")
		}
	}
	if cfg.Dispatch.Enabled && cfg.Dispatch.SubjectPrefix == "" {
		return errors.New("dispatch.subject_prefix must not be empty when dispatch is enabled")
	}
	return nil
}
