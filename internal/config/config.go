package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	History     HistoryConfig   `yaml:"history"`
	Voice       VoiceConfig     `yaml:"voice"`
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
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type HistoryConfig struct {
	Path             string `yaml:"path"`
	RetentionMode    string `yaml:"retention_mode"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxAnnouncements int    `yaml:"max_announcements"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

// VoiceConfig locates the voice files and sets the frame cadence.
type VoiceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Directory       string `yaml:"directory"`
	Language        string `yaml:"language"`
	Callsign        string `yaml:"callsign"`
	FrameSize       int    `yaml:"frame_size"`
	FrameIntervalMS int    `yaml:"frame_interval_ms"`
	ArmDelayMS      int    `yaml:"arm_delay_ms"`
	TickIntervalMS  int    `yaml:"tick_interval_ms"`
	Target          string `yaml:"target"`
}

// IndexPath is the symbol index for the configured language.
func (v VoiceConfig) IndexPath() string {
	return filepath.Join(v.Directory, v.Language+".indx")
}

// AudioPath is the frame blob for the configured language.
func (v VoiceConfig) AudioPath() string {
	return filepath.Join(v.Directory, v.Language+".m17")
}

func (v VoiceConfig) FrameInterval() time.Duration {
	return time.Duration(v.FrameIntervalMS) * time.Millisecond
}

func (v VoiceConfig) ArmDelay() time.Duration {
	return time.Duration(v.ArmDelayMS) * time.Millisecond
}

func (v VoiceConfig) TickInterval() time.Duration {
	return time.Duration(v.TickIntervalMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
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
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		History: HistoryConfig{
			Path:             "./data/loqa-voice.db",
			RetentionMode:    "persistent",
			RetentionDays:    30,
			MaxAnnouncements: 10000,
		},
		Voice: VoiceConfig{
			Enabled:         true,
			Directory:       "./audio",
			Language:        "en_GB",
			FrameSize:       16,
			FrameIntervalMS: 40,
			ArmDelayMS:      1000,
			TickIntervalMS:  10,
			Target:          "default",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxAnnouncements, "LOQA_HISTORY_MAX_ANNOUNCEMENTS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Voice.Enabled, "LOQA_VOICE_ENABLED")
	overrideString(&cfg.Voice.Directory, "LOQA_VOICE_DIRECTORY")
	overrideString(&cfg.Voice.Language, "LOQA_VOICE_LANGUAGE")
	overrideString(&cfg.Voice.Callsign, "LOQA_VOICE_CALLSIGN")
	overrideInt(&cfg.Voice.FrameSize, "LOQA_VOICE_FRAME_SIZE")
	overrideInt(&cfg.Voice.FrameIntervalMS, "LOQA_VOICE_FRAME_INTERVAL_MS")
	overrideInt(&cfg.Voice.ArmDelayMS, "LOQA_VOICE_ARM_DELAY_MS")
	overrideInt(&cfg.Voice.TickIntervalMS, "LOQA_VOICE_TICK_INTERVAL_MS")
	overrideString(&cfg.Voice.Target, "LOQA_VOICE_TARGET")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
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
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when retention is persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Voice.Enabled {
		if cfg.Voice.Directory == "" {
			return errors.New("voice.directory must not be empty when voice is enabled")
		}
		if cfg.Voice.Language == "" {
			return errors.New("voice.language must not be empty when voice is enabled")
		}
		if cfg.Voice.FrameSize <= 0 {
			return errors.New("voice.frame_size must be positive")
		}
		if cfg.Voice.FrameIntervalMS <= 0 {
			return errors.New("voice.frame_interval_ms must be positive")
		}
		if cfg.Voice.ArmDelayMS <= 0 {
			return errors.New("voice.arm_delay_ms must be positive")
		}
		if cfg.Voice.TickIntervalMS <= 0 || cfg.Voice.TickIntervalMS > cfg.Voice.FrameIntervalMS {
			return errors.New("voice.tick_interval_ms must be positive and no longer than the frame interval")
		}
		if !protocol.ValidSubjectToken(cfg.Voice.Target) {
			return fmt.Errorf("voice.target %q must be a single subject token", cfg.Voice.Target)
		}
	}
	return nil
}
