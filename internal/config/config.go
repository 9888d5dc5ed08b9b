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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Feeds        []FeedConfig       `yaml:"feeds"`
	History      HistoryConfig      `yaml:"history"`
	Distribution DistributionConfig `yaml:"distribution"`
	VMix         VMixConfig         `yaml:"vmix"`
	FileOutput   FileOutputConfig   `yaml:"file_output"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	STT          STTConfig          `yaml:"stt"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Stream         string   `yaml:"stream"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// FeedConfig describes one caption feed. Membership is fixed at startup.
type FeedConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Channel   int    `yaml:"channel"`
	VMixInput string `yaml:"vmix_input"`
	Enabled   *bool  `yaml:"enabled"`
}

// IsEnabled treats an omitted enabled flag as true.
func (f FeedConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

type HistoryConfig struct {
	WindowMinutes   int `yaml:"window_minutes"`
	MaxQueryMinutes int `yaml:"max_query_minutes"`
}

func (h HistoryConfig) Window() time.Duration {
	return time.Duration(h.WindowMinutes) * time.Minute
}

type DistributionConfig struct {
	QueueSize           int `yaml:"queue_size"`
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `yaml:"heartbeat_timeout_ms"`
	SessionTTLMS        int `yaml:"session_ttl_ms"`
	SinkQueueSize       int `yaml:"sink_queue_size"`
}

func (d DistributionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(d.HeartbeatIntervalMS) * time.Millisecond
}

func (d DistributionConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(d.HeartbeatTimeoutMS) * time.Millisecond
}

func (d DistributionConfig) SessionTTL() time.Duration {
	return time.Duration(d.SessionTTLMS) * time.Millisecond
}

type VMixConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	SendInterim bool   `yaml:"send_interim"`
}

type FileOutputConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	Timestamps  bool   `yaml:"timestamps"`
	CurrentFile bool   `yaml:"current_file"`
}

type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	Principal string   `yaml:"principal"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-captions",
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
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Stream:         "CAPTIONS",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Feeds: []FeedConfig{
			{ID: "announcements", Name: "Announcements", Channel: 0, VMixInput: "Announcements"},
			{ID: "referee_main", Name: "Referee - Main Field", Channel: 1, VMixInput: "Referee - Main Field"},
		},
		History: HistoryConfig{
			WindowMinutes:   10,
			MaxQueryMinutes: 60,
		},
		Distribution: DistributionConfig{
			QueueSize:           256,
			HeartbeatIntervalMS: 30000,
			HeartbeatTimeoutMS:  90000,
			SessionTTLMS:        600000,
			SinkQueueSize:       128,
		},
		VMix: VMixConfig{
			Enabled:   false,
			Host:      "127.0.0.1",
			Port:      8088,
			TimeoutMS: 5000,
		},
		FileOutput: FileOutputConfig{
			Enabled:     true,
			Dir:         "output/captions",
			Timestamps:  true,
			CurrentFile: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Path:          "./data/captions.db",
			RetentionDays: 30,
		},
		Kafka: KafkaConfig{
			Enabled:   false,
			Topic:     "captions.final",
			Principal: "loqa-captions",
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
			PublishInterim: true,
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
	overrideString(&cfg.RuntimeName, "CAPTION_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CAPTION_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CAPTION_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CAPTION_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CAPTION_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CAPTION_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CAPTION_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "CAPTION_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "CAPTION_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "CAPTION_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CAPTION_BUS_STORE_DIR")
	overrideString(&cfg.Bus.Stream, "CAPTION_BUS_STREAM")
	overrideStringSlice(&cfg.Bus.Servers, "CAPTION_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CAPTION_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CAPTION_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CAPTION_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CAPTION_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CAPTION_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.History.WindowMinutes, "CAPTION_HISTORY_WINDOW_MINUTES")
	overrideInt(&cfg.History.MaxQueryMinutes, "CAPTION_HISTORY_MAX_QUERY_MINUTES")
	overrideInt(&cfg.Distribution.QueueSize, "CAPTION_DISTRIBUTION_QUEUE_SIZE")
	overrideInt(&cfg.Distribution.HeartbeatIntervalMS, "CAPTION_DISTRIBUTION_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Distribution.HeartbeatTimeoutMS, "CAPTION_DISTRIBUTION_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Distribution.SessionTTLMS, "CAPTION_DISTRIBUTION_SESSION_TTL_MS")
	overrideInt(&cfg.Distribution.SinkQueueSize, "CAPTION_DISTRIBUTION_SINK_QUEUE_SIZE")
	overrideBool(&cfg.VMix.Enabled, "CAPTION_VMIX_ENABLED")
	overrideString(&cfg.VMix.Host, "CAPTION_VMIX_HOST")
	overrideInt(&cfg.VMix.Port, "CAPTION_VMIX_PORT")
	overrideInt(&cfg.VMix.TimeoutMS, "CAPTION_VMIX_TIMEOUT_MS")
	overrideBool(&cfg.VMix.SendInterim, "CAPTION_VMIX_SEND_INTERIM")
	overrideBool(&cfg.FileOutput.Enabled, "CAPTION_FILE_OUTPUT_ENABLED")
	overrideString(&cfg.FileOutput.Dir, "CAPTION_FILE_OUTPUT_DIR")
	overrideBool(&cfg.FileOutput.Timestamps, "CAPTION_FILE_OUTPUT_TIMESTAMPS")
	overrideBool(&cfg.FileOutput.CurrentFile, "CAPTION_FILE_OUTPUT_CURRENT_FILE")
	overrideBool(&cfg.Archive.Enabled, "CAPTION_ARCHIVE_ENABLED")
	overrideString(&cfg.Archive.Path, "CAPTION_ARCHIVE_PATH")
	overrideInt(&cfg.Archive.RetentionDays, "CAPTION_ARCHIVE_RETENTION_DAYS")
	overrideBool(&cfg.Archive.VacuumOnStart, "CAPTION_ARCHIVE_VACUUM_ON_START")
	overrideBool(&cfg.Kafka.Enabled, "CAPTION_KAFKA_ENABLED")
	overrideStringSlice(&cfg.Kafka.Brokers, "CAPTION_KAFKA_BROKERS")
	overrideString(&cfg.Kafka.Topic, "CAPTION_KAFKA_TOPIC")
	overrideString(&cfg.Kafka.Principal, "CAPTION_KAFKA_PRINCIPAL")
	overrideBool(&cfg.STT.Enabled, "CAPTION_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "CAPTION_STT_MODE")
	overrideString(&cfg.STT.Command, "CAPTION_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "CAPTION_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "CAPTION_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "CAPTION_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "CAPTION_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "CAPTION_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "CAPTION_STT_PUBLISH_INTERIM")
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

// Validate checks a configuration assembled outside Load.
func Validate(cfg Config) error {
	return validate(cfg)
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if len(cfg.Feeds) == 0 {
		return errors.New("feeds must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		if strings.TrimSpace(f.ID) == "" {
			return fmt.Errorf("feeds[%d].id must not be empty", i)
		}
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("feeds[%d].id %q is duplicated", i, f.ID)
		}
		seen[f.ID] = struct{}{}
		if f.Channel < 0 {
			return fmt.Errorf("feeds[%d].channel must be >= 0", i)
		}
	}
	if cfg.History.WindowMinutes <= 0 {
		return errors.New("history.window_minutes must be positive")
	}
	if cfg.History.MaxQueryMinutes <= 0 {
		return errors.New("history.max_query_minutes must be positive")
	}
	if cfg.Distribution.QueueSize <= 0 {
		return errors.New("distribution.queue_size must be positive")
	}
	if cfg.Distribution.SinkQueueSize <= 0 {
		return errors.New("distribution.sink_queue_size must be positive")
	}
	if cfg.Distribution.HeartbeatIntervalMS <= 0 {
		return errors.New("distribution.heartbeat_interval_ms must be positive")
	}
	if cfg.Distribution.HeartbeatTimeoutMS <= cfg.Distribution.HeartbeatIntervalMS {
		return errors.New("distribution.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Distribution.SessionTTLMS <= 0 {
		return errors.New("distribution.session_ttl_ms must be positive")
	}
	if cfg.VMix.Enabled {
		if cfg.VMix.Host == "" {
			return errors.New("vmix.host must be set when vmix is enabled")
		}
		if cfg.VMix.Port <= 0 || cfg.VMix.Port > 65535 {
			return errors.New("vmix.port must be between 1 and 65535")
		}
	}
	if cfg.FileOutput.Enabled && cfg.FileOutput.Dir == "" {
		return errors.New("file_output.dir must not be empty when file output is enabled")
	}
	if cfg.Archive.Enabled {
		if cfg.Archive.Path == "" {
			return errors.New("archive.path must not be empty when archive is enabled")
		}
		if cfg.Archive.RetentionDays < 0 {
			return errors.New("archive.retention_days must be >= 0")
		}
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers must not be empty when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return errors.New("kafka.topic must not be empty when kafka is enabled")
		}
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	return nil
}
