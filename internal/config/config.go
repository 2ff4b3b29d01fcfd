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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
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

// PipelineConfig controls fragment batching and segment assembly.
type PipelineConfig struct {
	ChunksPerSegment int    `yaml:"chunks_per_segment"`
	FastFirstSegment bool   `yaml:"fast_first_segment"`
	FragmentFormat   string `yaml:"fragment_format"` // wav, pcm
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	BitDepth         int    `yaml:"bit_depth"`
	WorkDir          string `yaml:"work_dir"`
}

type PlaybackConfig struct {
	Engine           string `yaml:"engine"` // mock, exec
	Command          string `yaml:"command"`
	PreSwitchPauseMS int    `yaml:"pre_switch_pause_ms"`
}

type CacheConfig struct {
	Dir           string `yaml:"dir"`
	IndexPath     string `yaml:"index_path"`
	MaxEntries    int    `yaml:"max_entries"`
	MaxTotalBytes int64  `yaml:"max_total_bytes"`
}

type RetryConfig struct {
	MaxTries    int `yaml:"max_tries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Cache       CacheConfig     `yaml:"cache"`
	Retry       RetryConfig     `yaml:"retry"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxpipe-runtime",
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
		Pipeline: PipelineConfig{
			ChunksPerSegment: 3,
			FastFirstSegment: true,
			FragmentFormat:   "wav",
			SampleRate:       22050,
			Channels:         1,
			BitDepth:         16,
			WorkDir:          "./data/work",
		},
		Playback: PlaybackConfig{
			Engine:           "mock",
			PreSwitchPauseMS: 0,
		},
		Cache: CacheConfig{
			Dir:           "./data/cache",
			IndexPath:     "",
			MaxEntries:    256,
			MaxTotalBytes: 256 << 20,
		},
		Retry: RetryConfig{
			MaxTries:    3,
			BaseDelayMS: 100,
			MaxDelayMS:  2000,
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
	overrideString(&cfg.RuntimeName, "VOXPIPE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXPIPE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXPIPE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXPIPE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXPIPE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXPIPE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXPIPE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "VOXPIPE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOXPIPE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXPIPE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOXPIPE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOXPIPE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXPIPE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXPIPE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXPIPE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXPIPE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXPIPE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.ChunksPerSegment, "VOXPIPE_PIPELINE_CHUNKS_PER_SEGMENT")
	overrideBool(&cfg.Pipeline.FastFirstSegment, "VOXPIPE_PIPELINE_FAST_FIRST_SEGMENT")
	overrideString(&cfg.Pipeline.FragmentFormat, "VOXPIPE_PIPELINE_FRAGMENT_FORMAT")
	overrideInt(&cfg.Pipeline.SampleRate, "VOXPIPE_PIPELINE_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.Channels, "VOXPIPE_PIPELINE_CHANNELS")
	overrideInt(&cfg.Pipeline.BitDepth, "VOXPIPE_PIPELINE_BIT_DEPTH")
	overrideString(&cfg.Pipeline.WorkDir, "VOXPIPE_PIPELINE_WORK_DIR")
	overrideString(&cfg.Playback.Engine, "VOXPIPE_PLAYBACK_ENGINE")
	overrideString(&cfg.Playback.Command, "VOXPIPE_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.PreSwitchPauseMS, "VOXPIPE_PLAYBACK_PRE_SWITCH_PAUSE_MS")
	overrideString(&cfg.Cache.Dir, "VOXPIPE_CACHE_DIR")
	overrideString(&cfg.Cache.IndexPath, "VOXPIPE_CACHE_INDEX_PATH")
	overrideInt(&cfg.Cache.MaxEntries, "VOXPIPE_CACHE_MAX_ENTRIES")
	overrideInt64(&cfg.Cache.MaxTotalBytes, "VOXPIPE_CACHE_MAX_TOTAL_BYTES")
	overrideInt(&cfg.Retry.MaxTries, "VOXPIPE_RETRY_MAX_TRIES")
	overrideInt(&cfg.Retry.BaseDelayMS, "VOXPIPE_RETRY_BASE_DELAY_MS")
	overrideInt(&cfg.Retry.MaxDelayMS, "VOXPIPE_RETRY_MAX_DELAY_MS")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Pipeline.ChunksPerSegment < 1 {
		return errors.New("pipeline.chunks_per_segment must be >= 1")
	}
	switch cfg.Pipeline.FragmentFormat {
	case "wav", "pcm":
		// ok
	default:
		return errors.New("pipeline.fragment_format must be one of wav|pcm")
	}
	if cfg.Pipeline.SampleRate <= 0 {
		return errors.New("pipeline.sample_rate must be positive")
	}
	if cfg.Pipeline.Channels <= 0 {
		return errors.New("pipeline.channels must be positive")
	}
	switch cfg.Pipeline.BitDepth {
	case 8, 16, 24, 32:
		// ok
	default:
		return errors.New("pipeline.bit_depth must be one of 8|16|24|32")
	}
	if cfg.Pipeline.WorkDir == "" {
		return errors.New("pipeline.work_dir must not be empty")
	}
	switch cfg.Playback.Engine {
	case "mock", "exec":
		// ok
	default:
		return errors.New("playback.engine must be one of mock|exec")
	}
	if cfg.Playback.Engine == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when engine=exec")
	}
	if cfg.Playback.PreSwitchPauseMS < 0 {
		return errors.New("playback.pre_switch_pause_ms must be >= 0")
	}
	if cfg.Cache.Dir == "" {
		return errors.New("cache.dir must not be empty")
	}
	if cfg.Cache.MaxEntries < 1 {
		return errors.New("cache.max_entries must be >= 1")
	}
	if cfg.Cache.MaxTotalBytes < 1 {
		return errors.New("cache.max_total_bytes must be >= 1")
	}
	if cfg.Retry.MaxTries < 1 {
		return errors.New("retry.max_tries must be >= 1")
	}
	if cfg.Retry.BaseDelayMS <= 0 {
		return errors.New("retry.base_delay_ms must be positive")
	}
	if cfg.Retry.MaxDelayMS < cfg.Retry.BaseDelayMS {
		return errors.New("retry.max_delay_ms must be >= retry.base_delay_ms")
	}
	return nil
}
