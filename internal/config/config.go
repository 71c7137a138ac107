// Package config loads lanesd's configuration from a YAML file plus
// environment overrides, the same two-stage pattern the rest of the
// corpus uses: DefaultConfig gives sane zero-config defaults,
// LoadFromFile layers a YAML document over them, and LoadFromEnv layers
// environment variables over that.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig holds lanesd's own process-level settings.
type DaemonConfig struct {
	IntrospectAddr string `yaml:"introspect_addr"` // HTTP address for internal/introspect, "" disables it
	LogLevel       string `yaml:"log_level"`
}

// KeeperConfig holds internal/keeper pool settings.
type KeeperConfig struct {
	PoolSize int `yaml:"pool_size"` // number of dedicated keeper VMs
	MaxItems int `yaml:"max_items"` // per-keeper total stored-item budget, 0 = unlimited
}

// LaneConfig holds defaults applied to lanes that don't request their
// own values.
type LaneConfig struct {
	DefaultPriority    int           `yaml:"default_priority"`     // 0 = leave OS scheduling priority alone
	DefaultCPUAffinity []int         `yaml:"default_cpu_affinity"` // empty = leave OS thread affinity alone
	JoinPollInterval   time.Duration `yaml:"join_poll_interval"`
}

// UniverseConfig holds internal/universe shutdown settings.
type UniverseConfig struct {
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	ShutdownPollInterval time.Duration `yaml:"shutdown_poll_interval"`
	AllocatorProtected   bool          `yaml:"allocator_protected"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // lanesd
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`
	Namespace        string    `yaml:"namespace"` // lanes
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Config is the central configuration struct.
type Config struct {
	Daemon        DaemonConfig        `yaml:"daemon"`
	Keeper        KeeperConfig        `yaml:"keeper"`
	Lane          LaneConfig          `yaml:"lane"`
	Universe      UniverseConfig      `yaml:"universe"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			IntrospectAddr: ":9080",
			LogLevel:       "info",
		},
		Keeper: KeeperConfig{
			PoolSize: 1,
			MaxItems: 0,
		},
		Lane: LaneConfig{
			DefaultPriority:  0,
			JoinPollInterval: 50 * time.Millisecond,
		},
		Universe: UniverseConfig{
			ShutdownTimeout:      5 * time.Second,
			ShutdownPollInterval: 20 * time.Millisecond,
			AllocatorProtected:   true,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "lanesd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "lanes",
				HistogramBuckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so any field the file omits keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to cfg in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LANES_INTROSPECT_ADDR"); v != "" {
		cfg.Daemon.IntrospectAddr = v
	}
	if v := os.Getenv("LANES_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	if v := os.Getenv("LANES_KEEPER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Keeper.PoolSize = n
		}
	}
	if v := os.Getenv("LANES_KEEPER_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Keeper.MaxItems = n
		}
	}

	if v := os.Getenv("LANES_LANE_DEFAULT_PRIORITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lane.DefaultPriority = n
		}
	}
	if v := os.Getenv("LANES_LANE_DEFAULT_CPU_AFFINITY"); v != "" {
		cfg.Lane.DefaultCPUAffinity = parseIntList(v)
	}
	if v := os.Getenv("LANES_LANE_JOIN_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lane.JoinPollInterval = d
		}
	}

	if v := os.Getenv("LANES_UNIVERSE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Universe.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("LANES_UNIVERSE_SHUTDOWN_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Universe.ShutdownPollInterval = d
		}
	}
	if v := os.Getenv("LANES_UNIVERSE_ALLOCATOR_PROTECTED"); v != "" {
		cfg.Universe.AllocatorProtected = parseBool(v)
	}

	if v := os.Getenv("LANES_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("LANES_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("LANES_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("LANES_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("LANES_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("LANES_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("LANES_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("LANES_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}

func parseIntList(s string) []int {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}
