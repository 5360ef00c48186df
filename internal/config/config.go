// Package config loads loom's settings from defaults, an optional YAML file
// and LOOM_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/internal/ctxlog"
	"github.com/agentstation/loom/internal/tracing"
)

// EnvPrefix prefixes every environment variable, e.g. LOOM_ENGINE_WORKERS.
const EnvPrefix = "LOOM"

// Config is the full configuration.
type Config struct {
	Engine  EngineConfig   `mapstructure:"engine"`
	AI      AIConfig       `mapstructure:"ai"`
	Vector  VectorConfig   `mapstructure:"vector"`
	Storage StorageConfig  `mapstructure:"storage"`
	Log     LogConfig      `mapstructure:"log"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Server  ServerConfig   `mapstructure:"server"`
}

// EngineConfig configures execution.
type EngineConfig struct {
	// Workers bounds concurrent nodes per level; 0 means GOMAXPROCS.
	Workers     int           `mapstructure:"workers"`
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
	RetainRuns  int           `mapstructure:"retain_runs"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RetryConfig mirrors loom.RetryPolicy.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
}

// Policy converts to a retry policy.
func (r RetryConfig) Policy() loom.RetryPolicy {
	return loom.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// AIConfig configures the OpenAI-compatible generator and embedder.
type AIConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Model            string        `mapstructure:"model"`
	EmbeddingModel   string        `mapstructure:"embedding_model"`
	LatencyThreshold time.Duration `mapstructure:"latency_threshold"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the capability circuit breakers. Zero failures
// disables them.
type BreakerConfig struct {
	Failures int           `mapstructure:"failures"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// VectorConfig selects the vector index.
type VectorConfig struct {
	// Backend is "memory" or "sqlite".
	Backend  string        `mapstructure:"backend"`
	Path     string        `mapstructure:"path"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// StorageConfig locates the document and run archive database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures `loom serve`.
type ServerConfig struct {
	Addr      string        `mapstructure:"addr"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	policy := loom.DefaultRetryPolicy()
	return Config{
		Engine: EngineConfig{
			Workers:     0,
			NodeTimeout: 2 * time.Minute,
			RetainRuns:  100,
			Retry: RetryConfig{
				MaxAttempts:  policy.MaxAttempts,
				InitialDelay: policy.InitialDelay,
				MaxDelay:     policy.MaxDelay,
				Multiplier:   policy.Multiplier,
				Jitter:       policy.Jitter,
			},
		},
		AI: AIConfig{
			Model:            "gpt-4o-mini",
			EmbeddingModel:   "text-embedding-3-small",
			LatencyThreshold: 30 * time.Second,
			Breaker:          BreakerConfig{Failures: 5, Cooldown: 30 * time.Second},
		},
		Vector:  VectorConfig{Backend: "memory", Path: "loom-vectors.db", CacheTTL: time.Minute},
		Storage: StorageConfig{Path: "loom.db"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: tracing.DefaultConfig(),
		Server:  ServerConfig{Addr: "127.0.0.1:8080", Heartbeat: 15 * time.Second},
	}
}

// New returns a viper instance with every default registered and
// environment lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	d := Defaults()

	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.node_timeout", d.Engine.NodeTimeout)
	v.SetDefault("engine.retain_runs", d.Engine.RetainRuns)
	v.SetDefault("engine.retry.max_attempts", d.Engine.Retry.MaxAttempts)
	v.SetDefault("engine.retry.initial_delay", d.Engine.Retry.InitialDelay)
	v.SetDefault("engine.retry.max_delay", d.Engine.Retry.MaxDelay)
	v.SetDefault("engine.retry.multiplier", d.Engine.Retry.Multiplier)
	v.SetDefault("engine.retry.jitter", d.Engine.Retry.Jitter)

	v.SetDefault("ai.base_url", d.AI.BaseURL)
	v.SetDefault("ai.api_key", d.AI.APIKey)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.embedding_model", d.AI.EmbeddingModel)
	v.SetDefault("ai.latency_threshold", d.AI.LatencyThreshold)
	v.SetDefault("ai.breaker.failures", d.AI.Breaker.Failures)
	v.SetDefault("ai.breaker.cooldown", d.AI.Breaker.Cooldown)

	v.SetDefault("vector.backend", d.Vector.Backend)
	v.SetDefault("vector.path", d.Vector.Path)
	v.SetDefault("vector.cache_ttl", d.Vector.CacheTTL)

	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.heartbeat", d.Server.Heartbeat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The conventional OpenAI variable works too.
	_ = v.BindEnv("ai.api_key", EnvPrefix+"_AI_API_KEY", "OPENAI_API_KEY")
	return v
}

// Load reads the config file into v and decodes the result.
//
// An explicit path must exist. Without one, ./loom.yaml is used if present,
// else ~/.config/loom/config.yaml; a missing default file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	switch {
	case path != "":
		v.SetConfigFile(path)
	case fileExists("loom.yaml"):
		v.SetConfigFile("loom.yaml")
	default:
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "loom"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.Workers < 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be >= 0, got %d", c.Engine.Workers))
	}
	if c.Engine.RetainRuns < 1 {
		errs = append(errs, fmt.Errorf("engine.retain_runs must be >= 1, got %d", c.Engine.RetainRuns))
	}
	if c.Engine.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("engine.retry.max_attempts must be >= 1, got %d", c.Engine.Retry.MaxAttempts))
	}
	switch c.Vector.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("vector.backend must be memory or sqlite, got %q", c.Vector.Backend))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EngineOptions converts the engine section to engine options.
func (c Config) EngineOptions() []loom.Option {
	return []loom.Option{
		loom.WithWorkers(c.Engine.Workers),
		loom.WithNodeTimeout(c.Engine.NodeTimeout),
		loom.WithRetryPolicy(c.Engine.Retry.Policy()),
	}
}

// RunStoreOptions converts the retention setting, adding onEvict when set.
func (c Config) RunStoreOptions(onEvict func(*loom.Run)) []loom.RunStoreOption {
	opts := []loom.RunStoreOption{loom.WithRetention(c.Engine.RetainRuns)}
	if onEvict != nil {
		opts = append(opts, loom.WithEviction(onEvict))
	}
	return opts
}

// Logger builds the configured logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	return ctxlog.New(c.Log.Level, c.Log.Format, w)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
