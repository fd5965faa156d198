// Package config loads deepdive settings from YAML, .env and DEEPDIVE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/fetch"
	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/logging"
	"github.com/deepdive-labs/deepdive/internal/phases"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/search"
	"github.com/deepdive-labs/deepdive/internal/session"
	"github.com/deepdive-labs/deepdive/internal/tracing"
)

const (
	// EnvPrefix prefixes every environment override, e.g. DEEPDIVE_LLM_API_KEY
	EnvPrefix = "DEEPDIVE"
	// PathEnv names the variable holding the config file path
	PathEnv     = "DEEPDIVE_CONFIG"
	DefaultPath = "config/deepdive.yaml"
)

type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SessionConfig controls the session store and resume lookup
type SessionConfig struct {
	Persist          bool          `mapstructure:"persist"`
	Backend          string        `mapstructure:"backend" validate:"oneof=memory redis"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	Retention        time.Duration `mapstructure:"retention"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	ResumeWindow     time.Duration `mapstructure:"resume_window"`
}

// Options converts the section for session.NewManager
func (s SessionConfig) Options() session.Options {
	return session.Options{
		AutosaveInterval: s.AutosaveInterval,
		SweepInterval:    s.SweepInterval,
		Retention:        s.Retention,
		CacheTTL:         s.CacheTTL,
	}
}

// PipelineConfig tunes job progress reporting and client streams
type PipelineConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClientTimeout     time.Duration `mapstructure:"client_timeout"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	StreamCapacity    int           `mapstructure:"stream_capacity" validate:"gte=0"`
	StreamRetain      time.Duration `mapstructure:"stream_retain"`
	ReportBaseURL     string        `mapstructure:"report_base_url"`
}

type ReportsConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=file postgres sqlite3"`
	Dir    string `mapstructure:"dir" validate:"required_if=Driver file"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver file"`
}

type FileConfig struct {
	File string `mapstructure:"file"`
}

// Config is the full process configuration
type Config struct {
	Server      ServerConfig   `mapstructure:"server"`
	Logging     logging.Config `mapstructure:"logging"`
	Tracing     tracing.Config `mapstructure:"tracing"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Session     SessionConfig  `mapstructure:"session"`
	LLM         llm.Config     `mapstructure:"llm"`
	Models      router.Config  `mapstructure:"models"`
	Search      search.Config  `mapstructure:"search"`
	Fetch       fetch.Config   `mapstructure:"fetch"`
	Evaluation  phases.Config  `mapstructure:"evaluation"`
	Pipeline    PipelineConfig `mapstructure:"pipeline"`
	Reports     ReportsConfig  `mapstructure:"reports"`
	Pricing     FileConfig     `mapstructure:"pricing"`
	Credibility FileConfig     `mapstructure:"credibility"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.compress", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "deepdive")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "deepdive:")
	v.SetDefault("redis.ttl", "0s")

	v.SetDefault("session.persist", true)
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.autosave_interval", "5s")
	v.SetDefault("session.sweep_interval", "10m")
	v.SetDefault("session.retention", "168h")
	v.SetDefault("session.cache_ttl", "30m")
	v.SetDefault("session.resume_window", "2h")

	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("llm.referer", "")
	v.SetDefault("llm.title", "deepdive")

	v.SetDefault("models.default", "openai/gpt-4o-mini")
	v.SetDefault("models.routes", map[string]string{})
	v.SetDefault("models.fallbacks", []string{})

	v.SetDefault("search.brave_api_key", "")
	v.SetDefault("search.serper_api_key", "")
	v.SetDefault("search.duckduckgo", true)
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.timeout", "10s")
	v.SetDefault("search.politeness_delay", "1s")

	v.SetDefault("fetch.timeout", "8s")
	v.SetDefault("fetch.max_bytes", 2<<20)
	v.SetDefault("fetch.max_chars", 6000)
	v.SetDefault("fetch.cache_ttl", "30m")

	def := phases.DefaultConfig()
	v.SetDefault("evaluation.batch_size", def.BatchSize)
	v.SetDefault("evaluation.normal_cap", def.NormalCap)
	v.SetDefault("evaluation.max_cap", def.MaxCap)
	v.SetDefault("evaluation.min_relevance", def.MinRelevance)
	v.SetDefault("evaluation.min_credibility", def.MinCredibility)
	v.SetDefault("evaluation.key_findings", def.KeyFindings)

	v.SetDefault("pipeline.heartbeat_interval", "5s")
	v.SetDefault("pipeline.client_timeout", "10m")
	v.SetDefault("pipeline.keep_alive", "15s")
	v.SetDefault("pipeline.stream_capacity", 256)
	v.SetDefault("pipeline.stream_retain", "10m")
	v.SetDefault("pipeline.report_base_url", "/api/v1/reports/")

	v.SetDefault("reports.driver", "file")
	v.SetDefault("reports.dir", "./reports")
	v.SetDefault("reports.dsn", "")

	v.SetDefault("pricing.file", "config/models.yaml")
	v.SetDefault("credibility.file", "config/credibility.yaml")
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Manager holds the current configuration and reloads it when the file changes
type Manager struct {
	v        *viper.Viper
	validate *validator.Validate
	path     string
	fromFile bool

	mu  sync.RWMutex
	cur *Config
}

// Load reads path, or $DEEPDIVE_CONFIG, or config/deepdive.yaml. A missing
// default file leaves defaults and environment overrides in place; a missing
// file that was asked for explicitly is an error.
func Load(path string) (*Manager, error) {
	explicit := true
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		path = DefaultPath
		explicit = false
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{v: v, validate: validator.New(), path: path}
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		m.fromFile = true
	}

	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.cur = cfg
	return m, nil
}

func (m *Manager) decode() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := m.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Config returns the current configuration
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Path returns the config file path in use
func (m *Manager) Path() string { return m.path }

// Watch reloads the file on change and hands each valid new configuration
// to fn. Invalid edits are logged and ignored. Without a config file Watch
// does nothing.
func (m *Manager) Watch(logger *zap.Logger, fn func(*Config)) {
	if !m.fromFile {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := m.decode()
		if err != nil {
			logger.Warn("Ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		m.mu.Lock()
		m.cur = cfg
		m.mu.Unlock()
		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		if fn != nil {
			fn(cfg)
		}
	})
	m.v.WatchConfig()
}
