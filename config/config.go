// Package config loads loanmesh configuration from a file and LOANMESH_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the loanmesh binaries.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Router      RouterConfig      `mapstructure:"router"`
	Underwriter UnderwriterConfig `mapstructure:"underwriter"`
	Store       StoreConfig       `mapstructure:"store"`
	Documents   DocumentsConfig   `mapstructure:"documents"`
	Search      SearchConfig      `mapstructure:"search"`
	Model       ModelConfig       `mapstructure:"model"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// TransportConfig selects how agents exchange envelopes.
type TransportConfig struct {
	Kind string     `mapstructure:"kind"` // channel or nats
	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds JetStream transport settings.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Token         string        `mapstructure:"token"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

// RouterConfig tunes the dispatch routers.
type RouterConfig struct {
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	RecentCapacity  int           `mapstructure:"recent_capacity"`
	HistoryCapacity int           `mapstructure:"history_capacity"`
}

// UnderwriterConfig tunes the decision engine.
type UnderwriterConfig struct {
	GatherMode      string        `mapstructure:"gather_mode"` // sequential or concurrent
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	SessionDeadline time.Duration `mapstructure:"session_deadline"`
	MaxHumanRounds  int           `mapstructure:"max_human_rounds"`
	ScoringTimeout  time.Duration `mapstructure:"scoring_timeout"`
	Scorer          string        `mapstructure:"scorer"` // rules or model
	PolicyFile      string        `mapstructure:"policy_file"`
}

// StoreConfig selects where sessions and reports are kept.
type StoreConfig struct {
	Kind     string         `mapstructure:"kind"` // memory, redis or postgres
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig holds the session snapshot store settings.
type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	Prefix     string        `mapstructure:"prefix"`
	ArchiveTTL time.Duration `mapstructure:"archive_ttl"`
}

// PostgresConfig holds the archive connection settings.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DocumentsConfig locates applicant documents. An empty Dir keeps them in
// memory.
type DocumentsConfig struct {
	Dir string `mapstructure:"dir"`
}

// SearchConfig selects the business search backend.
type SearchConfig struct {
	Backend    string           `mapstructure:"backend"` // duckduckgo, opensearch or static
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
}

// OpenSearchConfig holds business profile index settings.
type OpenSearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Insecure  bool     `mapstructure:"insecure"`
	Index     string   `mapstructure:"index"`
}

// ModelConfig selects the language model used for narratives and model
// scoring.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"` // none, anthropic, openai or mock
	Name        string  `mapstructure:"name"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// MetricsConfig controls the Prometheus endpoint of the serve command.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("transport.kind", "channel")
	v.SetDefault("transport.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("transport.nats.name", "loanmesh")
	v.SetDefault("transport.nats.stream", "LOANMESH_A2A")
	v.SetDefault("transport.nats.subject_prefix", "loanmesh.a2a")
	v.SetDefault("transport.nats.token", "")
	v.SetDefault("transport.nats.ack_wait", "30s")
	v.SetDefault("transport.nats.max_age", "24h")

	v.SetDefault("router.default_timeout", "30s")
	v.SetDefault("router.recent_capacity", 1024)
	v.SetDefault("router.history_capacity", 256)

	v.SetDefault("underwriter.gather_mode", "sequential")
	v.SetDefault("underwriter.call_timeout", "30s")
	v.SetDefault("underwriter.session_deadline", "0s")
	v.SetDefault("underwriter.max_human_rounds", 2)
	v.SetDefault("underwriter.scoring_timeout", "60s")
	v.SetDefault("underwriter.scorer", "rules")
	v.SetDefault("underwriter.policy_file", "")

	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.redis.url", "redis://localhost:6379/0")
	v.SetDefault("store.redis.prefix", "loanmesh")
	v.SetDefault("store.redis.archive_ttl", "720h")
	v.SetDefault("store.postgres.dsn", "postgres://loanmesh@localhost:5432/loanmesh?sslmode=disable")

	v.SetDefault("documents.dir", "")

	v.SetDefault("search.backend", "duckduckgo")
	v.SetDefault("search.opensearch.addresses", []string{"https://localhost:9200"})
	v.SetDefault("search.opensearch.username", "admin")
	v.SetDefault("search.opensearch.password", "")
	v.SetDefault("search.opensearch.insecure", true)
	v.SetDefault("search.opensearch.index", "business-profiles")

	v.SetDefault("model.provider", "none")
	v.SetDefault("model.name", "")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.temperature", 0.2)
	v.SetDefault("model.max_tokens", 2048)

	v.SetDefault("metrics.addr", ":9090")
}

// Load reads configuration from configPath, if given, and the environment.
// LOANMESH_UNDERWRITER_CALL_TIMEOUT overrides underwriter.call_timeout.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("LOANMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (want one of %s)", field, value, strings.Join(allowed, ", "))
}

// Validate checks enumerated settings and bounds.
func (c *Config) Validate() error {
	checks := []error{
		oneOf("log.format", c.Log.Format, "text", "json"),
		oneOf("transport.kind", c.Transport.Kind, "channel", "nats"),
		oneOf("underwriter.gather_mode", c.Underwriter.GatherMode, "sequential", "concurrent"),
		oneOf("underwriter.scorer", c.Underwriter.Scorer, "rules", "model"),
		oneOf("store.kind", c.Store.Kind, "memory", "redis", "postgres"),
		oneOf("search.backend", c.Search.Backend, "duckduckgo", "opensearch", "static"),
		oneOf("model.provider", c.Model.Provider, "none", "anthropic", "openai", "mock"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.Underwriter.MaxHumanRounds < 0 {
		return fmt.Errorf("underwriter.max_human_rounds must not be negative")
	}
	if c.Router.RecentCapacity <= 0 {
		return fmt.Errorf("router.recent_capacity must be positive")
	}
	if c.Router.HistoryCapacity < 0 {
		return fmt.Errorf("router.history_capacity must not be negative")
	}
	if c.Underwriter.Scorer == "model" && c.Model.Provider == "none" {
		return fmt.Errorf("underwriter.scorer=model needs a model.provider")
	}
	return nil
}
