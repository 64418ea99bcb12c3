// Package config loads service configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/platform"
)

// EnvPrefix is prepended to every automatically bound variable.
const EnvPrefix = "POSTFLOW"

// Config holds the service configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Bus         BusConfig         `mapstructure:"bus"`
	Lock        LockConfig        `mapstructure:"lock"`
	Generation  GenerationConfig  `mapstructure:"generation"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Asset       AssetConfig       `mapstructure:"asset"`
	Platform    PlatformConfig    `mapstructure:"platform"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// ServerConfig holds the ingress HTTP server settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	// Backend is memory, postgres or nats.
	Backend     string        `mapstructure:"backend"`
	DatabaseURL string        `mapstructure:"database_url"`
	Table       string        `mapstructure:"table"`
	MaxConns    int32         `mapstructure:"max_conns"`
	NATSBucket  string        `mapstructure:"nats_bucket"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// BusConfig selects the message queue backend and its delivery settings.
type BusConfig struct {
	// Backend is memory, nats or asynq.
	Backend string `mapstructure:"backend"`

	NATSURL    string `mapstructure:"nats_url"`
	NATSStream string `mapstructure:"nats_stream"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxDeliveries     int           `mapstructure:"max_deliveries"`
	Concurrency       int           `mapstructure:"concurrency"`
}

type LockConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// GenerationConfig configures the content generator and the loop around it.
type GenerationConfig struct {
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	Rounds       int           `mapstructure:"rounds"`
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
	Temperature  float32       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	History      int           `mapstructure:"history"`
	InlineImages bool          `mapstructure:"inline_images"`
}

type PolicyConfig struct {
	// File is a policy TOML. Empty uses the built-in rules.
	File string `mapstructure:"file"`
}

// AssetConfig selects how fetch URLs are signed.
type AssetConfig struct {
	// Signer is gcs or hmac.
	Signer          string        `mapstructure:"signer"`
	TTL             time.Duration `mapstructure:"ttl"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	BaseURL         string        `mapstructure:"base_url"`
}

// PlatformConfig mirrors platform.Config plus the dry-run switch.
type PlatformConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	LocationID     string        `mapstructure:"location_id"`
	CTAURL         string        `mapstructure:"cta_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout"`
	PostsPerMinute int           `mapstructure:"posts_per_minute"`
	DryRun         bool          `mapstructure:"dry_run"`
}

type CredentialsConfig struct {
	// File is the credentials TOML. Empty searches the standard paths.
	File      string `mapstructure:"file"`
	TokenFile string `mapstructure:"token_file"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	MinAge   time.Duration `mapstructure:"min_age"`
	Batch    int           `mapstructure:"batch"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig configures tracing export and the metrics endpoint.
type TelemetryConfig struct {
	Tracing     bool    `mapstructure:"tracing"`
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Metrics     bool    `mapstructure:"metrics"`
}

// Platform converts the section into a client configuration.
func (p PlatformConfig) Platform() platform.Config {
	return platform.Config{
		BaseURL:        p.BaseURL,
		LocationID:     p.LocationID,
		CTAURL:         p.CTAURL,
		Timeout:        p.Timeout,
		VerifyTimeout:  p.VerifyTimeout,
		PostsPerMinute: p.PostsPerMinute,
	}
}

// Load reads configuration. An empty path searches for postflow.yaml in the
// working directory and /etc/postflow; a missing file is not an error then.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("postflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/postflow")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindEnvVars maps the conventional unprefixed variables. The prefixed form
// is listed first so it wins when both are set.
func bindEnvVars(v *viper.Viper) error {
	binds := map[string]string{
		"store.database_url":   "DATABASE_URL",
		"bus.nats_url":         "NATS_URL",
		"bus.redis_addr":       "REDIS_ADDR",
		"logging.level":        "LOG_LEVEL",
		"platform.dry_run":     "DRY_RUN",
		"platform.location_id": "PLATFORM_LOCATION_ID",
	}
	for key, env := range binds {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "postflow")
	v.SetDefault("service.version", "dev")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.table", "records")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.nats_bucket", "postflow-records")
	v.SetDefault("store.op_timeout", 5*time.Second)

	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.nats_stream", "POSTFLOW")
	v.SetDefault("bus.redis_addr", "localhost:6379")
	v.SetDefault("bus.redis_password", "")
	v.SetDefault("bus.redis_db", 0)
	v.SetDefault("bus.visibility_timeout", 5*time.Minute)
	// A redelivered pointer must find its lock stale or it is acked as held.
	v.SetDefault("bus.retry_delay", 120*time.Second)
	v.SetDefault("bus.max_deliveries", 10)
	v.SetDefault("bus.concurrency", 4)

	v.SetDefault("lock.ttl", 120*time.Second)

	v.SetDefault("generation.provider", "google")
	v.SetDefault("generation.model", "gemini-2.0-flash")
	v.SetDefault("generation.base_url", "")
	v.SetDefault("generation.rounds", 3)
	v.SetDefault("generation.round_timeout", 60*time.Second)
	v.SetDefault("generation.temperature", 0.8)
	v.SetDefault("generation.max_tokens", 256)
	v.SetDefault("generation.history", 3)
	v.SetDefault("generation.inline_images", false)

	v.SetDefault("policy.file", "")

	v.SetDefault("asset.signer", "gcs")
	v.SetDefault("asset.ttl", 60*time.Minute)
	v.SetDefault("asset.credentials_file", "")
	v.SetDefault("asset.base_url", "")

	v.SetDefault("platform.base_url", platform.DefaultBaseURL)
	v.SetDefault("platform.location_id", "")
	v.SetDefault("platform.cta_url", "")
	v.SetDefault("platform.timeout", 60*time.Second)
	v.SetDefault("platform.verify_timeout", 10*time.Second)
	v.SetDefault("platform.posts_per_minute", 30)
	v.SetDefault("platform.dry_run", false)

	v.SetDefault("credentials.file", "")
	v.SetDefault("credentials.token_file", "")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.min_age", 5*time.Minute)
	v.SetDefault("sweeper.batch", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.protocol", "grpc")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sample_ratio", 0.0)
	v.SetDefault("telemetry.metrics", true)
}

// ValidationError lists every configuration problem found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the whole configuration and reports all problems at once.
// Settings only the publisher needs are checked when publisher is true.
func (c *Config) Validate(publisher bool) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Backend {
	case "memory", "nats":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres backend")
		}
	default:
		add("store.backend must be memory, postgres or nats (got %q)", c.Store.Backend)
	}

	switch c.Bus.Backend {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			add("bus.nats_url is required for the nats backend")
		}
	case "asynq":
		if c.Bus.RedisAddr == "" {
			add("bus.redis_addr is required for the asynq backend")
		}
	default:
		add("bus.backend must be memory, nats or asynq (got %q)", c.Bus.Backend)
	}
	if c.Store.Backend == "nats" && c.Bus.NATSURL == "" {
		add("bus.nats_url is required for the nats store")
	}
	if c.Bus.VisibilityTimeout <= 0 {
		add("bus.visibility_timeout must be positive")
	}
	if c.Bus.Concurrency <= 0 {
		add("bus.concurrency must be positive")
	}

	if c.Lock.TTL <= 0 {
		add("lock.ttl must be positive")
	}

	switch c.Generation.Provider {
	case "google", "openai", "anthropic":
	default:
		add("generation.provider must be google, openai or anthropic (got %q)", c.Generation.Provider)
	}
	if c.Generation.Model == "" {
		add("generation.model is required")
	}
	if c.Generation.Rounds < 1 {
		add("generation.rounds must be at least 1")
	}
	if c.Generation.MaxTokens <= 0 {
		add("generation.max_tokens must be positive")
	}

	switch c.Asset.Signer {
	case "gcs":
	case "hmac":
		if c.Asset.BaseURL == "" {
			add("asset.base_url is required for the hmac signer")
		}
	default:
		add("asset.signer must be gcs or hmac (got %q)", c.Asset.Signer)
	}

	if publisher {
		for _, p := range platform.ValidateConfig(c.Platform.Platform()) {
			add("platform: %s", p)
		}
		if !c.Sweeper.Enabled && c.Bus.RetryDelay < c.Lock.TTL {
			add("bus.retry_delay (%s) must be at least lock.ttl (%s) when the sweeper is disabled", c.Bus.RetryDelay, c.Lock.TTL)
		}
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		add("sweeper.interval must be positive")
	}

	if !validLevel(c.Logging.Level) {
		add("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format must be json or console (got %q)", c.Logging.Format)
	}

	if c.Telemetry.Tracing && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		add("telemetry.protocol must be grpc or http (got %q)", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		add("telemetry.sample_ratio must be within [0,1]")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validLevel(s string) bool {
	switch strings.ToUpper(s) {
	case string(logging.LevelDebug), string(logging.LevelInfo), string(logging.LevelWarn), string(logging.LevelError):
		return true
	}
	return false
}
