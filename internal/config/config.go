package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig       `yaml:"store" mapstructure:"store"`
	Log      LogConfig         `yaml:"log" mapstructure:"log"`
	Server   ServerConfig      `yaml:"server" mapstructure:"server"`
	Sync     SyncConfig        `yaml:"sync" mapstructure:"sync"`
	Sources  SourcesConfig     `yaml:"sources" mapstructure:"sources"`
	Redis    RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Schedule map[string]string `yaml:"schedule" mapstructure:"schedule"`
	Retry    RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit  CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Identity IdentityConfig    `yaml:"identity" mapstructure:"identity"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AdminToken     string   `yaml:"admin_token" mapstructure:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// SyncConfig tunes the job runner and reaper.
type SyncConfig struct {
	LockTTLSecs     int  `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
	StaleAfterSecs  int  `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	Concurrency     int  `yaml:"concurrency" mapstructure:"concurrency"`
	MinIntervalSecs int  `yaml:"min_interval_secs" mapstructure:"min_interval_secs"`
	AutoSync        bool `yaml:"auto_sync" mapstructure:"auto_sync"`
}

// LockTTL returns the lock lifetime.
func (c SyncConfig) LockTTL() time.Duration { return time.Duration(c.LockTTLSecs) * time.Second }

// StaleAfter returns how long a run may go without progress.
func (c SyncConfig) StaleAfter() time.Duration { return time.Duration(c.StaleAfterSecs) * time.Second }

// MinInterval returns the minimum gap between completed runs of a job.
func (c SyncConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSecs) * time.Second
}

// SourceConfig configures one upstream source.
type SourceConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	GraphQLURL  string  `yaml:"graphql_url" mapstructure:"graphql_url"`
	RSSURL      string  `yaml:"rss_url" mapstructure:"rss_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// Timeout returns the per-step fetch timeout.
func (c SourceConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// SourcesConfig groups every upstream.
type SourcesConfig struct {
	UserAgent string       `yaml:"user_agent" mapstructure:"user_agent"`
	Catalog   SourceConfig `yaml:"catalog" mapstructure:"catalog"`
	Wiki      SourceConfig `yaml:"wiki" mapstructure:"wiki"`
	News      SourceConfig `yaml:"news" mapstructure:"news"`
	Status    SourceConfig `yaml:"status" mapstructure:"status"`
}

// RedisConfig enables cross-process progress events when Addr is set.
type RedisConfig struct {
	Addr    string `yaml:"addr" mapstructure:"addr"`
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// RetryConfig controls upstream retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig controls the per-source circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// IdentityConfig tunes automatic identity matching.
type IdentityConfig struct {
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	Margin    float64 `yaml:"margin" mapstructure:"margin"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CATALOGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "catalogsync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("sync.lock_ttl_secs", 3600)
	v.SetDefault("sync.stale_after_secs", 1800)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.min_interval_secs", 0)
	v.SetDefault("sources.user_agent", "catalogsync/1.0")
	v.SetDefault("sources.catalog.timeout_secs", 30)
	v.SetDefault("sources.catalog.rate_per_sec", 5)
	v.SetDefault("sources.wiki.timeout_secs", 30)
	v.SetDefault("sources.wiki.rate_per_sec", 2)
	v.SetDefault("sources.news.timeout_secs", 20)
	v.SetDefault("sources.news.rate_per_sec", 2)
	v.SetDefault("sources.status.timeout_secs", 10)
	v.SetDefault("sources.status.rate_per_sec", 1)
	v.SetDefault("redis.channel", "catalogsync:progress")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("identity.threshold", 0.85)
	v.SetDefault("identity.margin", 0.05)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Mode is one of
// "serve", "sync" or "admin".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.AdminToken == "" {
			errs = append(errs, "server.admin_token is required")
		}
		errs = append(errs, c.validateSync()...)
		errs = append(errs, c.validateSources()...)
	case "sync":
		errs = append(errs, c.validateSync()...)
		errs = append(errs, c.validateSources()...)
	case "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSync() []string {
	var errs []string
	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > 64 {
		errs = append(errs, fmt.Sprintf("sync.concurrency must be 1-64, got %d", c.Sync.Concurrency))
	}
	if c.Sync.LockTTLSecs <= 0 {
		errs = append(errs, "sync.lock_ttl_secs must be positive")
	}
	if c.Sync.StaleAfterSecs <= 0 {
		errs = append(errs, "sync.stale_after_secs must be positive")
	}
	if c.Sync.MinIntervalSecs < 0 {
		errs = append(errs, "sync.min_interval_secs must not be negative")
	}
	if c.Identity.Threshold <= 0 || c.Identity.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("identity.threshold must be in (0,1], got %.2f", c.Identity.Threshold))
	}
	return errs
}

func (c *Config) validateSources() []string {
	if c.Sources.Catalog.BaseURL == "" {
		return []string{"sources.catalog.base_url is required"}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
