// Package config loads runtime settings for the frontpage binaries.
//
// Sources, lowest precedence first: built-in defaults, config.yaml, the
// environment (FRONTPAGE_ prefix, "." replaced by "_"). A .env file in the
// working directory is loaded into the environment first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"frontpage.dev/internal/feed"
)

const EnvPrefix = "FRONTPAGE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Feed      FeedConfig      `mapstructure:"feed"`
	DataDir   string          `mapstructure:"data_dir"`
	EventLog  bool            `mapstructure:"event_log"`
	Index     IndexConfig     `mapstructure:"index"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	WriteLimit  int      `mapstructure:"write_limit"`
	RequestLog  bool     `mapstructure:"request_log"`
	TrustProxy  bool     `mapstructure:"trust_proxy"`
	EnableAdmin bool     `mapstructure:"enable_admin"`
	EnablePprof bool     `mapstructure:"enable_pprof"`
	// EnableMCP mounts the JSON-RPC tool endpoint at /mcp.
	EnableMCP bool `mapstructure:"enable_mcp"`
}

type FeedConfig struct {
	FoundersPath string `mapstructure:"founders"`
	IDStrategy   string `mapstructure:"id_strategy"`
	// Seed fixes the vote RNG; 0 means time-seeded.
	Seed int64 `mapstructure:"seed"`
}

type IndexConfig struct {
	Backend   string `mapstructure:"backend"` // sqlite|postgres|none
	DSN       string `mapstructure:"dsn"`
	MaxConns  int32  `mapstructure:"max_conns"`
	BatchSize int    `mapstructure:"batch_size"`
	FlushMS   int    `mapstructure:"flush_ms"`
}

func (c IndexConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushMS) * time.Millisecond
}

type SchedulerConfig struct {
	// Spec is a robfig/cron spec; empty disables sampling.
	Spec string `mapstructure:"spec"`
	TopN int    `mapstructure:"top_n"`
}

type Options struct {
	// Path is an explicit config file. When empty, config.yaml is searched in
	// "." and "./configs" and its absence is not an error.
	Path string
	// EnvFile defaults to ".env".
	EnvFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.write_limit", 0)
	v.SetDefault("server.request_log", false)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.enable_admin", defaultEnableAdmin())
	v.SetDefault("server.enable_pprof", false)
	v.SetDefault("server.enable_mcp", true)
	v.SetDefault("feed.founders", "")
	v.SetDefault("feed.id_strategy", feed.IDStrategyCounter)
	v.SetDefault("feed.seed", 0)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("event_log", true)
	v.SetDefault("index.backend", "sqlite")
	v.SetDefault("index.dsn", "")
	v.SetDefault("index.max_conns", 4)
	v.SetDefault("index.batch_size", 128)
	v.SetDefault("index.flush_ms", 500)
	v.SetDefault("scheduler.spec", "@every 1m")
	v.SetDefault("scheduler.top_n", 10)
}

// Admin endpoints default off in deployed environments.
func defaultEnableAdmin() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func Load(opts Options) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// A missing .env is normal.
	_ = godotenv.Load(envFile)

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Feed.IDStrategy = strings.ToLower(strings.TrimSpace(c.Feed.IDStrategy))
	if c.Feed.IDStrategy == "" {
		c.Feed.IDStrategy = feed.IDStrategyCounter
	}
	c.Feed.FoundersPath = strings.TrimSpace(c.Feed.FoundersPath)
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.Index.Backend = strings.ToLower(strings.TrimSpace(c.Index.Backend))
	switch c.Index.Backend {
	case "", "off", "disabled":
		c.Index.Backend = "none"
	}
	c.Index.DSN = strings.TrimSpace(c.Index.DSN)
	c.Scheduler.Spec = strings.TrimSpace(c.Scheduler.Spec)
	if c.Scheduler.TopN <= 0 {
		c.Scheduler.TopN = 10
	}
}

func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Feed.IDStrategy {
	case feed.IDStrategyCounter, feed.IDStrategyUUID, feed.IDStrategyLegacy:
	default:
		return fmt.Errorf("unknown feed.id_strategy: %q", c.Feed.IDStrategy)
	}
	switch c.Index.Backend {
	case "sqlite", "none":
	case "postgres":
		if c.Index.DSN == "" {
			return fmt.Errorf("index.backend=postgres requires index.dsn")
		}
	default:
		return fmt.Errorf("unsupported index.backend: %q", c.Index.Backend)
	}
	if c.Index.Backend == "sqlite" && c.DataDir == "" {
		return fmt.Errorf("index.backend=sqlite requires data_dir")
	}
	if c.EventLog && c.DataDir == "" {
		return fmt.Errorf("event_log requires data_dir")
	}
	if c.Scheduler.Spec != "" {
		if _, err := cron.ParseStandard(c.Scheduler.Spec); err != nil {
			return fmt.Errorf("scheduler.spec: %w", err)
		}
	}
	return nil
}
