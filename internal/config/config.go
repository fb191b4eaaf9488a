package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all afeguard configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Serve   ServeConfig   `mapstructure:"serve"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	Path   string `mapstructure:"path"`   // sqlite database file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// EngineConfig tunes the batch processing engine.
type EngineConfig struct {
	BatchSize         int    `mapstructure:"batch_size"`
	NotifyConcurrency int    `mapstructure:"notify_concurrency"`
	DedupWindow       string `mapstructure:"dedup_window"`
}

// NotifyConfig configures the outbound email transport.
type NotifyConfig struct {
	Provider     string `mapstructure:"provider"` // emailapi or resend
	FromAddress  string `mapstructure:"from_address"`
	EmailAPIURL  string `mapstructure:"emailapi_url"`
	EmailAPIKey  string `mapstructure:"emailapi_key"`
	ResendAPIKey string `mapstructure:"resend_api_key"`
}

// ServeConfig defines serve-mode settings.
type ServeConfig struct {
	Listen     string `mapstructure:"listen"`
	Interval   string `mapstructure:"interval"`
	RunTimeout string `mapstructure:"run_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".afeguard"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join(home, ".afeguard", "afeguard.db"))
	v.SetDefault("engine.batch_size", 50)
	v.SetDefault("engine.notify_concurrency", 10)
	v.SetDefault("engine.dedup_window", "24h")
	v.SetDefault("notify.provider", "emailapi")
	v.SetDefault("notify.from_address", "AFE Alerts <alerts@wellspend.io>")
	v.SetDefault("serve.listen", ":8080")
	v.SetDefault("serve.interval", "1h")
	v.SetDefault("serve.run_timeout", "10m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Environment variables
	v.SetEnvPrefix("AFEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DedupWindow parses the engine dedup window, falling back to 24h.
func (c *Config) DedupWindow() time.Duration {
	d, err := time.ParseDuration(c.Engine.DedupWindow)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// Interval parses the serve interval, falling back to 1h.
func (c *Config) Interval() time.Duration {
	d, err := time.ParseDuration(c.Serve.Interval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// RunTimeout parses the per-run timeout, falling back to 10m.
func (c *Config) RunTimeout() time.Duration {
	d, err := time.ParseDuration(c.Serve.RunTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}
