package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/3FT-io/scorer/pkg/tracing"
)

// EnvPrefix prefixes environment overrides, e.g. SCORER_API_PORT.
const EnvPrefix = "SCORER"

type Config struct {
	// API configuration
	ListenAddress   string        `mapstructure:"listen_address"`
	APIPort         int           `mapstructure:"api_port"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Logging configuration
	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`

	// Summary cache configuration
	SummaryCacheTTL time.Duration `mapstructure:"summary_cache_ttl"`

	Tracing tracing.Config `mapstructure:"tracing"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddress:   "0.0.0.0",
		APIPort:         8080,
		MaxUploadSize:   32 << 20, // 32MB
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		SummaryCacheTTL: 10 * time.Minute,
		Tracing:         tracing.DefaultConfig(),
	}
}

// Load reads configuration from defaults, the optional YAML file at path and
// SCORER_* environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("listen_address", d.ListenAddress)
	v.SetDefault("api_port", d.APIPort)
	v.SetDefault("max_upload_size", d.MaxUploadSize)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_development", d.LogDevelopment)
	v.SetDefault("summary_cache_ttl", d.SummaryCacheTTL)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.APIPort < 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("api_port %d out of range", c.APIPort))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_size must be positive"))
	}
	if c.SummaryCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("summary_cache_ttl must not be negative"))
	}
	return errors.Join(errs...)
}
