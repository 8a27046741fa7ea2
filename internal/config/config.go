// Package config loads settings for the controller and the one-shot runner
// from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// HTTP server port for the controller
	HTTPPort int

	// Bearer token required on /assessments. Empty disables authentication.
	APIToken string

	// Database connection string for the result archive. Empty disables the archive.
	DatabaseURL string

	LogLevel string

	// OTLP gRPC collector address. Empty disables tracing.
	OTELEndpoint string

	// Recommendation rules file, optional
	RulesFile string

	// Requests per second per token on /assessments, 0 for unlimited
	RateLimit      float64
	RateLimitBurst int

	Engine     EngineConfig
	SSH        SSHConfig
	Kubernetes KubernetesConfig
}

// EngineConfig tunes the assessment engine.
type EngineConfig struct {
	MaxConcurrency int
	CommandTimeout time.Duration
	LogLines       int
	DialRate       float64
	Retention      time.Duration
}

// SSHConfig tunes the SSH transport.
type SSHConfig struct {
	ConnectTimeout time.Duration
	ConnectRetries int
	KnownHosts     string
}

// KubernetesConfig selects the cluster used for the kubernetes transport.
type KubernetesConfig struct {
	Kubeconfig string
	Namespace  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 6161)
	v.SetDefault("api_token", "")
	v.SetDefault("database_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("rules_file", "")
	v.SetDefault("rate_limit", 0)
	v.SetDefault("rate_limit_burst", 10)

	v.SetDefault("engine.max_concurrency", 50)
	v.SetDefault("engine.command_timeout", 30*time.Second)
	v.SetDefault("engine.log_lines", 200)
	v.SetDefault("engine.dial_rate", 0)
	v.SetDefault("engine.retention", 24*time.Hour)

	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.connect_retries", 3)
	v.SetDefault("ssh.known_hosts", "")

	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.namespace", "default")
}

// Load reads configuration. Precedence, lowest first: defaults, the config
// file (mopplane.yaml in the working directory when path is empty), a .env
// file, then the environment. Nested keys map to env names with '.' replaced
// by '_', e.g. ENGINE_MAX_CONCURRENCY.
func Load(path string) (*Config, error) {
	// A missing .env is normal; variables already set are not overridden.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_ENDPOINT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mopplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		HTTPPort:       v.GetInt("port"),
		APIToken:       v.GetString("api_token"),
		DatabaseURL:    v.GetString("database_url"),
		LogLevel:       v.GetString("log_level"),
		OTELEndpoint:   v.GetString("otel_endpoint"),
		RulesFile:      v.GetString("rules_file"),
		RateLimit:      v.GetFloat64("rate_limit"),
		RateLimitBurst: v.GetInt("rate_limit_burst"),
		Engine: EngineConfig{
			MaxConcurrency: v.GetInt("engine.max_concurrency"),
			CommandTimeout: v.GetDuration("engine.command_timeout"),
			LogLines:       v.GetInt("engine.log_lines"),
			DialRate:       v.GetFloat64("engine.dial_rate"),
			Retention:      v.GetDuration("engine.retention"),
		},
		SSH: SSHConfig{
			ConnectTimeout: v.GetDuration("ssh.connect_timeout"),
			ConnectRetries: v.GetInt("ssh.connect_retries"),
			KnownHosts:     v.GetString("ssh.known_hosts"),
		},
		Kubernetes: KubernetesConfig{
			Kubeconfig: v.GetString("kubernetes.kubeconfig"),
			Namespace:  v.GetString("kubernetes.namespace"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.HTTPPort))
	}
	if c.Engine.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrency must be positive, got %d", c.Engine.MaxConcurrency))
	}
	if c.Engine.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.command_timeout must be positive, got %s", c.Engine.CommandTimeout))
	}
	if c.Engine.LogLines <= 0 {
		errs = append(errs, fmt.Errorf("engine.log_lines must be positive, got %d", c.Engine.LogLines))
	}
	if c.Engine.DialRate < 0 {
		errs = append(errs, fmt.Errorf("engine.dial_rate must not be negative, got %v", c.Engine.DialRate))
	}
	if c.Engine.Retention <= 0 {
		errs = append(errs, fmt.Errorf("engine.retention must be positive, got %s", c.Engine.Retention))
	}
	if c.SSH.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ssh.connect_timeout must be positive, got %s", c.SSH.ConnectTimeout))
	}
	if c.SSH.ConnectRetries < 1 {
		errs = append(errs, fmt.Errorf("ssh.connect_retries must be at least 1, got %d", c.SSH.ConnectRetries))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %v", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit_burst must be positive, got %d", c.RateLimitBurst))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
