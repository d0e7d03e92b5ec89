// Package config loads the engine configuration from TOML, .env files and
// RUNREAPER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/runreaper/internal/cron"
	"github.com/loykin/runreaper/internal/logger"
	tlsconf "github.com/loykin/runreaper/internal/tls"
	"github.com/spf13/viper"
)

const EnvPrefix = "RUNREAPER"

type Config struct {
	EnvFiles   []string         `mapstructure:"env_files"`
	Engine     EngineConfig     `mapstructure:"engine"`
	DSS        DSSConfig        `mapstructure:"dss"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        logger.Config    `mapstructure:"log"`
}

type EngineConfig struct {
	Name            string        `mapstructure:"name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DSSConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ChangeRetention time.Duration `mapstructure:"change_retention"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
}

type HeartbeatConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Poll         time.Duration `mapstructure:"poll"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type DispatcherConfig struct {
	Delay     time.Duration `mapstructure:"delay"`
	MaxJitter time.Duration `mapstructure:"max_jitter"`
}

type ProvidersConfig struct {
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Principal   PrincipalConfig   `mapstructure:"principal"`
}

type CredentialsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type PrincipalConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string         `mapstructure:"listen"`
	BasePath string         `mapstructure:"base_path"`
	TLS      tlsconf.Config `mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	host, _ := os.Hostname()
	if host == "" {
		host = "runreaper"
	}
	v.SetDefault("engine.name", host)
	v.SetDefault("engine.shutdown_timeout", 10*time.Second)

	v.SetDefault("dss.dsn", "memory://")
	v.SetDefault("dss.poll_interval", 250*time.Millisecond)
	v.SetDefault("dss.change_retention", 10*time.Minute)
	v.SetDefault("dss.max_open_conns", 0)

	v.SetDefault("heartbeat.interval", 20*time.Second)
	v.SetDefault("heartbeat.poll", 500*time.Millisecond)
	v.SetDefault("heartbeat.retry_backoff", 2*time.Second)

	v.SetDefault("dispatcher.delay", 10*time.Second)
	v.SetDefault("dispatcher.max_jitter", 20*time.Second)

	v.SetDefault("providers.credentials.enabled", true)
	v.SetDefault("providers.credentials.schedule", "@every 5m")
	v.SetDefault("providers.principal.enabled", false)
	v.SetDefault("providers.principal.schedule", "@every 5m")
	v.SetDefault("providers.principal.endpoint", "")
	v.SetDefault("providers.principal.token", "")
	v.SetDefault("providers.principal.timeout", 10*time.Second)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.common_name", "")
	v.SetDefault("server.tls.dns_names", []string{})
	v.SetDefault("server.tls.valid_days", 365)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
}

// Load reads path (optional) and returns a validated configuration.
// Environment variables override file values, e.g. RUNREAPER_DSS_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		base := filepath.Dir(path)
		for _, f := range v.GetStringSlice("env_files") {
			if !filepath.IsAbs(f) {
				f = filepath.Join(base, f)
			}
			if err := applyEnvFile(f); err != nil {
				return nil, err
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values that would otherwise fail at start-up.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.Name == "" {
		errs = append(errs, errors.New("engine.name must not be empty"))
	}
	if c.DSS.DSN == "" {
		errs = append(errs, errors.New("dss.dsn must not be empty"))
	}
	if c.Heartbeat.Poll <= 0 || c.Heartbeat.Interval < c.Heartbeat.Poll {
		errs = append(errs, fmt.Errorf("heartbeat.interval (%s) must be >= heartbeat.poll (%s) > 0", c.Heartbeat.Interval, c.Heartbeat.Poll))
	}
	if c.Heartbeat.RetryBackoff <= 0 {
		errs = append(errs, errors.New("heartbeat.retry_backoff must be > 0"))
	}
	if c.Dispatcher.Delay <= 0 {
		errs = append(errs, errors.New("dispatcher.delay must be > 0"))
	}
	if c.Dispatcher.MaxJitter < 0 {
		errs = append(errs, errors.New("dispatcher.max_jitter must not be negative"))
	}
	if c.Providers.Credentials.Enabled {
		if err := cron.ValidateSchedule(c.Providers.Credentials.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("providers.credentials.schedule: %w", err))
		}
	}
	if p := c.Providers.Principal; p.Enabled {
		if err := cron.ValidateSchedule(p.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("providers.principal.schedule: %w", err))
		}
		if p.Endpoint == "" {
			errs = append(errs, errors.New("providers.principal.endpoint is required when enabled"))
		}
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file or dir when enabled"))
	}
	if c.History.Enabled && c.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// applyEnvFile sets KEY=VALUE pairs from a .env file for keys not already
// present in the environment. Lines starting with # are ignored.
func applyEnvFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(strings.TrimPrefix(k, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, val); err != nil {
			return err
		}
	}
	return nil
}
