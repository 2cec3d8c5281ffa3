package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/rolewatch/internal/chat"
	"github.com/loykin/rolewatch/internal/logger"
)

// EnvPrefix is prepended to every environment override, e.g.
// ROLEWATCH_PROVIDER_API_KEY for provider.api_key.
const EnvPrefix = "ROLEWATCH"

var ErrMissingOrgID = errors.New("org_id is required")

// Config represents the top-level TOML structure.
type Config struct {
	OrgID      string           `mapstructure:"org_id"`
	AutoStart  bool             `mapstructure:"auto_start"`
	EnvFiles   []string         `mapstructure:"env_files"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Store      StoreConfig      `mapstructure:"store"`
	History    HistoryConfig    `mapstructure:"history"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

type ProviderConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	AppID      string        `mapstructure:"app_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec int           `mapstructure:"rate_per_sec"`
	PageSize   int           `mapstructure:"page_size"`
}

// StoreConfig selects the cursor/notification store by DSN:
// memory://, sqlite://path, a bare path or postgres://...
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig enables mention event export. DSN accepts the store schemes
// plus clickhouse:// and opensearch://.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type PollerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxFailedCycles int           `mapstructure:"max_failed_cycles"`
}

type SupervisorConfig struct {
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	RestartCooldown    time.Duration `mapstructure:"restart_cooldown"`
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts"`
	DiscoveryTimeout   time.Duration `mapstructure:"discovery_timeout"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// AdminToken or AdminTokenHash (bcrypt) guards the control endpoints.
	// Both empty leaves the control surface open.
	AdminToken     string     `mapstructure:"admin_token"`
	AdminTokenHash string     `mapstructure:"admin_token_hash"`
	TLSMinVersion  string     `mapstructure:"tls_min_version"`
	TLSMaxVersion  string     `mapstructure:"tls_max_version"`
	TLS            *TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the control server.
	Listen      string `mapstructure:"listen"`
	SelfMetrics bool   `mapstructure:"self_metrics"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	Source     bool   `mapstructure:"source"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Logger converts the section to a logger.Config.
func (l LogConfig) Logger() logger.Config {
	c := logger.DefaultConfig()
	if lv, ok := logger.ParseLevel(l.Level); ok {
		c.Slog.Level = lv
	}
	if strings.EqualFold(l.Format, string(logger.FormatJSON)) {
		c.Slog.Format = logger.FormatJSON
	}
	c.Slog.Color = l.Color
	c.Slog.Source = l.Source
	c.File = logger.FileConfig{
		Path:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("org_id", "")
	v.SetDefault("auto_start", false)
	v.SetDefault("provider.base_url", "https://api.whop.com/api/v5")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.app_id", "")
	v.SetDefault("provider.timeout", "10s")
	v.SetDefault("provider.rate_per_sec", 10)
	v.SetDefault("provider.page_size", 50)
	v.SetDefault("store.dsn", "sqlite://rolewatch.db")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("poller.interval", "3s")
	v.SetDefault("poller.call_timeout", "15s")
	v.SetDefault("poller.concurrency", 8)
	v.SetDefault("poller.max_failed_cycles", 20)
	v.SetDefault("supervisor.health_interval", "30s")
	v.SetDefault("supervisor.restart_cooldown", "30s")
	v.SetDefault("supervisor.max_restart_attempts", 5)
	v.SetDefault("supervisor.discovery_timeout", "30s")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.admin_token_hash", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.self_metrics", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Load reads the TOML file at path (optional: empty path uses defaults and
// environment only), applies env_files and ROLEWATCH_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// env files fill variables the process does not already have, so they
	// must be applied before Unmarshal resolves the overrides
	for _, p := range v.GetStringSlice("env_files") {
		if !filepath.IsAbs(p) && path != "" {
			p = filepath.Join(filepath.Dir(path), p)
		}
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, val := range pairs {
			if _, ok := os.LookupEnv(k); !ok {
				_ = os.Setenv(k, val)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.OrgID = strings.TrimSpace(c.OrgID)
	return &c, nil
}

// Validate reports configuration errors that make the service unable to run.
func (c *Config) Validate() error {
	var errs []error
	if c.OrgID == "" {
		errs = append(errs, ErrMissingOrgID)
	}
	if strings.TrimSpace(c.Provider.APIKey) == "" || strings.TrimSpace(c.Provider.AppID) == "" {
		errs = append(errs, chat.ErrMissingCredentials)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"poller.interval", c.Poller.Interval},
		{"poller.call_timeout", c.Poller.CallTimeout},
		{"supervisor.health_interval", c.Supervisor.HealthInterval},
		{"supervisor.restart_cooldown", c.Supervisor.RestartCooldown},
		{"supervisor.discovery_timeout", c.Supervisor.DiscoveryTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.Poller.Concurrency <= 0 {
		errs = append(errs, errors.New("poller.concurrency must be positive"))
	}
	if c.Supervisor.MaxRestartAttempts <= 0 {
		errs = append(errs, errors.New("supervisor.max_restart_attempts must be positive"))
	}
	if c.Server.TLS != nil && c.Server.TLS.Enabled {
		t := c.Server.TLS
		if (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
			errs = append(errs, errors.New("server.tls requires cert_file and key_file, or dir"))
		}
	}
	return errors.Join(errs...)
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
