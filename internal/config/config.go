package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Log     LogConfig     `mapstructure:"log"`
	Account AccountConfig `mapstructure:"account"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

// LogConfig controls logger construction
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AccountConfig holds the mirrored IMAP account
type AccountConfig struct {
	Name         string `mapstructure:"name"`
	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	IMAPUsername string `mapstructure:"imap_username"`
	IMAPPassword string `mapstructure:"imap_password"`
	TLS          bool   `mapstructure:"tls"`
	StartTLS     bool   `mapstructure:"starttls"`
}

// Address is host:port for dialing
func (a AccountConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.IMAPHost, a.IMAPPort)
}

// SyncConfig tunes the sync loop
type SyncConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	FullSchedule      string        `mapstructure:"full_schedule"`
	ForceSchedule     string        `mapstructure:"force_schedule"`
	MaxIdle           time.Duration `mapstructure:"max_idle"`
	IdleFolder        string        `mapstructure:"idle_folder"`
	StatusWindow      int           `mapstructure:"status_window"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

// CacheConfig tunes the save loop
type CacheConfig struct {
	SaveInterval   time.Duration `mapstructure:"save_interval"`
	Debounce       time.Duration `mapstructure:"debounce"`
	DiscardCorrupt bool          `mapstructure:"discard_corrupt"`
}

// Home returns the directory holding config.toml and, by default, the data.
// MAILMIRROR_HOME overrides ~/.mailmirror.
func Home() string {
	if dir := os.Getenv("MAILMIRROR_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailmirror"
	}
	return filepath.Join(home, ".mailmirror")
}

// DefaultConfigPath returns the config file used when --config is not given
func DefaultConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", Home())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("account.name", "default")
	v.SetDefault("account.imap_host", "")
	v.SetDefault("account.imap_port", 993)
	v.SetDefault("account.imap_username", "")
	v.SetDefault("account.imap_password", "")
	v.SetDefault("account.tls", true)
	v.SetDefault("account.starttls", false)

	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.full_schedule", "@every 1h")
	v.SetDefault("sync.force_schedule", "@every 24h")
	v.SetDefault("sync.max_idle", 9*time.Minute)
	v.SetDefault("sync.idle_folder", "INBOX")
	v.SetDefault("sync.status_window", 10)
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("sync.retry_base", 5*time.Second)
	v.SetDefault("sync.retry_max", 5*time.Minute)
	v.SetDefault("sync.reconnect_interval", 10*time.Second)

	v.SetDefault("cache.save_interval", 60*time.Second)
	v.SetDefault("cache.debounce", 5*time.Second)
	v.SetDefault("cache.discard_corrupt", false)
}

// Load reads the TOML file at path (DefaultConfigPath when empty) and applies
// MAILMIRROR_* environment overrides. A missing file is not an error. The
// unprefixed IMAP_* variables are still honored for the account.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	v.SetEnvPrefix("MAILMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range map[string]string{
		"account.name":          "ACCOUNT_NAME",
		"account.imap_host":     "IMAP_HOST",
		"account.imap_port":     "IMAP_PORT",
		"account.imap_username": "IMAP_USERNAME",
		"account.imap_password": "IMAP_PASSWORD",
	} {
		envKey := "MAILMIRROR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// CacheDir is the root of the folder cache
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// JournalPath is the SQLite sync-run journal
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// Schedules parses the full and force resync schedules
func (c *Config) Schedules() (full, force cron.Schedule, err error) {
	full, err = cron.ParseStandard(c.Sync.FullSchedule)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sync.full_schedule %q: %w", c.Sync.FullSchedule, err)
	}
	force, err = cron.ParseStandard(c.Sync.ForceSchedule)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sync.force_schedule %q: %w", c.Sync.ForceSchedule, err)
	}
	return full, force, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	acc := &c.Account
	if acc.IMAPHost == "" {
		return fmt.Errorf("account %s: imap_host is required", acc.Name)
	}
	if acc.IMAPUsername == "" {
		return fmt.Errorf("account %s: imap_username is required", acc.Name)
	}
	if acc.IMAPPassword == "" {
		return fmt.Errorf("account %s: imap_password is required", acc.Name)
	}
	if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
		return fmt.Errorf("account %s: invalid imap_port", acc.Name)
	}
	if acc.TLS && acc.StartTLS {
		return fmt.Errorf("account %s: tls and starttls are mutually exclusive", acc.Name)
	}

	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 1000 {
		return fmt.Errorf("sync.batch_size must be between 1 and 1000")
	}
	if c.Sync.StatusWindow < 1 {
		return fmt.Errorf("sync.status_window must be positive")
	}
	if c.Sync.MaxIdle <= 0 || c.Sync.MaxIdle > 29*time.Minute {
		// RFC 2177: servers may drop an idle client after 30 minutes
		return fmt.Errorf("sync.max_idle must be between 0 and 29m")
	}
	if c.Sync.RetryAttempts < 0 {
		return fmt.Errorf("sync.retry_attempts must not be negative")
	}
	if c.Sync.RetryBase <= 0 || c.Sync.RetryMax < c.Sync.RetryBase {
		return fmt.Errorf("sync.retry_base must be positive and no larger than sync.retry_max")
	}
	if _, _, err := c.Schedules(); err != nil {
		return err
	}

	if c.Cache.SaveInterval <= 0 {
		return fmt.Errorf("cache.save_interval must be positive")
	}
	if c.Cache.Debounce < 0 {
		return fmt.Errorf("cache.debounce must not be negative")
	}
	return nil
}
