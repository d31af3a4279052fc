package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAILMIRROR_HOME", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Sync.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxIdle != 9*time.Minute {
		t.Errorf("MaxIdle = %v, want 9m", cfg.Sync.MaxIdle)
	}
	if cfg.Sync.FullSchedule != "@every 1h" || cfg.Sync.ForceSchedule != "@every 24h" {
		t.Errorf("schedules = %q, %q", cfg.Sync.FullSchedule, cfg.Sync.ForceSchedule)
	}
	if cfg.Cache.SaveInterval != time.Minute || cfg.Cache.Debounce != 5*time.Second {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Account.IMAPPort != 993 || !cfg.Account.TLS {
		t.Errorf("account = %+v", cfg.Account)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/var/lib/mailmirror"

[account]
name = "work"
imap_host = "imap.example.com"
imap_username = "me@example.com"
imap_password = "secret"

[sync]
batch_size = 50
max_idle = "5m"
full_schedule = "*/30 * * * *"
`)
	t.Setenv("MAILMIRROR_SYNC_BATCH_SIZE", "25")
	t.Setenv("MAILMIRROR_ACCOUNT_IMAP_PASSWORD", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/mailmirror" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want env override 25", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxIdle != 5*time.Minute {
		t.Errorf("MaxIdle = %v, want 5m", cfg.Sync.MaxIdle)
	}
	if cfg.Account.IMAPPassword != "from-env" {
		t.Errorf("IMAPPassword = %q, want env override", cfg.Account.IMAPPassword)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if cfg.JournalPath() != "/var/lib/mailmirror/journal.db" {
		t.Errorf("JournalPath() = %s", cfg.JournalPath())
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("MAILMIRROR_HOME", t.TempDir())
	t.Setenv("IMAP_HOST", "legacy.example.com")
	t.Setenv("IMAP_PORT", "143")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Account.IMAPHost != "legacy.example.com" || cfg.Account.IMAPPort != 143 {
		t.Errorf("account = %+v", cfg.Account)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "[sync\nbatch_size = ")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func validConfig() *Config {
	return &Config{
		DataDir: "/tmp/mm",
		Account: AccountConfig{
			Name:         "default",
			IMAPHost:     "imap.example.com",
			IMAPPort:     993,
			IMAPUsername: "me",
			IMAPPassword: "pw",
			TLS:          true,
		},
		Sync: SyncConfig{
			BatchSize:     100,
			FullSchedule:  "@every 1h",
			ForceSchedule: "@every 24h",
			MaxIdle:       9 * time.Minute,
			IdleFolder:    "INBOX",
			StatusWindow:  10,
			RetryAttempts: 3,
			RetryBase:     5 * time.Second,
			RetryMax:      5 * time.Minute,
		},
		Cache: CacheConfig{SaveInterval: time.Minute, Debounce: 5 * time.Second},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing host", func(c *Config) { c.Account.IMAPHost = "" }, "imap_host"},
		{"bad port", func(c *Config) { c.Account.IMAPPort = 70000 }, "imap_port"},
		{"tls and starttls", func(c *Config) { c.Account.StartTLS = true }, "mutually exclusive"},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, "batch_size"},
		{"idle too long", func(c *Config) { c.Sync.MaxIdle = time.Hour }, "max_idle"},
		{"bad schedule", func(c *Config) { c.Sync.FullSchedule = "every hour" }, "full_schedule"},
		{"retry bounds", func(c *Config) { c.Sync.RetryMax = time.Second }, "retry_base"},
		{"save interval", func(c *Config) { c.Cache.SaveInterval = 0 }, "save_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchedules(t *testing.T) {
	cfg := validConfig()
	full, force, err := cfg.Schedules()
	if err != nil {
		t.Fatalf("Schedules: %v", err)
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := full.Next(start); !got.Equal(start.Add(time.Hour)) {
		t.Errorf("full.Next = %v", got)
	}
	if got := force.Next(start); !got.Equal(start.Add(24 * time.Hour)) {
		t.Errorf("force.Next = %v", got)
	}
}
