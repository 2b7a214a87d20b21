package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/memohai/concierge/internal/errs"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Backend != StorageBackendLocal {
		t.Fatalf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Schedule.SweepSpec != DefaultSweepSpec {
		t.Fatalf("sweep spec = %q", cfg.Schedule.SweepSpec)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
addr = ":9090"

[channel]
type = "relay"

[channel.relay]
send_url = "https://relay.example.com/send"
signing_secret = "file-secret"

[channel.outbound]
max_attempts = 5
backoff_base_ms = 250
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONCIERGE_RELAY_SIGNING_SECRET", "env-secret")
	t.Setenv("CONCIERGE_OUTBOUND_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Channel.Relay.SendURL != "https://relay.example.com/send" {
		t.Fatalf("send url = %q", cfg.Channel.Relay.SendURL)
	}
	if cfg.Channel.Relay.SigningSecret != "env-secret" {
		t.Fatalf("env override not applied: %q", cfg.Channel.Relay.SigningSecret)
	}
	if cfg.Channel.Outbound.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d", cfg.Channel.Outbound.MaxAttempts)
	}
	if cfg.Channel.Outbound.BackoffBaseMs != 250 {
		t.Fatalf("backoff = %d", cfg.Channel.Outbound.BackoffBaseMs)
	}
	if cfg.Postgres.Database != DefaultPGDatabase {
		t.Fatalf("defaults lost: %q", cfg.Postgres.Database)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Default()
	valid.Auth.JWTSecret = "secret"
	valid.Channel.WhatsApp.PhoneNumberID = "123"
	valid.Channel.WhatsApp.AccessToken = "token"
	valid.Channel.WhatsApp.AppSecret = "app-secret"

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing jwt secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: true},
		{name: "missing whatsapp token", mutate: func(c *Config) { c.Channel.WhatsApp.AccessToken = "" }, wantErr: true},
		{name: "unknown channel", mutate: func(c *Config) { c.Channel.Type = "sms" }, wantErr: true},
		{name: "gridfs without uri", mutate: func(c *Config) { c.Storage.Backend = StorageBackendGridFS }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: true},
		{name: "stale window shorter than backoff plus send", mutate: func(c *Config) { c.Schedule.StalePendingSeconds = 20 }, wantErr: true},
		{name: "stale window equal to pending bound", mutate: func(c *Config) { c.Schedule.StalePendingSeconds = 25 }, wantErr: true},
		{name: "stale window above pending bound", mutate: func(c *Config) { c.Schedule.StalePendingSeconds = 26 }},
		{name: "rate limit stretches bound to target timeout", mutate: func(c *Config) {
			c.Channel.Outbound.RatePerSecond = 5
			c.Schedule.StalePendingSeconds = 60
		}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v got %v", tc.wantErr, err)
			}
			if err != nil && !errors.Is(err, errs.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "concierge", SSLMode: "disable", MaxConns: 8}
	want := "postgres://u:p@db:5432/concierge?sslmode=disable&pool_max_conns=8"
	if got := cfg.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}

func TestMaxPendingOpen(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  OutboundConfig
		want time.Duration
	}{
		{name: "defaults", cfg: OutboundConfig{}, want: 25 * time.Second},
		{name: "capped by target timeout", cfg: OutboundConfig{MaxBackoffMs: 60_000, SendTimeoutMs: 60_000, TargetTimeoutMs: 90_000}, want: 90 * time.Second},
		{name: "backoff never below base", cfg: OutboundConfig{BackoffBaseMs: 20_000, MaxBackoffMs: 1_000, SendTimeoutMs: 5_000}, want: 25 * time.Second},
		{name: "rate limited", cfg: OutboundConfig{RatePerSecond: 1, TargetTimeoutMs: 30_000}, want: 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.cfg.MaxPendingOpen(); got != tc.want {
				t.Fatalf("MaxPendingOpen() = %s, want %s", got, tc.want)
			}
		})
	}
}
