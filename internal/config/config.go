package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	env "github.com/Netflix/go-env"

	"github.com/memohai/concierge/internal/errs"
)

const (
	DefaultConfigPath         = "config.toml"
	DefaultHTTPAddr           = ":8080"
	DefaultJWTExpiresIn       = "24h"
	DefaultPGHost             = "127.0.0.1"
	DefaultPGPort             = 5432
	DefaultPGUser             = "postgres"
	DefaultPGDatabase         = "concierge"
	DefaultPGSSLMode          = "disable"
	DefaultStorageBackend     = StorageBackendLocal
	DefaultStorageRoot        = "data/media"
	DefaultGridFSBucket       = "attachments"
	DefaultMaxAttachmentBytes = 64 * 1024 * 1024
	DefaultChannelType        = "whatsapp"
	DefaultWhatsAppAPIBaseURL = "https://graph.facebook.com/v21.0"
	DefaultInboundDedupTTL    = 24 * 60 * 60
	DefaultSessionBuffer      = 64
	DefaultSweepSpec          = "@every 1m"
	DefaultPruneSpec          = "@every 1h"
	DefaultStalePendingSecs   = 300
	DefaultOrphanMaxAgeSecs   = 24 * 60 * 60
)

// Outbound retry defaults, applied when a field is zero.
const (
	DefaultOutboundMaxAttempts     = 3
	DefaultOutboundBackoffBaseMs   = 500
	DefaultOutboundMaxBackoffMs    = 10_000
	DefaultOutboundSendTimeoutMs   = 15_000
	DefaultOutboundTargetTimeoutMs = 120_000
)

const (
	StorageBackendLocal  = "local"
	StorageBackendGridFS = "gridfs"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Storage  StorageConfig  `toml:"storage"`
	Channel  ChannelConfig  `toml:"channel"`
	Live     LiveConfig     `toml:"live"`
	Schedule ScheduleConfig `toml:"schedule"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"CONCIERGE_LOG_LEVEL"`
	Format string `toml:"format" env:"CONCIERGE_LOG_FORMAT"`
}

type ServerConfig struct {
	Addr string `toml:"addr" env:"CONCIERGE_HTTP_ADDR"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" env:"CONCIERGE_JWT_SECRET"`
	JWTExpiresIn string `toml:"jwt_expires_in" env:"CONCIERGE_JWT_EXPIRES_IN"`
}

type PostgresConfig struct {
	Host        string `toml:"host" env:"CONCIERGE_PG_HOST"`
	Port        int    `toml:"port" env:"CONCIERGE_PG_PORT"`
	User        string `toml:"user" env:"CONCIERGE_PG_USER"`
	Password    string `toml:"password" env:"CONCIERGE_PG_PASSWORD"`
	Database    string `toml:"database" env:"CONCIERGE_PG_DATABASE"`
	SSLMode     string `toml:"sslmode" env:"CONCIERGE_PG_SSLMODE"`
	MaxConns    int    `toml:"max_conns" env:"CONCIERGE_PG_MAX_CONNS"`
	AutoMigrate bool   `toml:"auto_migrate" env:"CONCIERGE_PG_AUTO_MIGRATE"`
}

// DSN renders the connection string understood by pgx.
func (c PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
	if c.MaxConns > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", c.MaxConns)
	}
	return dsn
}

type RedisConfig struct {
	Addr            string `toml:"addr" env:"CONCIERGE_REDIS_ADDR"`
	Password        string `toml:"password" env:"CONCIERGE_REDIS_PASSWORD"`
	DB              int    `toml:"db" env:"CONCIERGE_REDIS_DB"`
	InboundDedupTTL int    `toml:"inbound_dedup_ttl_seconds" env:"CONCIERGE_REDIS_INBOUND_DEDUP_TTL"`
}

// Enabled reports whether a Redis endpoint is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type StorageConfig struct {
	Backend            string       `toml:"backend" env:"CONCIERGE_STORAGE_BACKEND"`
	MaxAttachmentBytes int64        `toml:"max_attachment_bytes" env:"CONCIERGE_STORAGE_MAX_ATTACHMENT_BYTES"`
	Local              LocalConfig  `toml:"local"`
	GridFS             GridFSConfig `toml:"gridfs"`
}

type LocalConfig struct {
	Root string `toml:"root" env:"CONCIERGE_STORAGE_LOCAL_ROOT"`
	// PublicBaseURL is where a static server exposes Root, used for relay media links.
	PublicBaseURL string `toml:"public_base_url" env:"CONCIERGE_STORAGE_LOCAL_PUBLIC_BASE_URL"`
}

type GridFSConfig struct {
	URI      string `toml:"uri" env:"CONCIERGE_STORAGE_GRIDFS_URI"`
	Database string `toml:"database" env:"CONCIERGE_STORAGE_GRIDFS_DATABASE"`
	Bucket   string `toml:"bucket" env:"CONCIERGE_STORAGE_GRIDFS_BUCKET"`
}

type ChannelConfig struct {
	Type     string         `toml:"type" env:"CONCIERGE_CHANNEL_TYPE"`
	WhatsApp WhatsAppConfig `toml:"whatsapp"`
	Relay    RelayConfig    `toml:"relay"`
	Outbound OutboundConfig `toml:"outbound"`
}

type WhatsAppConfig struct {
	APIBaseURL    string `toml:"api_base_url" env:"CONCIERGE_WHATSAPP_API_BASE_URL"`
	PhoneNumberID string `toml:"phone_number_id" env:"CONCIERGE_WHATSAPP_PHONE_NUMBER_ID"`
	AccessToken   string `toml:"access_token" env:"CONCIERGE_WHATSAPP_ACCESS_TOKEN"`
	AppSecret     string `toml:"app_secret" env:"CONCIERGE_WHATSAPP_APP_SECRET"`
	VerifyToken   string `toml:"verify_token" env:"CONCIERGE_WHATSAPP_VERIFY_TOKEN"`
}

type RelayConfig struct {
	SendURL       string `toml:"send_url" env:"CONCIERGE_RELAY_SEND_URL"`
	APIKey        string `toml:"api_key" env:"CONCIERGE_RELAY_API_KEY"`
	SigningSecret string `toml:"signing_secret" env:"CONCIERGE_RELAY_SIGNING_SECRET"`
}

// OutboundConfig carries the retry policy for external sends. Zero values
// fall back to the channel defaults.
type OutboundConfig struct {
	MaxAttempts     int     `toml:"max_attempts" env:"CONCIERGE_OUTBOUND_MAX_ATTEMPTS"`
	BackoffBaseMs   int     `toml:"backoff_base_ms" env:"CONCIERGE_OUTBOUND_BACKOFF_BASE_MS"`
	MaxBackoffMs    int     `toml:"max_backoff_ms" env:"CONCIERGE_OUTBOUND_MAX_BACKOFF_MS"`
	SendTimeoutMs   int     `toml:"send_timeout_ms" env:"CONCIERGE_OUTBOUND_SEND_TIMEOUT_MS"`
	TargetTimeoutMs int     `toml:"target_timeout_ms" env:"CONCIERGE_OUTBOUND_TARGET_TIMEOUT_MS"`
	RatePerSecond   float64 `toml:"rate_per_second" env:"CONCIERGE_OUTBOUND_RATE_PER_SECOND"`
}

// MaxPendingOpen is the longest a pending attempt row can stay unanswered
// while its dispatcher is alive: the backoff before the send plus the send
// itself, never beyond the target deadline. Rate limiting can stretch the
// wait up to that deadline.
func (c OutboundConfig) MaxPendingOpen() time.Duration {
	base := orDefault(c.BackoffBaseMs, DefaultOutboundBackoffBaseMs)
	maxBackoff := max(orDefault(c.MaxBackoffMs, DefaultOutboundMaxBackoffMs), base)
	send := orDefault(c.SendTimeoutMs, DefaultOutboundSendTimeoutMs)
	target := orDefault(c.TargetTimeoutMs, DefaultOutboundTargetTimeoutMs)
	open := maxBackoff + send
	if c.RatePerSecond > 0 || open > target {
		open = target
	}
	return time.Duration(open) * time.Millisecond
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type LiveConfig struct {
	SessionBuffer int `toml:"session_buffer" env:"CONCIERGE_LIVE_SESSION_BUFFER"`
}

type ScheduleConfig struct {
	SweepSpec           string `toml:"sweep_spec" env:"CONCIERGE_SCHEDULE_SWEEP_SPEC"`
	StalePendingSeconds int    `toml:"stale_pending_seconds" env:"CONCIERGE_SCHEDULE_STALE_PENDING_SECONDS"`
	PruneSpec           string `toml:"prune_spec" env:"CONCIERGE_SCHEDULE_PRUNE_SPEC"`
	OrphanMaxAgeSeconds int    `toml:"orphan_max_age_seconds" env:"CONCIERGE_SCHEDULE_ORPHAN_MAX_AGE_SECONDS"`
}

// Default returns the configuration used when no file or environment is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			InboundDedupTTL: DefaultInboundDedupTTL,
		},
		Storage: StorageConfig{
			Backend:            DefaultStorageBackend,
			MaxAttachmentBytes: DefaultMaxAttachmentBytes,
			Local:              LocalConfig{Root: DefaultStorageRoot},
			GridFS:             GridFSConfig{Database: DefaultPGDatabase, Bucket: DefaultGridFSBucket},
		},
		Channel: ChannelConfig{
			Type:     DefaultChannelType,
			WhatsApp: WhatsAppConfig{APIBaseURL: DefaultWhatsAppAPIBaseURL},
		},
		Live: LiveConfig{
			SessionBuffer: DefaultSessionBuffer,
		},
		Schedule: ScheduleConfig{
			SweepSpec:           DefaultSweepSpec,
			StalePendingSeconds: DefaultStalePendingSecs,
			PruneSpec:           DefaultPruneSpec,
			OrphanMaxAgeSeconds: DefaultOrphanMaxAgeSecs,
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// CONCIERGE_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("apply environment: %w", err)
	}
	return cfg, nil
}

// Validate reports configuration that makes the service unable to start.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errs.Configuration("auth.jwt_secret is required")
	}
	switch c.Storage.Backend {
	case StorageBackendLocal:
		if strings.TrimSpace(c.Storage.Local.Root) == "" {
			return errs.Configuration("storage.local.root is required")
		}
	case StorageBackendGridFS:
		if strings.TrimSpace(c.Storage.GridFS.URI) == "" {
			return errs.Configuration("storage.gridfs.uri is required")
		}
	default:
		return errs.Configuration("unknown storage backend %q", c.Storage.Backend)
	}
	stale := time.Duration(c.Schedule.StalePendingSeconds) * time.Second
	if open := c.Channel.Outbound.MaxPendingOpen(); stale <= open {
		return errs.Configuration("schedule.stale_pending_seconds (%s) must exceed the longest pending attempt (%s)", stale, open)
	}
	switch c.Channel.Type {
	case "whatsapp":
		wa := c.Channel.WhatsApp
		if wa.PhoneNumberID == "" || wa.AccessToken == "" || wa.AppSecret == "" {
			return errs.Configuration("channel.whatsapp requires phone_number_id, access_token and app_secret")
		}
	case "relay":
		relay := c.Channel.Relay
		if relay.SendURL == "" || relay.SigningSecret == "" {
			return errs.Configuration("channel.relay requires send_url and signing_secret")
		}
	default:
		return errs.Configuration("unknown channel type %q", c.Channel.Type)
	}
	return nil
}
