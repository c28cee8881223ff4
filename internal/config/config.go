package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxFileSizeMB = 16
	defaultListenAddr    = ":8090"
	defaultDBDriver      = "sqlite3"
	defaultDBDSN         = "./data/p12bot.db"
	defaultSessionTTL    = 30 * time.Minute
)

// Config represents runtime configuration for the service. Everything is
// environment-sourced; only the bot token is mandatory.
type Config struct {
	BotToken      string
	ExternalURL   string
	WebhookSecret string
	MaxFileSizeMB int
	ListenAddr    string
	TempDir       string
	SessionTTL    time.Duration

	Database DatabaseConfig
	Redis    RedisConfig
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// FromEnv builds the configuration from the process environment.
func FromEnv() (*Config, error) {
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN must be set")
	}

	cfg := &Config{
		BotToken:      token,
		ExternalURL:   strings.TrimRight(strings.TrimSpace(os.Getenv("EXTERNAL_BASE_URL")), "/"),
		WebhookSecret: strings.TrimSpace(os.Getenv("TELEGRAM_WEBHOOK_SECRET")),
		MaxFileSizeMB: intFromEnv("MAX_FILE_SIZE_MB", defaultMaxFileSizeMB),
		ListenAddr:    stringFromEnv("P12BOT_ADDR", defaultListenAddr),
		TempDir:       os.Getenv("P12BOT_TEMP_DIR"),
		SessionTTL:    defaultSessionTTL,
		Database: DatabaseConfig{
			Driver: stringFromEnv("P12BOT_DB", defaultDBDriver),
			DSN:    stringFromEnv("P12BOT_DSN", defaultDBDSN),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(os.Getenv("P12BOT_REDIS_ADDR")),
			Password: os.Getenv("P12BOT_REDIS_PASSWORD"),
			DB:       intFromEnv("P12BOT_REDIS_DB", 0),
		},
	}

	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if ttlMin := intFromEnv("P12BOT_SESSION_TTL_MIN", 0); ttlMin > 0 {
		cfg.SessionTTL = time.Duration(ttlMin) * time.Minute
	}
	return cfg, nil
}

// MaxFileBytes returns the upload limit in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

// WebhookPath returns the bot-token-suffixed webhook route.
func (c *Config) WebhookPath() string {
	return "/webhook/" + c.BotToken
}

// WebhookURL joins the external base URL with the webhook path. Empty when
// no external URL is configured.
func (c *Config) WebhookURL() string {
	if c.ExternalURL == "" {
		return ""
	}
	return c.ExternalURL + c.WebhookPath()
}

func stringFromEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intFromEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid %s=%q, using %d\n", key, raw, fallback)
		return fallback
	}
	return v
}
