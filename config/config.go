// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For backend-specific settings, use ValidateStore and ValidateSource.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultStreamerID is watched when STREAMER_ID is unset.
const DefaultStreamerID = "phonics1"

// Transport sources.
const (
	SourceSOOP   = "soop"
	SourceTwitch = "twitch"
)

type Config struct {
	Env     string `env:"ENV" envDefault:"dev"`
	EnvFile string `env:"ENV_FILE" envDefault:".env"`
	Addr    string `env:"HTTP_ADDR" envDefault:":3000"`

	// Transport
	Source           string        `env:"SOURCE" envDefault:"soop"`
	StreamerID       string        `env:"STREAMER_ID" envDefault:"phonics1"`
	SOOPChatURL      string        `env:"SOOP_CHAT_URL"`
	SOOPOrigin       string        `env:"SOOP_ORIGIN" envDefault:"https://play.sooplive.co.kr"`
	SOOPHandshake    []string      `env:"SOOP_HANDSHAKE" envSeparator:","`
	ReconnectDelay   time.Duration `env:"RECONNECT_DELAY" envDefault:"10s"`
	TwitchBotUser    string        `env:"TWITCH_BOT_USERNAME"`
	TwitchOAuthToken string        `env:"TWITCH_OAUTH_TOKEN"`
	TwitchIRCAddress string        `env:"TWITCH_IRC_ADDRESS"`

	// Engine
	DedupWindow     time.Duration `env:"DEDUP_WINDOW" envDefault:"5s"`
	LookBackSize    int           `env:"LOOKBACK_SIZE" envDefault:"50"`
	LookBackWindow  time.Duration `env:"LOOKBACK_WINDOW" envDefault:"10s"`
	TemplatesFile   string        `env:"TEMPLATES_FILE"`
	SnapshotDelay   time.Duration `env:"SNAPSHOT_DEBOUNCE" envDefault:"1s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Storage
	StoreBackend string `env:"STORE_BACKEND" envDefault:"file"`
	SnapshotPath string `env:"SNAPSHOT_PATH" envDefault:"data/state.json"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"data/state.db"`
	DBDsn        string `env:"DB_DSN"`

	// Dashboard
	AdminPassword      string        `env:"ADMIN_PASSWORD"`
	CORSPermissive     string        `env:"CORS_PERMISSIVE"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	RateLimitEnabled   bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRequests  int           `env:"RATE_LIMIT_REQUESTS_PER_IP" envDefault:"10"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	ExportTimeZone     string        `env:"EXPORT_TIMEZONE" envDefault:"Asia/Seoul"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads the .env file named by ENV_FILE (if present) and then the
// environment. Variables already set in the environment win over the file.
func Load() (*Config, error) {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path) // optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	return cfg, nil
}

// ValidateStore checks the settings the selected snapshot backend needs.
func (c *Config) ValidateStore() error {
	switch c.StoreBackend {
	case "file":
		if c.SnapshotPath == "" {
			return fmt.Errorf("STORE_BACKEND=file requires SNAPSHOT_PATH")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("STORE_BACKEND=sqlite requires SQLITE_PATH")
		}
	case "postgres":
		if c.DBDsn == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires DB_DSN")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want file, sqlite or postgres)", c.StoreBackend)
	}
	return nil
}

// StoreLocation returns the path or DSN for the selected backend.
func (c *Config) StoreLocation() string {
	switch c.StoreBackend {
	case "sqlite":
		return c.SQLitePath
	case "postgres":
		return c.DBDsn
	default:
		return c.SnapshotPath
	}
}

// ValidateSource checks the settings the selected transport needs.
func (c *Config) ValidateSource() error {
	switch c.Source {
	case SourceSOOP:
		if c.SOOPChatURL == "" {
			return fmt.Errorf("missing soop env: require SOOP_CHAT_URL")
		}
	case SourceTwitch:
		if (c.TwitchBotUser == "") != (c.TwitchOAuthToken == "") {
			return fmt.Errorf("twitch env: set both TWITCH_BOT_USERNAME and TWITCH_OAUTH_TOKEN, or neither for anonymous chat")
		}
	default:
		return fmt.Errorf("unknown SOURCE %q (want soop or twitch)", c.Source)
	}
	return nil
}

// CORSIsPermissive reports whether every origin is allowed: true in
// development unless CORS_PERMISSIVE overrides it.
func (c *Config) CORSIsPermissive() bool {
	if c.CORSPermissive != "" {
		return c.CORSPermissive == "1" || strings.EqualFold(c.CORSPermissive, "true")
	}
	mode := strings.ToLower(c.Env)
	return mode == "" || mode == "dev" || mode == "development"
}

// HandshakePackets decodes SOOP_HANDSHAKE, a comma-separated list of
// base64 packets written after every connect.
func (c *Config) HandshakePackets() ([][]byte, error) {
	var out [][]byte
	for i, p := range c.SOOPHandshake {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("SOOP_HANDSHAKE packet %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Location returns the export time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ExportTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
