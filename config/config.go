// ABOUTME: Environment-backed application configuration
// ABOUTME: Loads .env files and parses settings into an injectable Config value
package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// GoogleScopes are the OAuth scopes requested during the link handshake.
var GoogleScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/gmail.readonly",
}

// Config carries all externally supplied settings. It is passed explicitly
// to constructors; nothing reads the process environment after Load.
type Config struct {
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost:8080/oauth/callback"`
	GooglePubSubTopic  string `env:"GOOGLE_PUBSUB_TOPIC"`

	// StateSecret signs the short-lived OAuth state tokens.
	StateSecret string `env:"VCAL_STATE_SECRET"`

	DatabasePath string        `env:"VCAL_DB_PATH"`
	APITimeout   time.Duration `env:"GOOGLE_API_TIMEOUT" envDefault:"15s"`

	// APIRateLimit caps outbound Google API calls per second.
	APIRateLimit float64 `env:"GOOGLE_API_RATE_LIMIT" envDefault:"5"`
}

// Load reads an optional .env file and the process environment.
func Load() (*Config, error) {
	// Missing .env is fine; environment variables still apply.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(xdg.DataHome, "vcal", "vcal.db")
	}
	if cfg.StateSecret == "" {
		// Fall back to the client secret so single-binary setups work
		// without an extra variable.
		cfg.StateSecret = cfg.GoogleClientSecret
	}

	return cfg, nil
}

// HasGoogleClient reports whether OAuth client credentials are present.
func (c *Config) HasGoogleClient() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}
