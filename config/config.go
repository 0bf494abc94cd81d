// Package config loads the demo server configuration from the environment,
// after merging an optional .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	Facebook FacebookConfig `envPrefix:"FACEBOOK_"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// PublicURL is the externally visible base URL, used for the login
	// redirect_uri.
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`

	// CookieKey is a base64url XChaCha20-Poly1305 key for the token cookie.
	// When empty the token cookie is disabled.
	CookieKey    string `env:"COOKIE_KEY"`
	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"true"`

	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
}

// FacebookConfig holds the application credentials and exchange settings.
type FacebookConfig struct {
	AppID           string        `env:"APP_ID,notEmpty"`
	Secret          string        `env:"SECRET,notEmpty"`
	RedirectURI     string        `env:"REDIRECT_URI"`
	TokenURL        string        `env:"TOKEN_URL"`
	ExchangeTimeout time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"10s"`
}

// Load reads files (default ".env") into the environment, without overriding
// variables already set, then parses Config. Missing files are not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			slog.Debug("config: env file not loaded", slog.String("file", f), slog.Any("error", err))
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Facebook.ExchangeTimeout <= 0 {
		return errors.New("config: FACEBOOK_EXCHANGE_TIMEOUT must be positive")
	}
	if c.CookieKey != "" {
		if _, err := c.CookieKeyBytes(); err != nil {
			return err
		}
	}
	return nil
}

// CookieKeyBytes decodes CookieKey. It returns nil when no key is configured.
func (c *Config) CookieKeyBytes() ([]byte, error) {
	if c.CookieKey == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(c.CookieKey)
	if err != nil {
		return nil, fmt.Errorf("config: COOKIE_KEY: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("config: COOKIE_KEY must decode to 32 bytes, got %d", len(b))
	}
	return b, nil
}
