// Package config holds chatsync's runtime configuration.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	// ServerURL is the chat server's REST base URL.
	ServerURL string `mapstructure:"server_url"`
	// WebsocketURL defaults to ServerURL with a ws scheme and a /ws path.
	WebsocketURL string `mapstructure:"websocket_url"`
	Token        string `mapstructure:"token"`
	// SigningSecret is the base64 HMAC key. When set the token signature is
	// verified locally.
	SigningSecret string `mapstructure:"signing_secret"`
	// DatabaseDSN switches history reads to the chat server's database.
	DatabaseDSN string `mapstructure:"database_dsn"`

	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	RoomPageSize         int           `mapstructure:"room_page_size"`
	MessagePageSize      int           `mapstructure:"message_page_size"`
	NotificationInterval time.Duration `mapstructure:"notification_interval"`
	MinBackoff           time.Duration `mapstructure:"min_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	Splash               bool          `mapstructure:"splash"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func DefaultConfig() *Config {
	return &Config{
		ServerURL:            "http://localhost:8000",
		ListenAddr:           "localhost:8080",
		RoomPageSize:         20,
		MessagePageSize:      30,
		NotificationInterval: 30 * time.Second,
		MinBackoff:           500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// SigningKey returns the decoded signing secret, or nil when none is set.
func (c *Config) SigningKey() ([]byte, error) {
	if c.SigningSecret == "" {
		return nil, nil
	}
	key, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	return key, nil
}

// DirectMode reports whether history is read from the database.
func (c *Config) DirectMode() bool {
	return c.DatabaseDSN != ""
}

// Validate checks required fields and fills WebsocketURL when empty.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("token cannot be empty")
	}
	if c.ServerURL == "" && c.WebsocketURL == "" {
		return errors.New("server url cannot be empty")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.RoomPageSize <= 0 || c.MessagePageSize <= 0 {
		return errors.New("page sizes must be positive")
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("invalid backoff range %s-%s", c.MinBackoff, c.MaxBackoff)
	}
	if _, err := c.SigningKey(); err != nil {
		return err
	}

	if c.WebsocketURL == "" {
		ws, err := websocketURL(c.ServerURL)
		if err != nil {
			return err
		}
		c.WebsocketURL = ws
	}
	return nil
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return u.String(), nil
}
