package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	ServerAddr     string
	APIBaseURL     string
	WSBaseURL      string
	DatabaseDSN    string
	Token          string
	AllowedOrigins []string
	SoundEnabled   bool
	SoundVolume    float64
	RefreshEvery   time.Duration
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("url %q must use one of %v", raw, schemes)
}

// NewConfig validates the flag values. An empty DSN disables the
// notification archive; an empty token starts the session logged out.
func NewConfig(serverAddr, apiBaseURL, wsBaseURL, databaseDSN, token string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if apiBaseURL == "" {
		return nil, fmt.Errorf("api base url cannot be empty")
	}
	if err := validateURL(apiBaseURL, "http", "https"); err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if wsBaseURL == "" {
		return nil, fmt.Errorf("websocket base url cannot be empty")
	}
	if err := validateURL(wsBaseURL, "ws", "wss"); err != nil {
		return nil, fmt.Errorf("websocket base url: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		APIBaseURL:     apiBaseURL,
		WSBaseURL:      wsBaseURL,
		DatabaseDSN:    databaseDSN,
		Token:          token,
		AllowedOrigins: allowedOrigins,
		SoundEnabled:   true,
		SoundVolume:    0.3,
		RefreshEvery:   time.Minute,
	}, nil
}

// WithSound sets the chime preferences, clamping the volume to [0, 1].
func (c *Config) WithSound(enabled bool, volume float64) *Config {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}

	c.SoundEnabled = enabled
	c.SoundVolume = volume
	return c
}
