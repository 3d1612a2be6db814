package triplink

import (
	"context"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/TripLink/triplink-chat-sdk/localstore"
)

// Defaults for local development. The hub and the REST gateway sit behind
// different local ports.
const (
	defaultHubGateway = "http://localhost:5001"
	defaultAPIGateway = "http://localhost:5003"
	hubPath           = "/hubs/chat"
)

// Config resolves the hub and gateway endpoints from the environment.
type Config struct {
	// ChatHub overrides the full hub URL when set.
	ChatHub string `env:"TRIPLINK_CHAT_HUB"`
	// APIGateway is the platform gateway base URL.
	APIGateway string `env:"TRIPLINK_API_GATEWAY"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// HubURL returns the message-hub endpoint: the explicit override when set,
// otherwise the gateway with the hub path appended.
func (c Config) HubURL() string {
	if c.ChatHub != "" {
		return c.ChatHub
	}
	gateway := c.APIGateway
	if gateway == "" {
		gateway = defaultHubGateway
	}
	return strings.TrimRight(gateway, "/") + hubPath
}

// APIBaseURL returns the REST gateway base URL.
func (c Config) APIBaseURL() string {
	if c.APIGateway != "" {
		return strings.TrimRight(c.APIGateway, "/")
	}
	return defaultAPIGateway
}

// StoreTokenProvider builds a TokenProvider that reads the persisted
// bearer credential on every call, so each connect sees the current token.
// The messaging layer only ever reads the credential; writing it is the
// auth flow's job.
func StoreTokenProvider(s *localstore.Store) TokenProvider {
	return func(ctx context.Context) (string, error) {
		token, _, err := s.Get(ctx, localstore.KeyToken)
		if err != nil {
			return "", err
		}
		return token, nil
	}
}
