package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	// Shared secret expected on gateway callback deliveries.
	CallbackSecret string

	// Publicly reachable base URL the gateway posts callbacks to.
	CallbackBaseURL string

	GatewayBaseURL        string
	GatewayConsumerKey    string
	GatewayConsumerSecret string
	GatewayShortcode      string
	GatewayPasskey        string
	GatewayTimeout        time.Duration

	HeartbeatInterval time.Duration
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	secret := os.Getenv("CALLBACK_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("CALLBACK_SECRET environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	gatewayTimeout, err := durationEnv("GATEWAY_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	heartbeat, err := durationEnv("HEARTBEAT_INTERVAL", 25*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:              dbSource,
		Port:                  port,
		Env:                   env,
		CallbackSecret:        secret,
		CallbackBaseURL:       os.Getenv("CALLBACK_BASE_URL"),
		GatewayBaseURL:        os.Getenv("GATEWAY_BASE_URL"),
		GatewayConsumerKey:    os.Getenv("GATEWAY_CONSUMER_KEY"),
		GatewayConsumerSecret: os.Getenv("GATEWAY_CONSUMER_SECRET"),
		GatewayShortcode:      os.Getenv("GATEWAY_SHORTCODE"),
		GatewayPasskey:        os.Getenv("GATEWAY_PASSKEY"),
		GatewayTimeout:        gatewayTimeout,
		HeartbeatInterval:     heartbeat,
	}, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s: %w", key, err)
	}
	return d, nil
}
