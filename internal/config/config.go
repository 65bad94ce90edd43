package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	HTTPAddr string
	NodeID   string

	// Backing services; empty means the in-process fallback
	DatabaseURL string
	RedisURL    string
	NATSURL     string

	JWTSecret         string
	FirewallThreshold int

	// Billing
	CoinsPerTick  int64
	TickInterval  time.Duration
	InviteTimeout time.Duration
	StoreTimeout  time.Duration

	// ICE servers handed to clients
	STUNURL      string
	TURNURL      string
	TURNUsername string
	TURNPassword string

	LogLevel    string
	Environment string // "development", "production" or "test"
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	host, _ := os.Hostname()
	cfg := &Config{
		HTTPAddr:          ":8080",
		NodeID:            host,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		FirewallThreshold: 5,
		CoinsPerTick:      40,
		TickInterval:      60 * time.Second,
		InviteTimeout:     30 * time.Second,
		StoreTimeout:      5 * time.Second,
		STUNURL:           "stun:stun.l.google.com:19302",
		TURNURL:           os.Getenv("TURN_SERVER_URL"),
		TURNUsername:      os.Getenv("TURN_USERNAME"),
		TURNPassword:      os.Getenv("TURN_PASSWORD"),
		LogLevel:          "info",
		Environment:       "development",
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("STUN_SERVER_URL"); v != "" {
		cfg.STUNURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}

	var err error
	if cfg.CoinsPerTick, err = int64Env("COINS_PER_TICK", cfg.CoinsPerTick); err != nil {
		return nil, err
	}
	if cfg.CoinsPerTick <= 0 {
		return nil, fmt.Errorf("COINS_PER_TICK must be positive")
	}
	threshold, err := int64Env("FIREWALL_THRESHOLD", int64(cfg.FirewallThreshold))
	if err != nil {
		return nil, err
	}
	cfg.FirewallThreshold = int(threshold)

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"TICK_INTERVAL", &cfg.TickInterval},
		{"INVITE_TIMEOUT", &cfg.InviteTimeout},
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
	} {
		if *d.dst, err = durationEnv(d.name, *d.dst); err != nil {
			return nil, err
		}
	}

	// billed duration is counted in whole seconds per tick
	if cfg.TickInterval%time.Second != 0 {
		return nil, fmt.Errorf("TICK_INTERVAL must be a whole number of seconds, got %s", cfg.TickInterval)
	}

	return cfg, nil
}

func int64Env(name string, def int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return n, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}
