package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// EventSink selects where change events go: "redis", "asynq" or "none".
	EventSink     string        `envconfig:"EVENT_SINK" default:"redis"`
	EventStream   string        `envconfig:"EVENT_STREAM" default:"kasirledger:events"`
	StockCacheTTL time.Duration `envconfig:"STOCK_CACHE_TTL" default:"15s"`

	// EventStreamStart is where the worker starts reading the stream.
	EventStreamStart string `envconfig:"EVENT_STREAM_START" default:"$"`

	AuthSecret            string `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`
	ManagerPIN            string `envconfig:"MANAGER_PIN"`

	RequireShiftApproval bool `envconfig:"REQUIRE_SHIFT_APPROVAL" default:"true"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	switch cfg.EventSink {
	case "redis", "asynq", "none":
	default:
		return Config{}, fmt.Errorf("EVENT_SINK must be redis, asynq or none, got %q", cfg.EventSink)
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
