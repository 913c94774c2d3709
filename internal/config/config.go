// Package config loads process configuration from defaults, optional .env
// files and IMPROTO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "IMPROTO_"

type Config struct {
	// Relay side.
	ServerAddr string
	PublicURL  string
	// ServerKey is the base64url raw P-256 private scalar used for
	// challenges. A fresh key is generated when empty.
	ServerKey string

	MongoURI string
	MongoDB  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionTTL   time.Duration
	CloseTimeout time.Duration
	AckTimeout   time.Duration

	// Client side. RelayURL is the relay's HTTP base; its websocket
	// endpoint is discovered through /config.
	Name     string
	RelayURL string

	Debug bool
}

func Default() Config {
	return Config{
		ServerAddr:   "localhost:9090",
		PublicURL:    "ws://localhost:9090/ws",
		MongoURI:     "mongodb://localhost:27017",
		MongoDB:      "improto",
		RedisAddr:    "localhost:6379",
		SessionTTL:   2 * time.Hour,
		CloseTimeout: 3 * time.Second,
		AckTimeout:   30 * time.Second,
		RelayURL:     "http://localhost:9090",
	}
}

// Load returns Default overridden by the given .env files and then by the
// environment. Missing files are skipped.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Default()
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("SERVER_ADDR", &cfg.ServerAddr)
	str("PUBLIC_URL", &cfg.PublicURL)
	str("SERVER_KEY", &cfg.ServerKey)
	str("MONGO_URI", &cfg.MongoURI)
	str("MONGO_DB", &cfg.MongoDB)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	integer("REDIS_DB", &cfg.RedisDB)
	duration("SESSION_TTL", &cfg.SessionTTL)
	duration("CLOSE_TIMEOUT", &cfg.CloseTimeout)
	duration("ACK_TIMEOUT", &cfg.AckTimeout)
	str("NAME", &cfg.Name)
	str("RELAY_URL", &cfg.RelayURL)
	boolean("DEBUG", &cfg.Debug)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
