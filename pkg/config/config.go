// Package config resolves backend server settings from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Datastore kinds selectable through the DATASTORE variable.
const (
	DatastoreMemory   = "memory"
	DatastoreRedis    = "redis"
	DatastorePostgres = "postgres"
)

// Config holds the resolved backend server settings.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int

	// Datastore selects the state store implementation.
	Datastore string

	// RedisAddr is the redis host:port, used when Datastore is
	// "redis".
	RedisAddr string

	// DatabaseURL is the postgres connection string, used when
	// Datastore is "postgres".
	DatabaseURL string

	// Debug enables debug-level logging.
	Debug bool
}

// Default returns the configuration used when no environment is set:
// an in-memory datastore behind the standard backend port.
func Default() Config {
	return Config{
		Port:      8283,
		Datastore: DatastoreMemory,
		RedisAddr: "localhost:6379",
	}
}

// LoadFromEnv resolves the configuration from environment variables,
// falling back to defaults for anything unset.
//
// Recognized variables: HTTP_PORT, DATASTORE, REDIS_ADDR,
// DATABASE_URL, DEBUG.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if port := os.Getenv("HTTP_PORT"); port != "" {
		parsed, err := strconv.Atoi(port)

		if err != nil {
			return Config{}, fmt.Errorf("invalid HTTP_PORT %q: %w", port, err)
		}

		cfg.Port = parsed
	}

	if datastore := os.Getenv("DATASTORE"); datastore != "" {
		switch datastore {
		case DatastoreMemory, DatastoreRedis, DatastorePostgres:
			cfg.Datastore = datastore
		default:
			return Config{}, fmt.Errorf("unsupported DATASTORE %q", datastore)
		}
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if debug := os.Getenv("DEBUG"); debug != "" {
		parsed, err := strconv.ParseBool(debug)

		if err != nil {
			return Config{}, fmt.Errorf("invalid DEBUG %q: %w", debug, err)
		}

		cfg.Debug = parsed
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}

	if c.Datastore == DatastorePostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when DATASTORE is %q", DatastorePostgres)
	}

	return nil
}

// Addr is the listen address derived from the configured port.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
