package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every environment variable name.
const Prefix = "LEDGERBOOK_"

type Config struct {
	HTTP     HTTP
	GRPC     GRPC
	Logger   Logger
	Postgres Postgres
	Auth     Auth
	Kafka    Kafka
	Ledger   Ledger
	Jobs     Jobs
}

type HTTP struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	RateBurst    int           `env:"HTTP_RATE_BURST" envDefault:"40"`
	RatePerSec   int           `env:"HTTP_RATE_PER_SEC" envDefault:"20"`
	MaxBodyBytes int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	CORSOrigins  []string      `env:"HTTP_CORS_ORIGINS" envSeparator:","`
}

type GRPC struct {
	Enabled bool   `env:"GRPC_ENABLED" envDefault:"true"`
	Addr    string `env:"GRPC_ADDR" envDefault:":9090"`
}

type Logger struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Postgres selects the durable store. An empty DSN runs the in-memory store.
type Postgres struct {
	DSN             string        `env:"PG_DSN"`
	MaxConns        int           `env:"PG_MAX_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"PG_CONN_MAX_LIFETIME" envDefault:"30m"`
}

// Auth enables bearer tokens when Secret is set. Users holds
// "user:role:bcrypt-hash" entries separated by ';'.
type Auth struct {
	Secret   string        `env:"AUTH_SECRET"`
	TokenTTL time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"15m"`
	Users    []string      `env:"AUTH_USERS" envSeparator:";"`
}

// Kafka publishes ledger events when Brokers is non-empty.
type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"ledgerbook.events"`
}

type Ledger struct {
	StorageTimeout time.Duration `env:"STORAGE_TIMEOUT" envDefault:"5s"`
	LockTimeout    time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s"`
}

type Jobs struct {
	OutstandingInterval time.Duration `env:"JOB_OUTSTANDING_INTERVAL" envDefault:"1m"`
}

// New loads envPath (if it exists) into the process environment and parses
// the configuration from it.
func New(envPath string) (Config, error) {
	if envPath != "" {
		err := godotenv.Load(envPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	c, err := env.ParseAsWithOptions[Config](env.Options{Prefix: Prefix})
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	switch {
	case c.HTTP.Addr == "":
		return errors.New("config: HTTP_ADDR is empty")
	case c.HTTP.RatePerSec <= 0 || c.HTTP.RateBurst <= 0:
		return errors.New("config: rate limit must be positive")
	case c.Ledger.StorageTimeout <= 0 || c.Ledger.LockTimeout <= 0:
		return errors.New("config: ledger timeouts must be positive")
	case c.Jobs.OutstandingInterval <= 0:
		return errors.New("config: job interval must be positive")
	case c.Auth.TokenTTL <= 0:
		return errors.New("config: token ttl must be positive")
	case len(c.Auth.Users) > 0 && c.Auth.Secret == "":
		return fmt.Errorf("config: %sAUTH_USERS requires %sAUTH_SECRET", Prefix, Prefix)
	}
	return nil
}

// AuthEnabled reports whether requests must carry a bearer token.
func (c Config) AuthEnabled() bool { return c.Auth.Secret != "" }
