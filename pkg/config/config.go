// Package config holds the node's koanf-tagged configuration. Defaults are
// embedded YAML, overridden by the file passed on the command line.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultConfig is the embedded baseline configuration.
var DefaultConfig = []byte(`
application: "settlenetd"

logger:
  level: "info"
  format: "json"

is_prod_mode: true

bank:
  code: "CR01"
  name: ""

server:
  address: ":8080"
  read_timeout: "15s"
  write_timeout: "15s"

ledger:
  backend: "postgres"

postgres:
  host: "localhost"
  port: 5432
  user: "postgres"
  password: "postgres"
  database: "settlenet"
  sslmode: "disable"

routing:
  peers: {}

auth:
  pairs: {}
  classes: {}

gateway:
  timeout: "5s"
  breaker_consecutive_failures: 5
  breaker_open_timeout: "30s"

redis:
  enabled: false
  addr: ""
  password: ""

notify:
  queue_size: 1000
  workers: 2
  subscriber_buffer: 16
  max_subscribers: 1024
`)

// Config is the root configuration.
type Config struct {
	Application string   `koanf:"application"`
	Logger      Logger   `koanf:"logger"`
	IsProdMode  bool     `koanf:"is_prod_mode"`
	Bank        Bank     `koanf:"bank"`
	Server      Server   `koanf:"server"`
	Ledger      Ledger   `koanf:"ledger"`
	Postgres    Postgres `koanf:"postgres"`
	Routing     Routing  `koanf:"routing"`
	Auth        Auth     `koanf:"auth"`
	Gateway     Gateway  `koanf:"gateway"`
	Redis       Redis    `koanf:"redis"`
	Notify      Notify   `koanf:"notify"`
}

type Logger struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Bank identifies this node on the network.
type Bank struct {
	Code string `koanf:"code"`
	Name string `koanf:"name"`
}

type Server struct {
	Address      string        `koanf:"address"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Ledger selects the storage backend: "postgres" or "memory" (dev only).
type Ledger struct {
	Backend string `koanf:"backend"`
}

type Postgres struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
	SSLMode  string `koanf:"sslmode"`
}

// Routing maps peer bank codes to their base endpoints.
type Routing struct {
	Peers map[string]string `koanf:"peers"`
}

// Auth holds the shared secrets: Pairs is keyed "ORIGIN:DESTINATION",
// Classes by message class name ("mobile").
type Auth struct {
	Pairs   map[string]string `koanf:"pairs"`
	Classes map[string]string `koanf:"classes"`
}

type Gateway struct {
	Timeout                    time.Duration `koanf:"timeout"`
	BreakerConsecutiveFailures uint32        `koanf:"breaker_consecutive_failures"`
	BreakerOpenTimeout         time.Duration `koanf:"breaker_open_timeout"`
}

type Redis struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
}

type Notify struct {
	QueueSize        int `koanf:"queue_size"`
	Workers          int `koanf:"workers"`
	SubscriberBuffer int `koanf:"subscriber_buffer"`
	MaxSubscribers   int `koanf:"max_subscribers"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var problems []string
	add := func(field, msg string) {
		problems = append(problems, field+" "+msg)
	}

	if c.Application == "" {
		add("application", "cannot be empty")
	}
	if c.Bank.Code == "" {
		add("bank.code", "cannot be empty")
	}
	if c.Server.Address == "" {
		add("server.address", "cannot be empty")
	}
	switch c.Ledger.Backend {
	case "postgres", "memory":
	default:
		add("ledger.backend", fmt.Sprintf("must be postgres or memory, got %q", c.Ledger.Backend))
	}
	if c.Ledger.Backend == "postgres" {
		if c.Postgres.Host == "" {
			add("postgres.host", "cannot be empty")
		}
		if c.Postgres.Database == "" {
			add("postgres.database", "cannot be empty")
		}
	}
	for pair := range c.Auth.Pairs {
		if !strings.Contains(pair, ":") {
			add("auth.pairs", fmt.Sprintf("key %q must be ORIGIN:DESTINATION", pair))
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr", "cannot be empty when redis is enabled")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
