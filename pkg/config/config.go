// Package config assembles the ledger service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/resilience"
	"bank-ledger/pkg/store/postgres"

	"go.uber.org/multierr"
)

// Storage drivers accepted by LEDGER_STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

// RedisConfig locates the shared Redis used for the directory L2 layer and
// idempotency records. With no address of any kind both Redis uses are off.
type RedisConfig struct {
	Addr string
	// ClusterAddrs switches to cluster mode.
	ClusterAddrs []string
	// SentinelAddrs switches to sentinel mode and needs SentinelMasterSet.
	SentinelAddrs     []string
	SentinelMasterSet string
	Username          string
	Password          string
	DB                int
	KeyPrefix         string
}

// Enabled reports whether any Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != "" || len(r.ClusterAddrs) > 0 || len(r.SentinelAddrs) > 0
}

// Config is the complete service configuration.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	StoreDriver  string
	StoreTimeout time.Duration
	// CircuitTimeout is how long the storage circuit stays open.
	CircuitTimeout time.Duration
	// CircuitFailures trips the circuit after that many consecutive
	// failures. Zero keeps the failure-rate rule.
	CircuitFailures int
	Postgres       postgres.Config

	Redis RedisConfig

	AllowOverdraft    bool
	CardValidityYears int
	DirectoryTTL      time.Duration
	IdempotencyTTL    time.Duration

	Logging logging.Config
}

// Default returns the configuration used when no variables are set:
// in-memory storage, no Redis, overdrafts allowed.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		ShutdownTimeout:   10 * time.Second,
		StoreDriver:       DriverMemory,
		StoreTimeout:      5 * time.Second,
		CircuitTimeout:    30 * time.Second,
		Postgres:          postgres.DefaultConfig(),
		Redis:             RedisConfig{KeyPrefix: "ledger:"},
		AllowOverdraft:    true,
		CardValidityYears: 4,
		DirectoryTTL:      5 * time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		Logging:           logging.DefaultConfig(),
	}
}

// Load reads the configuration through getenv, starting from Default.
func Load(getenv func(string) string) (Config, error) {
	c := Default()
	c.Logging = logging.ConfigFromEnv(getenv)

	p := parser{getenv: getenv}
	p.str("LEDGER_HTTP_ADDR", &c.HTTPAddr)
	p.duration("LEDGER_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	p.str("LEDGER_STORE_DRIVER", &c.StoreDriver)
	p.duration("LEDGER_STORE_TIMEOUT", &c.StoreTimeout)
	p.duration("LEDGER_CIRCUIT_TIMEOUT", &c.CircuitTimeout)
	p.integer("LEDGER_CIRCUIT_FAILURES", &c.CircuitFailures)

	p.str("POSTGRES_DSN", &c.Postgres.DSN)
	p.str("POSTGRES_HOST", &c.Postgres.Host)
	p.integer("POSTGRES_PORT", &c.Postgres.Port)
	p.str("POSTGRES_USER", &c.Postgres.User)
	p.str("POSTGRES_PASSWORD", &c.Postgres.Password)
	p.str("POSTGRES_DB", &c.Postgres.Database)
	p.str("POSTGRES_SSLMODE", &c.Postgres.SSLMode)

	p.str("REDIS_ADDR", &c.Redis.Addr)
	p.list("REDIS_CLUSTER_ADDRS", &c.Redis.ClusterAddrs)
	p.list("REDIS_SENTINEL_ADDRS", &c.Redis.SentinelAddrs)
	p.str("REDIS_SENTINEL_MASTER", &c.Redis.SentinelMasterSet)
	p.str("REDIS_USERNAME", &c.Redis.Username)
	p.str("REDIS_PASSWORD", &c.Redis.Password)
	p.integer("REDIS_DB", &c.Redis.DB)
	p.str("REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)

	p.boolean("LEDGER_ALLOW_OVERDRAFT", &c.AllowOverdraft)
	p.integer("LEDGER_CARD_VALIDITY_YEARS", &c.CardValidityYears)
	p.duration("LEDGER_DIRECTORY_TTL", &c.DirectoryTTL)
	p.duration("LEDGER_IDEMPOTENCY_TTL", &c.IdempotencyTTL)

	if p.err != nil {
		return Config{}, p.err
	}
	if c.StoreDriver == DriverPgx || c.StoreDriver == DriverPostgres {
		c.Postgres.Driver = c.StoreDriver
	}
	return c, c.Validate()
}

// LoadFromEnv is Load over the process environment.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Resilience is the storage guard derived from the timeouts.
func (c Config) Resilience() resilience.Config {
	rc := resilience.DefaultConfig().
		WithTimeout(c.StoreTimeout).
		WithCircuitBreakerTimeout(c.CircuitTimeout)
	if c.CircuitFailures > 0 {
		rc = rc.WithConsecutiveFailures(uint32(c.CircuitFailures))
	}
	return rc
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs error
	if c.HTTPAddr == "" {
		errs = multierr.Append(errs, errors.New("config: http address is required"))
	}
	switch c.StoreDriver {
	case DriverMemory, DriverPostgres, DriverPgx:
	default:
		errs = multierr.Append(errs, fmt.Errorf("config: unknown store driver %q", c.StoreDriver))
	}
	if c.StoreTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("config: store timeout must be positive"))
	}
	if c.CircuitTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("config: circuit timeout must be positive"))
	}
	if c.CircuitFailures < 0 {
		errs = multierr.Append(errs, errors.New("config: circuit failures must not be negative"))
	}
	errs = multierr.Append(errs, c.Resilience().Validate())
	if len(c.Redis.SentinelAddrs) > 0 && c.Redis.SentinelMasterSet == "" {
		errs = multierr.Append(errs, errors.New("config: redis sentinel addresses need a master set name"))
	}
	if c.CardValidityYears < 1 || c.CardValidityYears > 10 {
		errs = multierr.Append(errs, fmt.Errorf("config: card validity of %d years is out of range 1-10", c.CardValidityYears))
	}
	if c.DirectoryTTL <= 0 {
		errs = multierr.Append(errs, errors.New("config: directory ttl must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = multierr.Append(errs, errors.New("config: idempotency ttl must be positive"))
	}
	return errs
}

// parser collects every malformed variable.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) lookup(key string) (string, bool) {
	v := p.getenv(key)
	return v, v != ""
}

func (p *parser) fail(key, value string, err error) {
	p.err = multierr.Append(p.err, fmt.Errorf("config: %s=%q: %w", key, value, err))
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

// list reads a comma separated value, dropping blank items.
func (p *parser) list(key string, dst *[]string) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *parser) integer(key string, dst *int) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) boolean(key string, dst *bool) {
	if v, ok := p.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}
