package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, read from
// configs/config.<APP_ENV>.yaml.
type Config struct {
	Server  Server  `json:"server" yaml:"server"`
	Storage Storage `json:"storage" yaml:"storage"`
	Ledger  Ledger  `json:"ledger" yaml:"ledger"`
	Sync    Sync    `json:"sync" yaml:"sync"`
	Points  Points  `json:"points" yaml:"points"`
	Log     Log     `json:"log" yaml:"log"`
}

type Server struct {
	Port           int      `json:"port" yaml:"port"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// Storage selects the durable mirror behind the cache and queue.
type Storage struct {
	Driver     string        `json:"driver" yaml:"driver"` // memory | sqlite | redis
	SqlitePath string        `json:"sqlite_path" yaml:"sqlite_path"`
	Redis      Redis         `json:"redis" yaml:"redis"`
	CacheTTL   time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type Redis struct {
	Address  string `json:"address" yaml:"address"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database int    `json:"database" yaml:"database"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Address, r.Port)
}

type Ledger struct {
	Driver     string `json:"driver" yaml:"driver"` // memory | sqlite
	SqlitePath string `json:"sqlite_path" yaml:"sqlite_path"`
	NodeID     int64  `json:"node_id" yaml:"node_id"`
}

type Sync struct {
	Remote           string          `json:"remote" yaml:"remote"` // memory | postgres
	PostgresDSN      string          `json:"postgres_dsn" yaml:"postgres_dsn"`
	Backoff          []time.Duration `json:"backoff" yaml:"backoff"`
	FailureThreshold int             `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration   `json:"cooldown" yaml:"cooldown"`
	QueueInterval    time.Duration   `json:"queue_interval" yaml:"queue_interval"`
	Workers          int             `json:"workers" yaml:"workers"`
}

type Points struct {
	MaxAmount int64 `json:"max_amount" yaml:"max_amount"`
}

type Log struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Storage: Storage{
			Driver:     "memory",
			SqlitePath: "./points.db",
			Redis:      Redis{Address: "127.0.0.1", Port: 6379},
			CacheTTL:   5 * time.Minute,
		},
		Ledger: Ledger{
			Driver:     "memory",
			SqlitePath: "./points.db",
			NodeID:     1,
		},
		Sync: Sync{
			Remote:           "memory",
			Backoff:          []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
			FailureThreshold: 5,
			Cooldown:         60 * time.Second,
			QueueInterval:    30 * time.Second,
			Workers:          4,
		},
		Points: Points{MaxAmount: 1_000_000},
		Log:    Log{Level: "info"},
	}
}

// Path returns configs/config.<env>.yaml under dir. env defaults to
// $APP_ENV, then "dev".
func Path(dir, env string) string {
	if env == "" {
		env = os.Getenv("APP_ENV")
	}
	if env == "" {
		env = "dev"
	}
	return filepath.Join(dir, "configs", fmt.Sprintf("config.%s.yaml", env))
}

// Load reads filename over Default and validates the result.
func Load(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	conf := Default()
	if err := yaml.Unmarshal(content, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

var (
	ErrInvalidPort        = errors.New("server.port must be between 1 and 65535")
	ErrUnknownStorage     = errors.New("storage.driver must be memory, sqlite or redis")
	ErrUnknownLedger      = errors.New("ledger.driver must be memory or sqlite")
	ErrUnknownRemote      = errors.New("sync.remote must be memory or postgres")
	ErrSqlitePathEmpty    = errors.New("sqlite_path is an empty string")
	ErrPostgresDSNEmpty   = errors.New("sync.postgres_dsn is an empty string")
	ErrInvalidNodeID      = errors.New("ledger.node_id must be between 0 and 1023")
	ErrInvalidBackoff     = errors.New("sync.backoff needs at least one positive duration")
	ErrInvalidThreshold   = errors.New("sync.failure_threshold must be positive")
	ErrInvalidMaxAmount   = errors.New("points.max_amount must be positive")
	ErrInvalidDuration    = errors.New("durations must be positive")
	ErrInvalidWorkerCount = errors.New("sync.workers must be positive")
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}

	switch c.Storage.Driver {
	case "memory", "redis":
	case "sqlite":
		if c.Storage.SqlitePath == "" {
			errs = append(errs, fmt.Errorf("storage: %w", ErrSqlitePathEmpty))
		}
	default:
		errs = append(errs, ErrUnknownStorage)
	}

	switch c.Ledger.Driver {
	case "memory":
	case "sqlite":
		if c.Ledger.SqlitePath == "" {
			errs = append(errs, fmt.Errorf("ledger: %w", ErrSqlitePathEmpty))
		}
	default:
		errs = append(errs, ErrUnknownLedger)
	}
	if c.Ledger.NodeID < 0 || c.Ledger.NodeID > 1023 {
		errs = append(errs, ErrInvalidNodeID)
	}

	switch c.Sync.Remote {
	case "memory":
	case "postgres":
		if c.Sync.PostgresDSN == "" {
			errs = append(errs, ErrPostgresDSNEmpty)
		}
	default:
		errs = append(errs, ErrUnknownRemote)
	}
	if len(c.Sync.Backoff) == 0 {
		errs = append(errs, ErrInvalidBackoff)
	}
	for _, d := range c.Sync.Backoff {
		if d <= 0 {
			errs = append(errs, ErrInvalidBackoff)
			break
		}
	}
	if c.Sync.FailureThreshold <= 0 {
		errs = append(errs, ErrInvalidThreshold)
	}
	if c.Sync.Workers <= 0 {
		errs = append(errs, ErrInvalidWorkerCount)
	}
	if c.Sync.Cooldown <= 0 || c.Sync.QueueInterval <= 0 || c.Storage.CacheTTL <= 0 {
		errs = append(errs, ErrInvalidDuration)
	}

	if c.Points.MaxAmount <= 0 {
		errs = append(errs, ErrInvalidMaxAmount)
	}

	return errors.Join(errs...)
}
