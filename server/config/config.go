package config

import (
	"errors"
	"fmt"
	"github.com/spf13/viper"
	"os"
	"streamctl/util"
	"strings"
	"time"
)

const (
	KBackendMemory = "memory"
	KBackendBadger = "badger"
	KBackendSQL    = "sql"
	KBackendRaft   = "raft"

	KDialectSqlite   = "sqlite3"
	KDialectPostgres = "postgres"

	kEnvPrefix = "STREAMCTL"
)

var ErrInvalidConfig = errors.New("ErrInvalidConfig: invalid configuration")

type BadgerConfig struct {
	Dir        string `mapstructure:"dir"`
	SyncWrites bool   `mapstructure:"sync_writes"`
	InMemory   bool   `mapstructure:"in_memory"`
}

type SQLConfig struct {
	Dialect string `mapstructure:"dialect"`
	DSN     string `mapstructure:"dsn"`
}

type RaftConfig struct {
	NodeID       string        `mapstructure:"node_id"`
	BindAddr     string        `mapstructure:"bind_addr"`
	Dir          string        `mapstructure:"dir"`
	Bootstrap    bool          `mapstructure:"bootstrap"`
	ApplyTimeout time.Duration `mapstructure:"apply_timeout"`
	// InMemory uses in-memory log, stable and snapshot stores and an in-memory transport. Only useful in tests.
	InMemory bool `mapstructure:"in_memory"`
}

type StoreConfig struct {
	Backend string       `mapstructure:"backend"`
	Badger  BadgerConfig `mapstructure:"badger"`
	SQL     SQLConfig    `mapstructure:"sql"`
	Raft    RaftConfig   `mapstructure:"raft"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

type TransactionsConfig struct {
	MaxLease         time.Duration `mapstructure:"max_lease"`
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`

	// ListenAddr is the address the /metrics endpoint is served on. Empty disables the endpoint.
	ListenAddr string `mapstructure:"listen_addr"`
}

// Config is the controller metadata store configuration.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Transactions TransactionsConfig `mapstructure:"transactions"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", KBackendMemory)
	v.SetDefault("store.badger.dir", "/tmp/streamctl/badger")
	v.SetDefault("store.badger.sync_writes", true)
	v.SetDefault("store.badger.in_memory", false)
	v.SetDefault("store.sql.dialect", KDialectSqlite)
	v.SetDefault("store.sql.dsn", "/tmp/streamctl/metadata.db")
	v.SetDefault("store.raft.node_id", "node-1")
	v.SetDefault("store.raft.bind_addr", "127.0.0.1:7500")
	v.SetDefault("store.raft.dir", "/tmp/streamctl/raft")
	v.SetDefault("store.raft.bootstrap", true)
	v.SetDefault("store.raft.apply_timeout", 5*time.Second)
	v.SetDefault("store.raft.in_memory", false)
	v.SetDefault("retry.initial_interval", 10*time.Millisecond)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_interval", time.Second)
	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("transactions.max_lease", 120*time.Second)
	v.SetDefault("transactions.max_execution_time", 24*time.Hour)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "streamctl")
	v.SetDefault("metrics.listen_addr", "")
}

// Load reads the configuration from path (yaml, json or toml) if path is not empty. Environment variables with the
// STREAMCTL_ prefix override file values, e.g. STREAMCTL_STORE_BACKEND=badger. Missing values take defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(kEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("unable to read config file %s: %w", path, err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces when no file or environment overrides are present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("unable to decode default config: %v", err))
	}
	return &cfg
}

func (cfg *Config) Validate() error {
	if err := cfg.Store.Validate(); err != nil {
		return err
	}
	if cfg.Retry.InitialInterval <= 0 || cfg.Retry.MaxInterval <= 0 {
		return fmt.Errorf("%w: retry intervals must be positive", ErrInvalidConfig)
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("%w: retry multiplier must be >= 1, got %v", ErrInvalidConfig, cfg.Retry.Multiplier)
	}
	if cfg.Transactions.MaxLease <= 0 || cfg.Transactions.MaxExecutionTime <= 0 {
		return fmt.Errorf("%w: transaction lease and execution time must be positive", ErrInvalidConfig)
	}
	if cfg.Transactions.MaxLease > cfg.Transactions.MaxExecutionTime {
		return fmt.Errorf("%w: max lease %v exceeds max execution time %v", ErrInvalidConfig,
			cfg.Transactions.MaxLease, cfg.Transactions.MaxExecutionTime)
	}
	return nil
}

func (sc *StoreConfig) Validate() error {
	switch sc.Backend {
	case KBackendMemory:
	case KBackendBadger:
		if sc.Badger.Dir == "" && !sc.Badger.InMemory {
			return fmt.Errorf("%w: store.badger.dir is required", ErrInvalidConfig)
		}
	case KBackendSQL:
		if sc.SQL.Dialect != KDialectSqlite && sc.SQL.Dialect != KDialectPostgres {
			return fmt.Errorf("%w: unknown sql dialect %q", ErrInvalidConfig, sc.SQL.Dialect)
		}
		if sc.SQL.DSN == "" {
			return fmt.Errorf("%w: store.sql.dsn is required", ErrInvalidConfig)
		}
	case KBackendRaft:
		if sc.Raft.NodeID == "" {
			return fmt.Errorf("%w: store.raft.node_id is required", ErrInvalidConfig)
		}
		if sc.Raft.ApplyTimeout <= 0 {
			return fmt.Errorf("%w: store.raft.apply_timeout must be positive", ErrInvalidConfig)
		}
		if !sc.Raft.InMemory && (sc.Raft.Dir == "" || sc.Raft.BindAddr == "") {
			return fmt.Errorf("%w: store.raft.dir and store.raft.bind_addr are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, sc.Backend)
	}
	return nil
}

// Policy converts the retry section into a util.RetryPolicy.
func (rc RetryConfig) Policy() util.RetryPolicy {
	return util.RetryPolicy{
		InitialInterval: rc.InitialInterval,
		Multiplier:      rc.Multiplier,
		MaxInterval:     rc.MaxInterval,
		MaxAttempts:     rc.MaxAttempts,
	}
}
