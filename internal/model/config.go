// Package model defines the data structures for zonekeeper's configuration, leases,
// catalog locations and recommendation results.
package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Leasing   LeasingConfig   `yaml:"leasing"`
	Recommend RecommendConfig `yaml:"recommend"`
	HTTP      HTTPConfig      `yaml:"http"`
	Events    EventsConfig    `yaml:"events"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StoreDriver string

const (
	StoreDriverMemory   StoreDriver = "memory"
	StoreDriverSQLite   StoreDriver = "sqlite"
	StoreDriverPostgres StoreDriver = "postgres"
)

type StoreConfig struct {
	Driver      StoreDriver `yaml:"driver"`
	SQLitePath  string      `yaml:"sqlite_path"`
	PostgresDSN string      `yaml:"postgres_dsn"`
	PoolSize    int         `yaml:"pool_size"`
}

type CatalogConfig struct {
	// ExportFile is a CSV export of warehouse places. When set with the memory
	// driver the catalog is loaded from it and reloaded whenever the file changes.
	ExportFile     string `yaml:"export_file"`
	ExportEncoding string `yaml:"export_encoding"` // utf-8 (default) or cp1251
	Watch          bool   `yaml:"watch"`
}

type LeasingConfig struct {
	ZonePrefixLen    int     `yaml:"zone_prefix_len"`
	DefaultTTLHours  float64 `yaml:"default_ttl_hours"`
	ExtendHours      float64 `yaml:"extend_hours"`
	MaxAttempts      int     `yaml:"max_attempts"`
	DefaultZoneSize  int     `yaml:"default_zone_size"`
	SweepIntervalSec int     `yaml:"sweep_interval_sec"` // 0 = lazy expiry only
}

type RecommendConfig struct {
	NearestLimit   int  `yaml:"nearest_limit"`
	MaxSuggestions int  `yaml:"max_suggestions"`
	PriorityLimit  int  `yaml:"priority_limit"`
	BoostPriority  bool `yaml:"boost_priority"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"` // empty disables the HTTP API
}

type EventsConfig struct {
	AuditLog     string   `yaml:"audit_log"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	BufferSize   int      `yaml:"buffer_size"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Policy defaults carried over from the original deployment.
const (
	DefaultZonePrefixLen   = 9
	DefaultTTL             = 2 * time.Hour
	DefaultExtension       = 1 * time.Hour
	DefaultMaxAttempts     = 10
	DefaultZoneSize        = 50
	DefaultNearestLimit    = 20
	DefaultMaxSuggestions  = 12
	DefaultPriorityLimit   = 5
	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultConfig returns the configuration written by `zonekeeper setup`.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Driver:     StoreDriverSQLite,
			SQLitePath: "zonekeeper.db",
			PoolSize:   4,
		},
		Leasing: LeasingConfig{
			ZonePrefixLen:   DefaultZonePrefixLen,
			DefaultTTLHours: DefaultTTL.Hours(),
			ExtendHours:     DefaultExtension.Hours(),
			MaxAttempts:     DefaultMaxAttempts,
			DefaultZoneSize: DefaultZoneSize,
		},
		Recommend: RecommendConfig{
			NearestLimit:   DefaultNearestLimit,
			MaxSuggestions: DefaultMaxSuggestions,
			PriorityLimit:  DefaultPriorityLimit,
		},
		HTTP:    HTTPConfig{Listen: "127.0.0.1:8080"},
		Events:  EventsConfig{AuditLog: "logs/audit.jsonl", KafkaTopic: "zonekeeper.leases", BufferSize: 100},
		Daemon:  DaemonConfig{ShutdownTimeoutSec: int(DefaultShutdownTimeout.Seconds())},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "", StoreDriverMemory, StoreDriverSQLite, StoreDriverPostgres:
	default:
		return fmt.Errorf("store.driver: unknown driver %q, must be memory|sqlite|postgres", c.Store.Driver)
	}
	if c.Store.Driver == StoreDriverPostgres && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
	}
	if c.Leasing.ZonePrefixLen < 0 {
		return fmt.Errorf("leasing.zone_prefix_len must not be negative, got %d", c.Leasing.ZonePrefixLen)
	}
	if c.Leasing.DefaultTTLHours < 0 || c.Leasing.ExtendHours < 0 {
		return fmt.Errorf("leasing durations must not be negative")
	}
	if c.Leasing.SweepIntervalSec < 0 {
		return fmt.Errorf("leasing.sweep_interval_sec must not be negative")
	}
	return nil
}

// The accessors below apply defaults for zero values, so a partial config file works.

func (l LeasingConfig) PrefixLen() int {
	if l.ZonePrefixLen <= 0 {
		return DefaultZonePrefixLen
	}
	return l.ZonePrefixLen
}

func (l LeasingConfig) TTL() time.Duration {
	if l.DefaultTTLHours <= 0 {
		return DefaultTTL
	}
	return HoursToDuration(l.DefaultTTLHours)
}

func (l LeasingConfig) Extension() time.Duration {
	if l.ExtendHours <= 0 {
		return DefaultExtension
	}
	return HoursToDuration(l.ExtendHours)
}

func (l LeasingConfig) Attempts() int {
	if l.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return l.MaxAttempts
}

func (l LeasingConfig) ZoneSize() int {
	if l.DefaultZoneSize <= 0 {
		return DefaultZoneSize
	}
	return l.DefaultZoneSize
}

func (l LeasingConfig) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalSec) * time.Second
}

func (r RecommendConfig) Nearest() int {
	if r.NearestLimit <= 0 {
		return DefaultNearestLimit
	}
	return r.NearestLimit
}

func (r RecommendConfig) Suggestions() int {
	if r.MaxSuggestions <= 0 {
		return DefaultMaxSuggestions
	}
	return r.MaxSuggestions
}

func (r RecommendConfig) Priority() int {
	if r.PriorityLimit <= 0 {
		return DefaultPriorityLimit
	}
	return r.PriorityLimit
}

func (d DaemonConfig) ShutdownTimeout() time.Duration {
	if d.ShutdownTimeoutSec <= 0 {
		return DefaultShutdownTimeout
	}
	return time.Duration(d.ShutdownTimeoutSec) * time.Second
}

// HoursToDuration converts fractional hours (the unit admins work in) to a Duration.
func HoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
