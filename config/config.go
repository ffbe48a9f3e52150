// Package config loads the server's configuration.
//
// Values come from three layers, each overriding the last: the
// built-in defaults, an optional YAML file, and environment
// variables.
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Config is the server configuration.
type Config struct {
	Host string `yaml:"host" env:"USERDB_HOST"`
	Port int    `yaml:"port" env:"PORT"`

	// DBPath is the directory holding the storage engine's files.
	DBPath string `yaml:"db_path" env:"USERDB_DB_PATH"`

	// Workers sizes the pool that runs engine calls in serialized
	// access mode.
	Workers int `yaml:"workers" env:"USERDB_WORKERS"`

	// AccessMode is "serialized" or "direct".
	AccessMode string `yaml:"access_mode" env:"USERDB_ACCESS_MODE"`

	// UpdateMode is "upsert" or "strict".
	UpdateMode string `yaml:"update_mode" env:"USERDB_UPDATE_MODE"`

	MemtableSize   int  `yaml:"memtable_size" env:"USERDB_MEMTABLE_SIZE"`
	LevelMaxTables int  `yaml:"level_max_tables" env:"USERDB_LEVEL_MAX_TABLES"`
	SyncWrites     bool `yaml:"sync_writes" env:"USERDB_SYNC_WRITES"`
	Compress       bool `yaml:"compress" env:"USERDB_COMPRESS"`

	// HealthAddr is the address of the gRPC health service. It is
	// disabled when empty.
	HealthAddr string `yaml:"health_addr" env:"USERDB_HEALTH_ADDR"`

	LogLevel  string `yaml:"log_level" env:"USERDB_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"USERDB_LOG_FORMAT"`

	// OTelEndpoint is the OTLP/HTTP trace endpoint. Tracing is
	// disabled when empty.
	OTelEndpoint string `yaml:"otel_endpoint" env:"USERDB_OTEL_ENDPOINT"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"USERDB_SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		DBPath:          "my_db",
		Workers:         runtime.NumCPU() * 2,
		AccessMode:      "serialized",
		UpdateMode:      "upsert",
		MemtableSize:    1 << 10,
		LevelMaxTables:  10,
		SyncWrites:      true,
		Compress:        true,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load builds the configuration from the defaults, the YAML file
// at path (skipped when path is empty), and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	switch strings.ToLower(c.AccessMode) {
	case "serialized", "direct":
	default:
		return fmt.Errorf("unknown access mode %q (want serialized or direct)", c.AccessMode)
	}
	switch strings.ToLower(c.UpdateMode) {
	case "upsert", "strict":
	default:
		return fmt.Errorf("unknown update mode %q (want upsert or strict)", c.UpdateMode)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q (want json or console)", c.LogFormat)
	}
	if c.MemtableSize < 1 {
		return fmt.Errorf("memtable size must be at least 1, got %d", c.MemtableSize)
	}
	if c.LevelMaxTables < 2 || c.LevelMaxTables > math.MaxUint16 {
		return fmt.Errorf("level max tables must be between 2 and %d, got %d", math.MaxUint16, c.LevelMaxTables)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
