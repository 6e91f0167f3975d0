package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/carbonite/internal/backoff"
	"github.com/ChuLiYu/carbonite/internal/controller"
	"github.com/ChuLiYu/carbonite/internal/metadata"
	"github.com/ChuLiYu/carbonite/internal/worker"
)

// Metadata store drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete archiver configuration
// Maps config file fields through YAML tags
type Config struct {
	Freezing struct {
		PollingInterval     time.Duration `yaml:"polling_interval"`
		InitialInterval     time.Duration `yaml:"initial_interval"`
		MaxInterval         time.Duration `yaml:"max_interval"`
		Multiplier          float64       `yaml:"multiplier"`
		RandomizationFactor float64       `yaml:"randomization_factor"`
		FreezeTimeout       time.Duration `yaml:"freeze_timeout"` // 0 disables
	} `yaml:"freezing"`

	Freezer struct {
		WorkerCount int           `yaml:"worker_count"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
		BufferSize  int           `yaml:"buffer_size"`
	} `yaml:"freezer"`

	Metadata struct {
		Driver          string        `yaml:"driver"`
		DSN             string        `yaml:"dsn"`
		SeedFile        string        `yaml:"seed_file"`
		MaxConns        int32         `yaml:"max_conns"`
		MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	} `yaml:"metadata"`

	ColdStorage struct {
		Dir string `yaml:"dir"`
	} `yaml:"cold_storage"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled                bool `yaml:"enabled"`
		Port                   int  `yaml:"port"`
		MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	} `yaml:"grpc"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used for keys missing from the file
func DefaultConfig() *Config {
	var cfg Config

	ctrl := controller.DefaultConfig()
	cfg.Freezing.PollingInterval = ctrl.PollingInterval
	cfg.Freezing.InitialInterval = ctrl.Backoff.InitialInterval
	cfg.Freezing.MaxInterval = ctrl.Backoff.MaxInterval
	cfg.Freezing.Multiplier = ctrl.Backoff.Multiplier
	cfg.Freezing.RandomizationFactor = ctrl.Backoff.RandomizationFactor

	pool := worker.DefaultConfig()
	cfg.Freezer.WorkerCount = pool.WorkerCount
	cfg.Freezer.TaskTimeout = pool.TaskTimeout
	cfg.Freezer.BufferSize = pool.BufferSize

	cfg.Metadata.Driver = DriverMemory
	cfg.Metadata.MaxConns = 4
	cfg.ColdStorage.Dir = "./data/archive"

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 50051
	cfg.GRPC.MaxConsecutiveFailures = 10

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig reads a YAML file over the defaults and validates the result
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.ControllerConfig().Validate(); err != nil {
		return fmt.Errorf("%w: freezing: %w", ErrInvalidConfig, err)
	}
	if c.Freezer.WorkerCount <= 0 {
		return fmt.Errorf("%w: freezer.worker_count must be positive, got %d", ErrInvalidConfig, c.Freezer.WorkerCount)
	}
	if c.Freezer.TaskTimeout < 0 {
		return fmt.Errorf("%w: freezer.task_timeout must not be negative", ErrInvalidConfig)
	}

	switch c.Metadata.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Metadata.DSN == "" {
			return fmt.Errorf("%w: metadata.dsn is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported metadata.driver %q", ErrInvalidConfig, c.Metadata.Driver)
	}

	if c.ColdStorage.Dir == "" {
		return fmt.Errorf("%w: cold_storage.dir is required", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && !validPort(c.Metrics.Port) {
		return fmt.Errorf("%w: metrics.port %d out of range", ErrInvalidConfig, c.Metrics.Port)
	}
	if c.GRPC.Enabled && !validPort(c.GRPC.Port) {
		return fmt.Errorf("%w: grpc.port %d out of range", ErrInvalidConfig, c.GRPC.Port)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// ControllerConfig maps the freezing section; logger, scheduler and recorder are left unset
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		PollingInterval: c.Freezing.PollingInterval,
		Backoff: backoff.Config{
			InitialInterval:     c.Freezing.InitialInterval,
			MaxInterval:         c.Freezing.MaxInterval,
			Multiplier:          c.Freezing.Multiplier,
			RandomizationFactor: c.Freezing.RandomizationFactor,
		},
		FreezeTimeout: c.Freezing.FreezeTimeout,
	}
}

// WorkerConfig maps the freezer section
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		WorkerCount: c.Freezer.WorkerCount,
		TaskTimeout: c.Freezer.TaskTimeout,
		BufferSize:  c.Freezer.BufferSize,
	}
}

// PoolConfig maps the postgres pool settings
func (c *Config) PoolConfig() metadata.PoolConfig {
	return metadata.PoolConfig{
		MaxConns:        c.Metadata.MaxConns,
		MaxConnLifetime: c.Metadata.MaxConnLifetime,
	}
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}
