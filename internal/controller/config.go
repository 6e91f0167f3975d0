package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/carbonite/internal/backoff"
)

// ErrInvalidConfig is returned when Config fails validation.
var ErrInvalidConfig = errors.New("controller: invalid config")

// Config is the freezing schedule of one archiver instance.
type Config struct {
	PollingInterval time.Duration  // delay between cycles on the normal path
	Backoff         backoff.Config // delays after failed candidate queries
	FreezeTimeout   time.Duration  // 0 waits for the freezer forever

	Logger    *slog.Logger // defaults to slog.Default()
	Scheduler Scheduler    // defaults to time.AfterFunc
	Recorder  Recorder     // defaults to a no-op
	Rand      backoff.Rand // jitter source, defaults to a time-seeded one
}

// DefaultConfig returns the production freezing schedule.
func DefaultConfig() Config {
	return Config{
		PollingInterval: 5 * time.Second,
		Backoff: backoff.Config{
			InitialInterval:     5 * time.Second,
			MaxInterval:         5 * time.Minute,
			Multiplier:          1.1,
			RandomizationFactor: 0.2,
		},
	}
}

// Validate checks the schedule values.
func (c Config) Validate() error {
	if c.PollingInterval <= 0 {
		return fmt.Errorf("%w: polling interval must be positive, got %s", ErrInvalidConfig, c.PollingInterval)
	}
	if c.FreezeTimeout < 0 {
		return fmt.Errorf("%w: freeze timeout must not be negative, got %s", ErrInvalidConfig, c.FreezeTimeout)
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Scheduler == nil {
		c.Scheduler = SystemScheduler{}
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	return c
}
