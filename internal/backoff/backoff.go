// ============================================================================
// Carbonite Backoff - retry delays for failed candidate queries
// ============================================================================
//
// Package: internal/backoff
// File: backoff.go
// Purpose: Exponential backoff with a cap and uniform jitter.
//
// Sequence:
//   delay(0) = InitialInterval
//   delay(n) = min(MaxInterval, delay(n-1) * Multiplier)
//   returned = delay(n) +/- RandomizationFactor * delay(n), clamped to MaxInterval
//
// The cursor is a plain value. Next and Reset return a new Policy instead of
// mutating shared state, so the owner decides which cursor is current.
//
// ============================================================================

package backoff

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("backoff: invalid config")

// Config holds the backoff parameters.
type Config struct {
	InitialInterval     time.Duration // first delay after a failure
	MaxInterval         time.Duration // upper bound of every returned delay
	Multiplier          float64       // growth factor per consecutive failure
	RandomizationFactor float64       // jitter fraction in [0, 1]
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.InitialInterval <= 0 {
		return fmt.Errorf("%w: initial interval must be positive, got %s", ErrInvalidConfig, c.InitialInterval)
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("%w: max interval %s is below initial interval %s", ErrInvalidConfig, c.MaxInterval, c.InitialInterval)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be >= 1, got %v", ErrInvalidConfig, c.Multiplier)
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		return fmt.Errorf("%w: randomization factor must be within [0, 1], got %v", ErrInvalidConfig, c.RandomizationFactor)
	}
	return nil
}

// Rand is the random source used for jitter. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Policy is a backoff cursor. The zero value is not usable; call New.
type Policy struct {
	cfg      Config
	rnd      Rand
	current  time.Duration
	attempts int
}

// New creates a Policy positioned at the initial interval. A nil rnd gets a
// time-seeded source.
func New(cfg Config, rnd Rand) (Policy, error) {
	if err := cfg.Validate(); err != nil {
		return Policy{}, err
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return Policy{
		cfg:     cfg,
		rnd:     rnd,
		current: cfg.InitialInterval,
	}, nil
}

// Next returns the (jittered) current delay and the policy advanced by one
// step.
func (p Policy) Next() (time.Duration, Policy) {
	delay := p.randomize(p.current)

	next := p
	next.current = p.grow()
	next.attempts++
	return delay, next
}

// Reset returns the policy positioned back at the initial interval.
func (p Policy) Reset() Policy {
	p.current = p.cfg.InitialInterval
	p.attempts = 0
	return p
}

// Current is the un-jittered delay the next call to Next is based on.
func (p Policy) Current() time.Duration {
	return p.current
}

// Attempts is the number of Next calls since the last Reset.
func (p Policy) Attempts() int {
	return p.attempts
}

// Config returns the parameters the policy was built with.
func (p Policy) Config() Config {
	return p.cfg
}

func (p Policy) grow() time.Duration {
	next := float64(p.current) * p.cfg.Multiplier
	if next >= float64(p.cfg.MaxInterval) {
		return p.cfg.MaxInterval
	}
	return time.Duration(next)
}

// randomize spreads d uniformly over [d - f*d, d + f*d] and clamps the result
// to MaxInterval.
func (p Policy) randomize(d time.Duration) time.Duration {
	f := p.cfg.RandomizationFactor
	if f == 0 {
		return d
	}
	delta := f * float64(d)
	low := float64(d) - delta
	v := time.Duration(low + p.rnd.Float64()*2*delta)
	if v > p.cfg.MaxInterval {
		return p.cfg.MaxInterval
	}
	if v < 0 {
		return 0
	}
	return v
}
