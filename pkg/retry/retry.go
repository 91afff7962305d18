// Package retry re-runs failed tool invocations with a configurable backoff.
//
// The curve is one of:
//   - Exponential: BaseDelay * Multiplier^n (5s, 10s, 20s, ...)
//   - Linear: BaseDelay * (n+1) (5s, 10s, 15s, ...)
//   - Constant: BaseDelay every time
//
// A failure the caller knows is permanent is wrapped with Stop so Do returns
// it at once:
//
//	err := retry.Do(ctx, cfg, func() error {
//	    err := spawn()
//	    if errors.Is(err, exec.ErrNotFound) {
//	        return retry.Stop(err)
//	    }
//	    return err
//	})
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/duration"
)

// Strategy selects the backoff curve.
type Strategy int

const (
	Exponential Strategy = iota
	Linear
	Constant
)

// String returns the config-file spelling of the strategy.
func (s Strategy) String() string {
	switch s {
	case Linear:
		return "linear"
	case Constant:
		return "constant"
	default:
		return "exponential"
	}
}

// ParseStrategy maps a config-file value to a Strategy. Unknown values fall
// back to Exponential.
func ParseStrategy(s string) Strategy {
	switch s {
	case "linear":
		return Linear
	case "constant":
		return Constant
	default:
		return Exponential
	}
}

// Config is a retry policy. The zero value performs no attempts.
type Config struct {
	MaxAttempts int           // total attempts, the first included
	InitDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on any single delay; 0 means uncapped
	Multiplier  float64       // exponential growth; values <= 1 mean 2
	Strategy    Strategy
	Jitter      bool // spread each delay by up to 25% either way

	// OnRetry runs before the wait that precedes attempt number next.
	OnRetry func(next int, err error, delay time.Duration)
}

// DefaultConfig is the tool policy: 3 attempts, exponential from 5s capped
// at 60s, jittered.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: defaults.RetryAttempts,
		InitDelay:   duration.RetryBase,
		MaxDelay:    duration.RetryMax,
		Multiplier:  defaults.RetryMultiplier,
		Strategy:    Exponential,
		Jitter:      true,
	}
}

// StopError marks a failure as permanent.
type StopError struct {
	Err error
}

func (e *StopError) Error() string { return e.Err.Error() }
func (e *StopError) Unwrap() error { return e.Err }

// Stop wraps err so that Do returns it without further attempts. Stop(nil)
// is nil.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &StopError{Err: err}
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, returns a StopError, or cfg.MaxAttempts
// calls have been made. It returns nil on success, the unwrapped error for
// a StopError, the context error if ctx ends first, and otherwise the last
// error fn returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return do(ctx, cfg, fn, sleepCtx)
}

func do(ctx context.Context, cfg Config, fn func() error, sleep sleepFunc) error {
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(); err == nil {
			return nil
		}
		var stop *StopError
		if errors.As(err, &stop) {
			return stop.Err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+2, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

// Delay is the wait after the given failed attempt (0-indexed). It never
// exceeds MaxDelay when MaxDelay is set.
func (c Config) Delay(attempt int) time.Duration {
	if c.InitDelay <= 0 {
		return 0
	}
	ceiling := c.MaxDelay
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}

	base := float64(c.InitDelay)
	switch c.Strategy {
	case Linear:
		base *= float64(attempt + 1)
	case Constant:
	default:
		mult := c.Multiplier
		if mult <= 1 {
			mult = 2
		}
		base *= math.Pow(mult, float64(attempt))
	}

	d := ceiling
	if !math.IsInf(base, 0) && !math.IsNaN(base) && base < float64(ceiling) {
		d = time.Duration(base)
	}
	if c.Jitter {
		if spread := int64(d) / 4; spread > 0 {
			d += time.Duration(rand.Int64N(2*spread+1) - spread)
		}
		d = min(d, ceiling)
	}
	return d
}
