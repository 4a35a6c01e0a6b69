package kitfox

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy defines how failed work items are retried.
type RetryPolicy struct {
	// MaxRetries applies to items submitted without their own limit.
	MaxRetries uint8 `yaml:"max_retries"`
	// BaseDelay is multiplied by Multiplier^retryCount.
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	// Disabled turns every failure into a terminal one.
	Disabled bool `yaml:"disabled"`
}

// DefaultRetryPolicy waits 2s, 4s and 8s between the three retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before the retry numbered retryCount (1-based).
func (p RetryPolicy) Delay(retryCount uint8) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryCount))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Validate checks the policy for impossible values.
func (p RetryPolicy) Validate() error {
	if p.BaseDelay < 0 {
		return errors.New("kitfox: retry base delay must not be negative")
	}
	if p.MaxDelay < 0 {
		return errors.New("kitfox: retry max delay must not be negative")
	}
	if p.Multiplier < 1 {
		return errors.New("kitfox: retry multiplier must be at least 1")
	}
	return nil
}

// withDefaults fills zero durations and multiplier from DefaultRetryPolicy.
// MaxRetries is kept as given so zero means no retries.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay == 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
