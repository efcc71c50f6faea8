package graph

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds re-execution of a node after a transient failure.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Initial:     200 * time.Millisecond,
		Max:         2 * time.Second,
		Multiplier:  2,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 || attempt < 1 {
		return 0
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := time.Duration(float64(p.Initial) * math.Pow(mult, float64(attempt-1)))
	if p.Max > 0 && (d > p.Max || d <= 0) {
		d = p.Max
	}

	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
