package util

import (
	"context"
	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"time"
)

// RetryPolicy configures RetryWithBackoff.
type RetryPolicy struct {
	InitialInterval time.Duration // Delay before the second attempt.
	Multiplier      float64       // Growth factor between attempts.
	MaxInterval     time.Duration // Cap on a single delay.
	MaxAttempts     int           // Total attempts including the first. <= 0 means unbounded.
}

func (rp RetryPolicy) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rp.InitialInterval,
		RandomizationFactor: 0.2,
		Multiplier:          rp.Multiplier,
		MaxInterval:         rp.MaxInterval,
		MaxElapsedTime:      0, // Never stop the timer. Attempts are bounded by MaxAttempts.
		Clock:               backoff.SystemClock,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// RetryWithBackoff runs fn until it succeeds, returns an error that isRetryable rejects, the attempts are exhausted
// or ctx is done. The last error returned by fn is returned in the latter two cases as well.
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, isRetryable func(error) bool,
	fn func(ctx context.Context) error) error {
	b := policy.newBackoff()
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			glog.V(1).Infof("Giving up after %d attempts. Last err: %v", attempt, err)
			return err
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
