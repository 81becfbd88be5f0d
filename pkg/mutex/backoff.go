package mutex

import (
	"context"
	"math"
	"time"

	"github.com/dexidp/oidcrp/pkg/oidcerr"
)

// BackoffOptions configures the retry loop wrapping Acquire described in
// spec.md §4.A: delay = min(InitialDelay * Factor^attempt, MaxDelay).
type BackoffOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// DefaultBackoffOptions gives a conservative retry schedule.
func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		Factor:       2,
		MaxDelay:     1 * time.Second,
	}
}

// AcquireWithBackoff retries Acquire up to backoff.MaxAttempts times.
// ABORTED is never retried, per spec.md §7's propagation policy.
func AcquireWithBackoff(ctx context.Context, m *Mutex, opts AcquireOptions, backoff BackoffOptions) (ReleaseFunc, error) {
	var lastErr error
	for attempt := 0; attempt < backoff.MaxAttempts; attempt++ {
		release, err := m.Acquire(ctx, opts)
		if err == nil {
			return release, nil
		}
		if oidcerr.Is(err, oidcerr.CodeAborted) {
			return nil, err
		}
		lastErr = err

		delay := time.Duration(float64(backoff.InitialDelay) * math.Pow(backoff.Factor, float64(attempt)))
		if delay > backoff.MaxDelay {
			delay = backoff.MaxDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, oidcerr.New(oidcerr.CodeAborted, "backoff loop cancelled")
		}
	}
	return nil, oidcerr.Wrap(oidcerr.CodeAcquireFailed, "exhausted backoff attempts acquiring mutex "+m.name, lastErr)
}
