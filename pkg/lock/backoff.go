package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// BackoffOptions tunes AcquireWithBackoff.
type BackoffOptions struct {
	Min   time.Duration
	Max   time.Duration
	Rand  *rand.Rand
	Sleep func(time.Duration)
	// OnContended is called after every attempt that found the lock held.
	OnContended func(attempt int, delay time.Duration)
}

// AcquireWithBackoff retries Acquire until the lock is obtained, the context
// ends, or a non-contention error occurs. Delays grow exponentially from Min
// to Max with jitter.
func AcquireWithBackoff(ctx context.Context, m Manager, opts BackoffOptions) (Lease, error) {
	if m == nil {
		return nil, errors.New("lock manager must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Min <= 0 {
		opts.Min = time.Second
	}
	if opts.Max < opts.Min {
		opts.Max = opts.Min
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}

	for attempt := 0; ; attempt++ {
		lease, err := m.Acquire(ctx)
		switch {
		case err == nil:
			return lease, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case !errors.Is(err, ErrNotAcquired):
			return nil, fmt.Errorf("acquire leadership: %w", err)
		}

		delay := backoffDelay(attempt, opts.Min, opts.Max, opts.Rand)
		if opts.OnContended != nil {
			opts.OnContended(attempt+1, delay)
		}
		if err := sleepWithContext(ctx, opts.Sleep, delay); err != nil {
			return nil, err
		}
	}
}

func backoffDelay(attempt int, min, max time.Duration, rnd *rand.Rand) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	base := min * time.Duration(1<<attempt)
	if base < min {
		base = min
	}
	if base > max {
		base = max
	}
	jitterRange := base - min
	if jitterRange <= 0 {
		return min
	}
	return min + time.Duration(rnd.Int63n(int64(jitterRange)+1))
}

func sleepWithContext(ctx context.Context, sleep func(time.Duration), d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
