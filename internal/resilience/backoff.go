package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default backoff parameters.
const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Backoff retries an operation with exponentially growing pauses between
// attempts. The zero value uses a 1s initial delay, a 30s cap and unlimited
// attempts.
type Backoff struct {
	// Initial is the pause after the first failure. Doubles on each further
	// failure up to Max.
	Initial time.Duration

	// Max caps the pause.
	Max time.Duration

	// MaxAttempts bounds the number of calls. Zero or negative means retry
	// until the context ends.
	MaxAttempts int

	// sleep waits for d or until ctx ends. Nil means a real timer.
	sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the pause that follows the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial, ceiling := b.Initial, b.Max
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// Retry calls fn until it succeeds, the attempt budget is spent, or ctx ends.
// fn receives the 1-based attempt number. The last error is returned when the
// budget runs out; ctx's error is returned when ctx ends first.
func (b Backoff) Retry(ctx context.Context, name string, fn func(ctx context.Context, attempt int) error) error {
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("%s: gave up after %d attempts: %w", name, attempt, err)
		}
		delay := b.Delay(attempt)
		slog.Warn("attempt failed, retrying",
			"name", name,
			"attempt", attempt,
			"backoff", delay,
			"err", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
