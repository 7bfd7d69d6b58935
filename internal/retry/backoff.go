package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config controls backoff between retry attempts.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts <= 0 retries until the context is cancelled. The
	// connection controller relies on this: reconnection never gives up
	// while the process is alive.
	MaxAttempts int
	Jitter      bool
}

// Fixed returns a config that waits the same delay between every attempt,
// forever.
func Fixed(delay time.Duration) Config {
	return Config{
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
		MaxAttempts:  0,
	}
}

// Backoff executes operations with delay between attempts.
type Backoff struct {
	config Config
}

// New creates a Backoff from the given config.
func New(config Config) *Backoff {
	if config.Multiplier < 1.0 {
		config.Multiplier = 1.0
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = config.InitialDelay
	}
	return &Backoff{config: config}
}

// Retry runs operation until it succeeds, the attempt budget is exhausted,
// or ctx is done. The context error wins when cancellation races a failure.
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if b.config.MaxAttempts > 0 && attempt >= b.config.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}
}

// Delay returns the pause used after the given 1-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier
		if delay >= float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
			break
		}
	}

	if b.config.Jitter {
		// +/-25% spread so herds of clients do not reconnect in step.
		delay += (rand.Float64() - 0.5) * 0.5 * delay
	}

	if delay < 0 {
		delay = float64(b.config.InitialDelay)
	}
	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}
	return time.Duration(delay)
}
