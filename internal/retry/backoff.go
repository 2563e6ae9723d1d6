package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxRetries int           `koanf:"max_retries"` // Maximum number of retry attempts; negative retries forever
	BaseDelay  time.Duration `koanf:"base_delay"`  // Base delay between retries
	MaxDelay   time.Duration `koanf:"max_delay"`   // Maximum delay between retries
	Multiplier float64       `koanf:"multiplier"`  // Exponential backoff multiplier
	Jitter     bool          `koanf:"jitter"`      // Add up to 10% random jitter
}

// Result describes how a retried operation ended.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
}

// DefaultConfig is used for outbound API calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// SubscriptionConfig backs off resubscription attempts. It never gives up;
// only context cancellation ends the loop.
func SubscriptionConfig() Config {
	return Config{
		MaxRetries: -1,
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// QueueConfig schedules redelivery of failed events from the durable queue.
func QueueConfig() Config {
	return Config{
		MaxRetries: 8,
		BaseDelay:  5 * time.Second,
		MaxDelay:   time.Hour,
		Multiplier: 3.0,
		Jitter:     true,
	}
}

// Do runs op until it succeeds, a non-retryable error is returned, the
// retries are exhausted or ctx is done. A nil retryable treats every error
// as retryable.
func Do(ctx context.Context, cfg Config, name string, op func(ctx context.Context) error, retryable func(error) bool) Result {
	start := time.Now()
	var result Result

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		err := op(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			if attempt > 0 {
				log.Info().Str("op", name).Int("attempts", result.Attempts).Dur("took", result.TotalDuration).Msg("operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if retryable != nil && !retryable(err) {
			result.TotalDuration = time.Since(start)
			return result
		}
		if cfg.MaxRetries >= 0 && attempt >= cfg.MaxRetries {
			result.TotalDuration = time.Since(start)
			log.Warn().Err(err).Str("op", name).Int("attempts", result.Attempts).Msg("operation failed, retries exhausted")
			return result
		}

		delay := cfg.Delay(attempt)
		log.Debug().Err(err).Str("op", name).Int("attempt", result.Attempts).Dur("backoff", delay).Msg("operation failed, retrying")

		if !Sleep(ctx, delay) {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}
	}
}

// Delay returns the wait before retry number attempt (zero based).
func (c Config) Delay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))

	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(c.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
