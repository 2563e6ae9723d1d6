package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	result := Do(context.Background(), fastConfig(2), "test", func(context.Context) error {
		return nil
	}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, result.LastError)
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
}

func TestDoExhaustsRetries(t *testing.T) {
	boom := errors.New("still failing")
	result := Do(context.Background(), fastConfig(2), "test", func(context.Context) error {
		return boom
	}, nil)

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.ErrorIs(t, result.LastError, boom)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	result := Do(context.Background(), fastConfig(5), "test", func(context.Context) error {
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: -1, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	done := make(chan Result)
	go func() {
		done <- Do(ctx, cfg, "test", func(context.Context) error { return errors.New("down") }, nil)
	}()
	cancel()

	select {
	case result := <-done:
		assert.False(t, result.Success)
		assert.ErrorIs(t, result.LastError, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, cfg.Delay(0))
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 8*time.Second, cfg.Delay(3))
	assert.Equal(t, 10*time.Second, cfg.Delay(10))
}

func TestDelayJitterStaysInRange(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}

	for i := 0; i < 50; i++ {
		d := cfg.Delay(2)
		assert.GreaterOrEqual(t, d, 3600*time.Millisecond)
		assert.LessOrEqual(t, d, 4400*time.Millisecond)
	}
}
