package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Retry(t *testing.T) {
	b := &Backoff{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

	attempts := 0
	err := b.Retry(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("simulated error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestBackoff_MaxRetries(t *testing.T) {
	b := &Backoff{MaxRetries: 2, InitialDelay: time.Millisecond}
	failure := errors.New("always fail")

	attempts := 0
	err := b.Retry(context.Background(), func(context.Context) error {
		attempts++
		return failure
	})

	assert.ErrorIs(t, err, failure)
	// 1次首次尝试 + 2次重试
	assert.Equal(t, 3, attempts)
}

func TestBackoff_NoRetries(t *testing.T) {
	b := &Backoff{}
	failure := errors.New("fail")

	attempts := 0
	err := b.Retry(context.Background(), func(context.Context) error {
		attempts++
		return failure
	})

	assert.Equal(t, failure, err, "error should be returned unwrapped")
	assert.Equal(t, 1, attempts)
}

func TestBackoff_ContextCancel(t *testing.T) {
	b := &Backoff{MaxRetries: 10, InitialDelay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Retry(ctx, func(context.Context) error {
		return errors.New("fail")
	})

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "retry should stop waiting when the context is cancelled")
}

func TestBackoff_Delay(t *testing.T) {
	b := &Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.delay(tt.attempt), "delay(%d)", tt.attempt)
	}

	b.Jitter = true
	for i := 0; i < 20; i++ {
		assert.InDelta(t, float64(200*time.Millisecond), float64(b.delay(2)), float64(20*time.Millisecond))
	}
}
