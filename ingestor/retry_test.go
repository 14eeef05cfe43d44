package ingestor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopRetry_CallsOnce(t *testing.T) {
	var calls atomic.Int32
	err := nopRetry{}.Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSimpleRetry_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	r := SimpleRetry{Attempts: 10, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}

	err := r.Do(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("fail")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSimpleRetry_ReturnsLastError(t *testing.T) {
	var calls atomic.Int32
	r := SimpleRetry{Attempts: 4, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond, Jitter: true}

	sentinel := errors.New("boom")
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, int32(4), calls.Load())
}

func TestSimpleRetry_RespectsContextCancel(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := SimpleRetry{Attempts: 10, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := r.Do(ctx, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}

func BenchmarkSimpleRetry_SuccessFirstTry(b *testing.B) {
	r := SimpleRetry{Attempts: 5, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = r.Do(ctx, func(ctx context.Context) error { return nil })
	}
}
