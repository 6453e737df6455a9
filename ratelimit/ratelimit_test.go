package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireNoLimitIsNoop(t *testing.T) {
	l := New(Config{})
	start := time.Now()
	_, err := l.Acquire(context.Background(), 100000)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireBlocksWhenBudgetExceeded(t *testing.T) {
	l := New(Config{MaxTPM: 600}) // 10 tokens/sec, burst 600

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := l.Acquire(ctx, 600)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, 10)
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), 10*time.Millisecond)
}

func TestCoordinatedPauseBlocksAcquire(t *testing.T) {
	l := New(Config{})
	l.RecordAPIRateLimit(150*time.Millisecond, "test")
	assert.True(t, l.IsPaused())

	start := time.Now()
	_, err := l.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, l.IsPaused())
}

func TestRecordAPIRateLimitDoesNotShortenExistingPause(t *testing.T) {
	l := New(Config{})
	l.RecordAPIRateLimit(500*time.Millisecond, "first")
	firstUntil := l.pauseUntil

	l.RecordAPIRateLimit(10*time.Millisecond, "second")
	assert.Equal(t, firstUntil, l.pauseUntil)
	assert.Equal(t, 2, l.APIRateLimitsDetected())
}

func TestCalibrationConverges(t *testing.T) {
	l := New(Config{MaxTPM: 1000, AdaptiveCalibration: true})
	l.lastRecalibration = time.Time{} // force immediate recalibration eligibility

	for i := 0; i < ringCapacity; i++ {
		l.RecordSuccessfulRequest(100, 200)
	}

	factor := l.CalibrationFactor()
	assert.Greater(t, factor, 1.0)
	assert.LessOrEqual(t, factor, maxCalibrationFactor)
}

func TestExtractWaitTimeSources(t *testing.T) {
	l := New(Config{})

	assert.Equal(t, 5*time.Second, l.ExtractWaitTime(5*time.Second, "ignored"))
	assert.Equal(t, 30*time.Second, l.ExtractWaitTime(0, "please retry after 30 seconds"))
	assert.Equal(t, 7*time.Second, l.ExtractWaitTime(0, "wait 7s and try again"))
	assert.Equal(t, defaultRateLimitWait, l.ExtractWaitTime(0, "no hints here"))
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError("429 Too Many Requests"))
	assert.True(t, IsRateLimitError("token rate limit exceeded"))
	assert.False(t, IsRateLimitError("connection reset by peer"))
}

func TestConcurrentAcquireIsSafe(t *testing.T) {
	l := New(Config{MaxTPM: 6000})
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			_, _ = l.Acquire(context.Background(), 10)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
