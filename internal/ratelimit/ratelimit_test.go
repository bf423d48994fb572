package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLockerWithoutRedisRunsInline(t *testing.T) {
	var locker *Locker
	require.False(t, locker.Enabled())

	calls := 0
	ran, err := locker.WithLock(context.Background(), "job:settlement_run", time.Minute, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err = locker.WithLock(context.Background(), "job:settlement_run", time.Minute, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, _, err = locker.TryLock(context.Background(), "job", time.Minute)
	require.ErrorIs(t, err, ErrLockNotConfigured)
	require.NoError(t, locker.Release(context.Background(), "job", "token"))
}

func TestWebhookLimiterDisabledWithoutRedis(t *testing.T) {
	cfg := config.Config{WebhookRateLimit: config.WebhookRateLimitConfig{Rate: 10, Burst: 20}}
	limiter := NewWebhookLimiter(cfg, nil)
	require.Nil(t, limiter)
	require.False(t, limiter.Enabled())

	res, err := limiter.Allow(context.Background(), "stripe", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestTokenBucketValidation(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	require.ErrorIs(t, err, ErrLimiterNotConfigured)
}

func TestRetryAfter(t *testing.T) {
	require.Zero(t, retryAfter(true, 0, 10))
	require.Equal(t, 50*time.Millisecond, retryAfter(false, 0.5, 10))
	require.Equal(t, 2*time.Second, bucketTTL(10, 10))
	require.Equal(t, time.Second, bucketTTL(1000, 1))
}

func TestReplyConversion(t *testing.T) {
	require.Equal(t, int64(1), toInt(int64(1)))
	require.Equal(t, int64(7), toInt("7"))
	require.InDelta(t, 3.25, toFloat("3.25"), 1e-9)
	require.InDelta(t, 2.0, toFloat(int64(2)), 1e-9)
}
