package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketpay/internal/config"
)

const keyWebhookSource = "webhook:%s:%s"

// WebhookLimiter throttles webhook deliveries per provider and source IP.
// A nil or disabled limiter admits everything.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewWebhookLimiter(cfg config.Config, client *redis.Client) *WebhookLimiter {
	limit := cfg.WebhookRateLimit
	if client == nil || limit.Rate <= 0 || limit.Burst <= 0 {
		return nil
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(client),
		rate:   limit.Rate,
		burst:  limit.Burst,
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *WebhookLimiter) Allow(ctx context.Context, provider, clientIP string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookSource,
		strings.ToLower(strings.TrimSpace(provider)),
		strings.TrimSpace(clientIP),
	)
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
