package server

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketpay/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonWebhookSource = "webhook-source-rate"

// WebhookRateLimit throttles deliveries per provider and client IP.
// Limiter failures admit the request.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))

		result, err := s.webhookLimiter.Allow(ctx, provider, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("webhook rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			denyWebhookRateLimit(c, s, provider, result.RetryAfter)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Next()
	}
}

func denyWebhookRateLimit(c *gin.Context, s *Server, provider string, retryAfter time.Duration) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("webhook rate limit exceeded",
		zap.String("reason", rateLimitReasonWebhookSource),
		zap.String("provider", provider),
	)
	s.obsMetrics.RecordWebhookRejected(ctx, provider, "rate_limited")

	c.Header("Retry-After", retryAfterSeconds(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonWebhookSource)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
