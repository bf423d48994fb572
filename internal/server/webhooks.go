package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketpay/internal/observability/logger"
	"go.uber.org/zap"
)

// maxWebhookBody bounds the raw body read before signature verification.
const maxWebhookBody = 1 << 20

// HandlePaymentWebhook passes the raw body through untouched; signatures are
// computed over the exact bytes the provider sent.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(payload) == 0 || len(payload) > maxWebhookBody {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Duplicate {
		logger.FromContext(c.Request.Context()).Info("webhook replayed",
			zap.String("provider", provider),
			zap.String("event_id", result.EventID),
		)
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
