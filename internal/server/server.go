package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/marketpay/internal/audit"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/ledger"
	"github.com/smallbiznis/marketpay/internal/notification"
	"github.com/smallbiznis/marketpay/internal/observability"
	obslogger "github.com/smallbiznis/marketpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/marketpay/internal/observability/tracing"
	"github.com/smallbiznis/marketpay/internal/payment"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/ratelimit"
	"github.com/smallbiznis/marketpay/internal/seller"
	"github.com/smallbiznis/marketpay/internal/settlement"
	settlementdomain "github.com/smallbiznis/marketpay/internal/settlement/domain"
	"github.com/smallbiznis/marketpay/internal/settlement/statement"
	"github.com/smallbiznis/marketpay/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/marketpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	ledger.Module,
	seller.Module,
	notification.Module,
	payment.Module,
	settlement.Module,
	subscription.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

// run depends on *Server so routes are registered before the listener starts.
func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	clock           clock.Clock
	paymentSvc      paymentdomain.Service
	webhookSvc      paymentdomain.WebhookService
	settlementSvc   settlementdomain.Service
	statements      statement.Renderer
	subscriptionSvc subscriptiondomain.Service
	webhookLimiter  *ratelimit.WebhookLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Clock           clock.Clock
	PaymentSvc      paymentdomain.Service
	WebhookSvc      paymentdomain.WebhookService
	SettlementSvc   settlementdomain.Service
	Statements      statement.Renderer `optional:"true"`
	SubscriptionSvc subscriptiondomain.Service
	WebhookLimiter  *ratelimit.WebhookLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		clock:           p.Clock,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
		settlementSvc:   p.SettlementSvc,
		statements:      p.Statements,
		subscriptionSvc: p.SubscriptionSvc,
		webhookLimiter:  p.WebhookLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payments --------
	api.POST("/checkout", s.Checkout)
	api.GET("/payments/:id", s.GetPayment)
	api.POST("/payments/:id/confirm", s.ConfirmPayment)
	api.POST("/orders/:id/refunds", s.RequestRefund)

	// -------- Settlements --------
	api.GET("/settlements", s.ListSettlements)
	api.GET("/settlements/estimate", s.EstimateSettlement)
	api.POST("/settlements/run", s.RunSettlements)
	api.GET("/settlements/:id", s.GetSettlement)
	api.GET("/settlements/:id/items", s.ListSettlementItems)
	api.GET("/settlements/:id/statement", s.DownloadSettlementStatement)
	api.POST("/settlements/:id/submit", s.SubmitSettlementPayout)
	api.POST("/settlements/:id/confirm", s.ConfirmSettlementPayout)
	api.POST("/settlements/:id/fail", s.FailSettlementPayout)
	api.POST("/settlements/:id/cancel", s.CancelSettlement)
	api.POST("/verifier-payouts", s.RecordVerifierPayout)

	// -------- Subscriptions --------
	api.GET("/plans", s.ListPlans)
	api.GET("/subscriptions/proration", s.CalculateProration)
	api.POST("/subscriptions", s.Subscribe)
	api.GET("/subscriptions/:id", s.GetSubscription)
	api.GET("/subscriptions/:id/changes", s.ListSubscriptionChanges)
	api.POST("/subscriptions/:id/change", s.ChangeSubscriptionPlan)
	api.POST("/subscriptions/:id/cancel", s.CancelSubscription)
	api.POST("/subscriptions/:id/reactivate", s.ReactivateSubscription)
}
