package payment

import (
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/payment/adapters"
	"github.com/smallbiznis/marketpay/internal/payment/adapters/stripe"
	"github.com/smallbiznis/marketpay/internal/payment/adapters/toss"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/marketpay/internal/payment/service"
	"github.com/smallbiznis/marketpay/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)

// NewRegistry registers every rail that has credentials configured.
func NewRegistry(cfg config.Config, log *zap.Logger) *adapters.Registry {
	log = log.Named("payment.registry")
	registry := adapters.NewRegistry()

	if cfg.Stripe.APIKey != "" && cfg.Stripe.WebhookSecret != "" {
		registry.Register(stripe.NewFactory(), paymentdomain.ProviderConfig{
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			BaseURL:       cfg.Stripe.BaseURL,
		})
	} else {
		log.Warn("stripe rail disabled: credentials not configured")
	}

	if cfg.Toss.SecretKey != "" && cfg.Toss.WebhookSecret != "" {
		registry.Register(toss.NewFactory(), paymentdomain.ProviderConfig{
			APIKey:        cfg.Toss.SecretKey,
			WebhookSecret: cfg.Toss.WebhookSecret,
			BaseURL:       cfg.Toss.BaseURL,
		})
	} else {
		log.Warn("toss rail disabled: credentials not configured")
	}

	log.Info("payment rails registered", zap.Strings("providers", registry.Names()))
	return registry
}
