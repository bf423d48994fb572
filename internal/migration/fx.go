package migration

import (
	"github.com/smallbiznis/marketpay/internal/seed"
	subscriptiondomain "github.com/smallbiznis/marketpay/internal/subscription/domain"
	"github.com/smallbiznis/marketpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config, plans subscriptiondomain.Repository, log *zap.Logger) error {
		if err := Run(conn, cfg.Type); err != nil {
			return err
		}
		if err := seed.EnsureCatalog(conn, plans); err != nil {
			return err
		}
		log.Named("migrations").Info("schema up to date, catalog seeded", zap.String("type", cfg.Type))
		return nil
	}),
)
