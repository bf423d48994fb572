package notification

import (
	"github.com/smallbiznis/marketpay/internal/notification/domain"
	"github.com/smallbiznis/marketpay/internal/notification/publisher"
	"github.com/smallbiznis/marketpay/internal/notification/repository"
	"github.com/smallbiznis/marketpay/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.outbox",
	fx.Provide(repository.Provide),
	fx.Provide(publisher.New),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Outbox { return s }),
	fx.Provide(func(s *service.Service) domain.Dispatcher { return s }),
)
