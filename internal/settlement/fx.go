package settlement

import (
	"github.com/smallbiznis/marketpay/internal/settlement/repository"
	"github.com/smallbiznis/marketpay/internal/settlement/service"
	"github.com/smallbiznis/marketpay/internal/settlement/statement"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(statement.New),
)
