package seller

import (
	"github.com/smallbiznis/marketpay/internal/seller/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("seller.repository",
	fx.Provide(repository.Provide),
)
