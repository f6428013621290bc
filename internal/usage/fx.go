package usage

import (
	"github.com/smallbiznis/billingcore/internal/usage/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("usage",
	fx.Provide(repository.New),
)
