package rateplan

import (
	"github.com/smallbiznis/billingcore/internal/rateplan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rateplan.service",
	fx.Provide(service.New),
)
