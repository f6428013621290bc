package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/money"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
	taxdomain "github.com/smallbiznis/billingcore/internal/tax/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Config *config.BillingConfigHolder
}

// FlatRate taxes the post-discount total at a single rate per jurisdiction.
// Rates come from the hot-reloadable billing config as decimal strings.
type FlatRate struct {
	log    *zap.Logger
	config *config.BillingConfigHolder
}

func NewFlatRate(p Params) taxdomain.Calculator {
	return &FlatRate{
		log:    p.Log.Named("tax.flatrate"),
		config: p.Config,
	}
}

func (c *FlatRate) ComputeTax(ctx context.Context, lineItems []pricingdomain.LineItem, jurisdiction string) (decimal.Decimal, error) {
	_ = ctx

	cfg := c.config.Get()
	jurisdiction = strings.TrimSpace(jurisdiction)
	if jurisdiction == "" {
		jurisdiction = cfg.DefaultJurisdiction
	}

	raw, ok := cfg.TaxRates[jurisdiction]
	if !ok {
		return decimal.Zero, taxdomain.ErrUnknownJurisdiction
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || rate.IsNegative() {
		return decimal.Zero, taxdomain.ErrUnknownJurisdiction
	}
	if len(lineItems) == 0 || rate.IsZero() {
		return decimal.Zero, nil
	}

	currency := lineItems[0].Currency
	taxable := decimal.Zero
	for _, item := range lineItems {
		taxable = taxable.Add(item.NetSubtotal())
	}
	if taxable.IsNegative() {
		return decimal.Zero, nil
	}

	return money.Round(taxable.Mul(rate), currency), nil
}

// Noop computes no tax. Used when the surrounding pipeline settles tax
// elsewhere.
type Noop struct{}

func NewNoop() taxdomain.Calculator { return Noop{} }

func (Noop) ComputeTax(context.Context, []pricingdomain.LineItem, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
