// Package domain defines the tax computation boundary. Tax rate authority
// lives outside the core; implementations are injected collaborators.
package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
)

type Calculator interface {
	ComputeTax(ctx context.Context, lineItems []pricingdomain.LineItem, jurisdiction string) (decimal.Decimal, error)
}

var ErrUnknownJurisdiction = errors.New("unknown_jurisdiction")
