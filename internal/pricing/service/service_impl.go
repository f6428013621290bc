package service

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/internal/money"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
	rateplandomain "github.com/smallbiznis/billingcore/internal/rateplan/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log *zap.Logger
}

type Service struct {
	log *zap.Logger
}

func New(p Params) pricingdomain.Service {
	return &Service{
		log: p.Log.Named("pricing.service"),
	}
}

type groupKey struct {
	customerID snowflake.ID
	productID  snowflake.ID
}

// Price converts a usage record set into priced line items under a plan
// snapshot. The computation is a pure function of (record set, snapshot,
// period): records are grouped and summed before any ordering-sensitive step,
// so input order can never change the output.
func (s *Service) Price(
	ctx context.Context,
	records []usagedomain.UsageRecord,
	snapshot *rateplandomain.PlanSnapshot,
	period pricingdomain.Period,
) ([]pricingdomain.LineItem, error) {
	_ = ctx

	if snapshot == nil {
		return nil, pricingdomain.ErrMissingSnapshot
	}
	if !period.Valid() {
		return nil, pricingdomain.ErrInvalidPeriod
	}

	window, ok := effectiveWindow(period, snapshot.Plan)
	if !ok {
		return nil, pricingdomain.ErrInvalidPeriod
	}

	quantities := make(map[groupKey]decimal.Decimal)
	for _, record := range records {
		if !window.Contains(record.RecordedAt) {
			continue
		}
		if record.Quantity.IsNegative() {
			return nil, pricingdomain.ErrInvalidQuantity
		}
		if !snapshot.Covers(record.ProductID) {
			return nil, &pricingdomain.CoverageError{
				CustomerID: record.CustomerID,
				ProductID:  record.ProductID,
			}
		}
		key := groupKey{customerID: record.CustomerID, productID: record.ProductID}
		quantities[key] = quantities[key].Add(record.Quantity)
	}

	keys := make([]groupKey, 0, len(quantities))
	for key := range quantities {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].customerID != keys[j].customerID {
			return keys[i].customerID < keys[j].customerID
		}
		return keys[i].productID < keys[j].productID
	})

	currency := snapshot.Plan.Currency
	items := make([]pricingdomain.LineItem, 0, len(keys))
	for _, key := range keys {
		tiers := snapshot.TiersByProduct[key.productID]
		items = append(items, splitAcrossTiers(key.customerID, key.productID, quantities[key], tiers, currency)...)
	}

	return items, nil
}

// effectiveWindow intersects the billing period with the plan validity window.
// Usage outside the plan's validity is not priced (partial-period coverage is
// handled here rather than by scaling amounts).
func effectiveWindow(period pricingdomain.Period, plan rateplandomain.RatePlan) (pricingdomain.Period, bool) {
	start := period.Start
	if plan.ValidFrom.After(start) {
		start = plan.ValidFrom
	}
	end := period.End
	if plan.ValidTo != nil && plan.ValidTo.Before(end) {
		end = *plan.ValidTo
	}
	if !end.After(start) {
		return pricingdomain.Period{}, false
	}
	return pricingdomain.Period{Start: start, End: end}, true
}

// splitAcrossTiers folds a total quantity over the ordered tier sequence,
// emitting one line item per tier actually consumed. The accumulator is
// (remaining quantity, consumed boundary); each step takes
// min(remaining, tier capacity) at the tier's unit price.
func splitAcrossTiers(
	customerID, productID snowflake.ID,
	quantity decimal.Decimal,
	tiers []rateplandomain.RateTier,
	currency string,
) []pricingdomain.LineItem {
	items := make([]pricingdomain.LineItem, 0, 1)

	remaining := quantity
	consumed := decimal.Zero
	for _, tier := range tiers {
		if !remaining.IsPositive() {
			break
		}

		inTier := remaining
		if tier.UpToQuantity != nil {
			capacity := tier.UpToQuantity.Sub(consumed)
			if capacity.IsNegative() {
				capacity = decimal.Zero
			}
			if inTier.GreaterThan(capacity) {
				inTier = capacity
			}
		}

		if inTier.IsPositive() {
			items = append(items, pricingdomain.LineItem{
				CustomerID:     customerID,
				ProductID:      productID,
				TierIndex:      tier.TierIndex,
				Quantity:       inTier,
				UnitPrice:      tier.UnitPrice,
				Subtotal:       money.Round(inTier.Mul(tier.UnitPrice), currency),
				DiscountAmount: decimal.Zero,
				Currency:       currency,
			})
		}

		remaining = remaining.Sub(inTier)
		consumed = consumed.Add(inTier)
	}

	return items
}
