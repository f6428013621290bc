package service

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	discountdomain "github.com/smallbiznis/billingcore/internal/discount/domain"
	"github.com/smallbiznis/billingcore/internal/money"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
	"github.com/smallbiznis/billingcore/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	log      *zap.Logger
	ruleRepo repository.Repository[discountdomain.Rule]
}

func New(p Params) discountdomain.Service {
	return &Service{
		log:      p.Log.Named("discount.service"),
		ruleRepo: repository.ProvideStore[discountdomain.Rule](p.DB),
	}
}

// applyFunc computes a rule's raw adjustment for a line item. original is the
// pre-discount subtotal, current the running post-discount value.
type applyFunc func(rule discountdomain.Rule, original, current decimal.Decimal, currency string) (decimal.Decimal, error)

var kindTable = map[discountdomain.Kind]applyFunc{
	discountdomain.KindPercentage:   applyPercentage,
	discountdomain.KindFixed:        applyFixed,
	discountdomain.KindTieredRebate: applyTieredRebate,
}

func (s *Service) ListRules(ctx context.Context) ([]discountdomain.Rule, error) {
	rows, err := s.ruleRepo.Find(ctx, &discountdomain.Rule{})
	if err != nil {
		return nil, err
	}
	rules := make([]discountdomain.Rule, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		rules = append(rules, *row)
	}
	return rules, nil
}

// Apply runs the ordered rule set over priced line items. Rules apply in
// ascending priority, Code lexical on ties; a non-stackable application seals
// its line item against further rules. Post-discount values clamp at zero
// with the shortfall recorded.
func (s *Service) Apply(
	ctx context.Context,
	lineItems []pricingdomain.LineItem,
	rules []discountdomain.Rule,
	customerID snowflake.ID,
) ([]pricingdomain.LineItem, discountdomain.Result, error) {
	_ = ctx

	result := discountdomain.Result{DiscountTotal: decimal.Zero}

	adjusted := make([]pricingdomain.LineItem, len(lineItems))
	copy(adjusted, lineItems)

	for i := range adjusted {
		item := &adjusted[i]

		matched := matchRules(rules, customerID, item.ProductID)
		if len(matched) == 0 {
			continue
		}

		if err := checkConflicts(matched, item.ProductID); err != nil {
			return nil, discountdomain.Result{}, err
		}

		original := item.Subtotal
		current := original
		sealedBy := ""

		for _, rule := range matched {
			if sealedBy != "" {
				result.Suppressed = append(result.Suppressed, discountdomain.SuppressedRule{
					RuleCode:  rule.Code,
					ProductID: item.ProductID,
					TierIndex: item.TierIndex,
					SealedBy:  sealedBy,
				})
				continue
			}

			apply, ok := kindTable[rule.Kind]
			if !ok {
				return nil, discountdomain.Result{}, discountdomain.ErrUnknownKind
			}

			amount, err := apply(rule, original, current, item.Currency)
			if err != nil {
				return nil, discountdomain.Result{}, err
			}
			if amount.IsNegative() {
				return nil, discountdomain.Result{}, discountdomain.ErrInvalidValue
			}

			if amount.GreaterThan(current) {
				result.Capped = append(result.Capped, discountdomain.CappedDiscount{
					RuleCode:  rule.Code,
					ProductID: item.ProductID,
					TierIndex: item.TierIndex,
					Requested: amount,
					Applied:   current,
				})
				amount = current
			}

			current = current.Sub(amount)
			item.DiscountAmount = item.DiscountAmount.Add(amount)
			result.DiscountTotal = result.DiscountTotal.Add(amount)

			if !rule.Stackable {
				sealedBy = rule.Code
			}
		}
	}

	return adjusted, result, nil
}

// matchRules selects and orders the rules applicable to one line item.
func matchRules(rules []discountdomain.Rule, customerID, productID snowflake.ID) []discountdomain.Rule {
	matched := make([]discountdomain.Rule, 0, len(rules))
	for _, rule := range rules {
		switch rule.Scope {
		case discountdomain.ScopeGlobal:
			matched = append(matched, rule)
		case discountdomain.ScopeCustomer:
			if rule.CustomerID != nil && *rule.CustomerID == customerID {
				matched = append(matched, rule)
			}
		case discountdomain.ScopeProduct:
			if rule.ProductID != nil && *rule.ProductID == productID {
				matched = append(matched, rule)
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].Code < matched[j].Code
	})
	return matched
}

func checkConflicts(matched []discountdomain.Rule, productID snowflake.ID) error {
	byPriority := make(map[int][]string)
	for _, rule := range matched {
		if rule.Stackable {
			continue
		}
		byPriority[rule.Priority] = append(byPriority[rule.Priority], rule.Code)
	}
	for priority, codes := range byPriority {
		if len(codes) > 1 {
			sort.Strings(codes)
			return &discountdomain.ConflictError{
				Priority:  priority,
				RuleCodes: codes,
				ProductID: productID,
			}
		}
	}
	return nil
}

// applyPercentage computes on the pre-discount subtotal; stackable rules chain
// on the already-discounted running value instead.
func applyPercentage(rule discountdomain.Rule, original, current decimal.Decimal, currency string) (decimal.Decimal, error) {
	if rule.Value.IsNegative() {
		return decimal.Zero, discountdomain.ErrInvalidValue
	}
	base := original
	if rule.Stackable {
		base = current
	}
	return money.Round(base.Mul(rule.Value).Div(decimal.NewFromInt(100)), currency), nil
}

func applyFixed(rule discountdomain.Rule, _, _ decimal.Decimal, currency string) (decimal.Decimal, error) {
	if rule.Value.IsNegative() {
		return decimal.Zero, discountdomain.ErrInvalidValue
	}
	return money.Round(rule.Value, currency), nil
}

// applyTieredRebate picks the highest band whose threshold the pre-discount
// subtotal reaches and rebates that band's rate.
func applyTieredRebate(rule discountdomain.Rule, original, _ decimal.Decimal, currency string) (decimal.Decimal, error) {
	bands := make([]discountdomain.RebateBand, len(rule.RebateBands))
	copy(bands, rule.RebateBands)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Threshold.LessThan(bands[j].Threshold) })

	rate := decimal.Zero
	for _, band := range bands {
		if band.Rate.IsNegative() {
			return decimal.Zero, discountdomain.ErrInvalidValue
		}
		if original.GreaterThanOrEqual(band.Threshold) {
			rate = band.Rate
		}
	}
	if rate.IsZero() {
		return decimal.Zero, nil
	}
	return money.Round(original.Mul(rate).Div(decimal.NewFromInt(100)), currency), nil
}
