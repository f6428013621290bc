package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
)

type Service interface {
	Apply(ctx context.Context, lineItems []pricingdomain.LineItem, rules []Rule, customerID snowflake.ID) ([]pricingdomain.LineItem, Result, error)
	ListRules(ctx context.Context) ([]Rule, error)
}

// CappedDiscount records a clamp at zero: the rule asked for more than the
// line had left. The shortfall is surfaced as a diagnostic, never absorbed.
type CappedDiscount struct {
	RuleCode  string
	ProductID snowflake.ID
	TierIndex int
	Requested decimal.Decimal
	Applied   decimal.Decimal
}

// SuppressedRule records a matching rule that was skipped because a
// non-stackable rule already sealed the line item.
type SuppressedRule struct {
	RuleCode  string
	ProductID snowflake.ID
	TierIndex int
	SealedBy  string
}

// Result aggregates the outcome of a discount application pass.
type Result struct {
	DiscountTotal decimal.Decimal
	Capped        []CappedDiscount
	Suppressed    []SuppressedRule
}

// ConflictError is raised when two non-stackable rules tie on priority for the
// same line item. Ambiguous precedence is a rule-authoring defect and must be
// surfaced rather than resolved arbitrarily.
type ConflictError struct {
	Priority  int
	RuleCodes []string
	ProductID snowflake.ID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("non-stackable discount rules %s tie at priority %d for product %s",
		strings.Join(e.RuleCodes, ", "), e.Priority, e.ProductID)
}

var (
	ErrUnknownKind  = errors.New("unknown_discount_kind")
	ErrInvalidValue = errors.New("invalid_discount_value")
)
