package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	rateplandomain "github.com/smallbiznis/billingcore/internal/rateplan/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
)

type Service interface {
	Price(ctx context.Context, records []usagedomain.UsageRecord, snapshot *rateplandomain.PlanSnapshot, period Period) ([]LineItem, error)
}

var (
	ErrInvalidPeriod   = errors.New("invalid_period")
	ErrMissingSnapshot = errors.New("missing_plan_snapshot")
	ErrInvalidQuantity = errors.New("invalid_quantity")
)

// CoverageError reports usage for a product the plan does not price. Unpriced
// usage is fatal to the affected invoice; it is never silently dropped or
// zero-priced.
type CoverageError struct {
	CustomerID snowflake.ID
	ProductID  snowflake.ID
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("no rate coverage for product %s (customer %s)", e.ProductID, e.CustomerID)
}
