package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	discountdomain "github.com/smallbiznis/billingcore/internal/discount/domain"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T) (discountdomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&discountdomain.Rule{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return New(Params{DB: db, Log: zap.NewNop()}), db, node
}

func lineItem(customerID, productID snowflake.ID, subtotal string) pricingdomain.LineItem {
	return pricingdomain.LineItem{
		CustomerID:     customerID,
		ProductID:      productID,
		TierIndex:      0,
		Quantity:       dec("1"),
		UnitPrice:      dec(subtotal),
		Subtotal:       dec(subtotal),
		DiscountAmount: decimal.Zero,
		Currency:       "USD",
	}
}

func TestApply_NonStackablePrecedence(t *testing.T) {
	svc, _, node := newService(t)

	customerID := node.Generate()
	productID := node.Generate()
	items := []pricingdomain.LineItem{lineItem(customerID, productID, "100")}

	rules := []discountdomain.Rule{
		{ID: node.Generate(), Code: "rule-a", Scope: discountdomain.ScopeGlobal, Kind: discountdomain.KindPercentage, Value: dec("10"), Priority: 1, Stackable: false},
		{ID: node.Generate(), Code: "rule-b", Scope: discountdomain.ScopeGlobal, Kind: discountdomain.KindPercentage, Value: dec("20"), Priority: 2, Stackable: false},
	}

	adjusted, result, err := svc.Apply(context.Background(), items, rules, customerID)
	require.NoError(t, err)

	// Only rule-a applies: $100 - 10% = $90. rule-b is recorded as suppressed.
	assert.True(t, adjusted[0].NetSubtotal().Equal(dec("90")))
	assert.True(t, result.DiscountTotal.Equal(dec("10")))
	require.Len(t, result.Suppressed, 1)
	assert.Equal(t, "rule-b", result.Suppressed[0].RuleCode)
	assert.Equal(t, "rule-a", result.Suppressed[0].SealedBy)
}

func TestApply_StackableChains(t *testing.T) {
	svc, _, node := newService(t)

	customerID := node.Generate()
	productID := node.Generate()
	items := []pricingdomain.LineItem{lineItem(customerID, productID, "100")}

	rules := []discountdomain.Rule{
		{ID: node.Generate(), Code: "rule-a", Scope: discountdomain.ScopeGlobal, Kind: discountdomain.KindPercentage, Value: dec("10"), Priority: 1, Stackable: true},
		{ID: node.Generate(), Code: "rule-b", Scope: discountdomain.ScopeGlobal, Kind: discountdomain.KindPercentage, Value: dec("20"), Priority: 2, Stackable: true},
	}

	adjusted, result, err := svc.Apply(context.Background(), items, rules, customerID)
	require.NoError(t, err)

	// Chained: $100 - 10% = $90, then - 20% of $90 = $72.
	assert.True(t, adjusted[0].NetSubtotal().Equal(dec("72")))
	assert.True(t, result.DiscountTotal.Equal(dec("28")))
	assert.Empty(t, result.Suppressed)
}

func TestApply_ClampAtZero(t *testing.T) {
	svc, _, node := newService(t)

	customerID := node.Generate()
	productID := node.Generate()
	items := []pricingdomain.LineItem{lineItem(customerID, productID, "40")}

	rules := []discountdomain.Rule{
		{ID: node.Generate(), Code: "big-fixed", Scope: discountdomain.ScopeGlobal, Kind: discountdomain.KindFixed, Value: dec("60"), Priority: 1, Stackable: false},
	}

	adjusted, result, err := svc.Apply(context.Background(), items, rules, customerID)
	require.NoError(t, err)

	assert.True(t, adjusted[0].NetSubtotal().IsZero())
	assert.True(t, result.DiscountTotal.Equal(dec("40")))
	require.Len(t, result.Capped, 1)
	assert.Equal(t, "big-fixed", result.Capped[0].RuleCode)
	assert.True(t, result.Capped[0].Requested.Equal(dec("60")))
	assert.True(t, result.Capped[0].Applied.Equal(dec("40")))
}

func TestApply_FullPercentageNeverNegative(t *testing.T) {
	svc, _, node := newService(t)

	customerID := node.Generate()
	productID := node.Generate()
	items := []pricingdomain.LineItem{lineItem(customerID, productID, "19.99")}

	rules := []discountdomain.Rule{
		{ID: node.Generate(), Code: "free", Scope: discountdomain.ScopeGlobal, Kind: discountdomain.KindPercentage, Value: dec("100"), Priority: 1, Stackable: false},
	}

	adjusted, result, err := svc.Apply(context.Background(), items, rules, customerID)
	require.NoError(t, err)
	assert.True(t, adjusted[0].NetSubtotal().IsZero())
	assert.False(t, adjusted[0].NetSubtotal().IsNegative())
	assert.Empty(t, result.Capped)
}

func TestApply_ConflictOnEqualPriority(t *testing.T) {
	svc, _, node := newService(t)

	customerID := node.Generate()
	productID := node.Generate()
	items := []pricingdomain.LineItem{lineItem(customerID, productID, "100")}

	rules := []discountdomain.Rule{
		{ID: node.Generate(), Code: "rule-a", Scope: discountdomain.ScopeGlobal, Kind: discountdomain.KindPercentage, Value: dec("10"), Priority: 1, Stackable: false},
		{ID: node.Generate(), Code: "rule-b", Scope: discountdomain.ScopeGlobal, Kind: discountdomain.KindFixed, Value: dec("5"), Priority: 1, Stackable: false},
	}

	_, _, err := svc.Apply(context.Background(), items, rules, customerID)
	var conflict *discountdomain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 1, conflict.Priority)
	assert.Equal(t, []string{"rule-a", "rule-b"}, conflict.RuleCodes)
}

func TestApply_ScopeMatching(t *testing.T) {
	svc, _, node := newService(t)

	customerID := node.Generate()
	otherCustomer := node.Generate()
	productID := node.Generate()
	otherProduct := node.Generate()
	items := []pricingdomain.LineItem{lineItem(customerID, productID, "100")}

	rules := []discountdomain.Rule{
		{ID: node.Generate(), Code: "mine", Scope: discountdomain.ScopeCustomer, CustomerID: &customerID, Kind: discountdomain.KindPercentage, Value: dec("5"), Priority: 1, Stackable: true},
		{ID: node.Generate(), Code: "not-mine", Scope: discountdomain.ScopeCustomer, CustomerID: &otherCustomer, Kind: discountdomain.KindPercentage, Value: dec("50"), Priority: 1, Stackable: true},
		{ID: node.Generate(), Code: "other-product", Scope: discountdomain.ScopeProduct, ProductID: &otherProduct, Kind: discountdomain.KindPercentage, Value: dec("50"), Priority: 1, Stackable: true},
	}

	adjusted, result, err := svc.Apply(context.Background(), items, rules, customerID)
	require.NoError(t, err)
	assert.True(t, adjusted[0].NetSubtotal().Equal(dec("95")))
	assert.True(t, result.DiscountTotal.Equal(dec("5")))
}

func TestApply_TieredRebate(t *testing.T) {
	svc, _, node := newService(t)

	customerID := node.Generate()
	productID := node.Generate()
	items := []pricingdomain.LineItem{lineItem(customerID, productID, "500")}

	rules := []discountdomain.Rule{
		{
			ID:    node.Generate(),
			Code:  "volume-rebate",
			Scope: discountdomain.ScopeGlobal,
			Kind:  discountdomain.KindTieredRebate,
			RebateBands: datatypes.NewJSONSlice([]discountdomain.RebateBand{
				{Threshold: dec("100"), Rate: dec("2")},
				{Threshold: dec("250"), Rate: dec("5")},
				{Threshold: dec("1000"), Rate: dec("10")},
			}),
			Priority:  1,
			Stackable: false,
		},
	}

	adjusted, result, err := svc.Apply(context.Background(), items, rules, customerID)
	require.NoError(t, err)

	// $500 reaches the $250 band: 5% back = $25.
	assert.True(t, adjusted[0].NetSubtotal().Equal(dec("475")))
	assert.True(t, result.DiscountTotal.Equal(dec("25")))
}

func TestListRules(t *testing.T) {
	svc, db, node := newService(t)

	require.NoError(t, db.Create(&discountdomain.Rule{
		ID:    node.Generate(),
		Code:  "loyalty",
		Scope: discountdomain.ScopeGlobal,
		Kind:  discountdomain.KindPercentage,
		Value: dec("3"),
	}).Error)

	rules, err := svc.ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "loyalty", rules[0].Code)
}
