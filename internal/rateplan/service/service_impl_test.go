package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	rateplandomain "github.com/smallbiznis/billingcore/internal/rateplan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newService(t *testing.T) (rateplandomain.Service, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&rateplandomain.RatePlan{}, &rateplandomain.RateTier{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return New(Params{DB: db, Log: zap.NewNop(), GenID: node}), node
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func validRequest(productID string) rateplandomain.CreateRequest {
	return rateplandomain.CreateRequest{
		Code:      "standard",
		Currency:  "usd",
		ValidFrom: "2026-01-01T00:00:00Z",
		Tiers: []rateplandomain.CreateTierInput{
			{ProductID: productID, UpToQuantity: decPtr("100"), UnitPrice: decimal.RequireFromString("1")},
			{ProductID: productID, UpToQuantity: decPtr("500"), UnitPrice: decimal.RequireFromString("0.5")},
			{ProductID: productID, UnitPrice: decimal.RequireFromString("0.25")},
		},
	}
}

func TestCreate_NormalizesAndIndexesTiers(t *testing.T) {
	svc, node := newService(t)
	productID := node.Generate()

	plan, err := svc.Create(context.Background(), validRequest(productID.String()))
	require.NoError(t, err)
	assert.Equal(t, "USD", plan.Currency)
	assert.Nil(t, plan.PublishedAt)

	published, err := svc.Publish(context.Background(), plan.ID.String())
	require.NoError(t, err)
	require.NotNil(t, published.PublishedAt)

	snapshot, err := svc.Snapshot(context.Background(), plan.ID)
	require.NoError(t, err)

	tiers := snapshot.TiersByProduct[productID]
	require.Len(t, tiers, 3)
	for i, tier := range tiers {
		assert.Equal(t, i, tier.TierIndex)
	}
	assert.Nil(t, tiers[2].UpToQuantity, "last tier is open-ended")
}

func TestCreate_TierValidation(t *testing.T) {
	svc, node := newService(t)
	productID := node.Generate().String()

	cases := map[string][]rateplandomain.CreateTierInput{
		"no tiers": nil,
		"descending thresholds": {
			{ProductID: productID, UpToQuantity: decPtr("500"), UnitPrice: decimal.RequireFromString("1")},
			{ProductID: productID, UpToQuantity: decPtr("100"), UnitPrice: decimal.RequireFromString("0.5")},
			{ProductID: productID, UnitPrice: decimal.RequireFromString("0.25")},
		},
		"equal thresholds": {
			{ProductID: productID, UpToQuantity: decPtr("100"), UnitPrice: decimal.RequireFromString("1")},
			{ProductID: productID, UpToQuantity: decPtr("100"), UnitPrice: decimal.RequireFromString("0.5")},
			{ProductID: productID, UnitPrice: decimal.RequireFromString("0.25")},
		},
		"bounded last tier": {
			{ProductID: productID, UpToQuantity: decPtr("100"), UnitPrice: decimal.RequireFromString("1")},
			{ProductID: productID, UpToQuantity: decPtr("500"), UnitPrice: decimal.RequireFromString("0.5")},
		},
		"open-ended middle tier": {
			{ProductID: productID, UnitPrice: decimal.RequireFromString("1")},
			{ProductID: productID, UnitPrice: decimal.RequireFromString("0.5")},
		},
		"negative price": {
			{ProductID: productID, UnitPrice: decimal.RequireFromString("-1")},
		},
		"zero threshold": {
			{ProductID: productID, UpToQuantity: decPtr("0"), UnitPrice: decimal.RequireFromString("1")},
			{ProductID: productID, UnitPrice: decimal.RequireFromString("0.5")},
		},
	}

	for name, tiers := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest(productID)
			req.Tiers = tiers
			_, err := svc.Create(context.Background(), req)
			require.ErrorIs(t, err, rateplandomain.ErrInvalidTiers)
		})
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, node := newService(t)
	productID := node.Generate().String()

	req := validRequest(productID)
	req.Code = "  "
	_, err := svc.Create(context.Background(), req)
	require.ErrorIs(t, err, rateplandomain.ErrInvalidCode)

	req = validRequest(productID)
	req.Currency = "dollars"
	_, err = svc.Create(context.Background(), req)
	require.ErrorIs(t, err, rateplandomain.ErrInvalidCurrency)

	req = validRequest(productID)
	req.ValidFrom = "january"
	_, err = svc.Create(context.Background(), req)
	require.ErrorIs(t, err, rateplandomain.ErrInvalidValidity)

	req = validRequest(productID)
	before := "2025-12-01T00:00:00Z"
	req.ValidTo = &before
	_, err = svc.Create(context.Background(), req)
	require.ErrorIs(t, err, rateplandomain.ErrInvalidValidity)
}

func TestPublish_Lifecycle(t *testing.T) {
	svc, node := newService(t)
	productID := node.Generate()

	plan, err := svc.Create(context.Background(), validRequest(productID.String()))
	require.NoError(t, err)

	// Unpublished plans cannot be snapshotted.
	_, err = svc.Snapshot(context.Background(), plan.ID)
	require.ErrorIs(t, err, rateplandomain.ErrPlanNotPublished)

	_, err = svc.Publish(context.Background(), plan.ID.String())
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), plan.ID.String())
	require.ErrorIs(t, err, rateplandomain.ErrPlanAlreadyPublished)

	_, err = svc.Publish(context.Background(), node.Generate().String())
	require.ErrorIs(t, err, rateplandomain.ErrPlanNotFound)
}

func TestGetByCode(t *testing.T) {
	svc, node := newService(t)
	productID := node.Generate()

	plan, err := svc.Create(context.Background(), validRequest(productID.String()))
	require.NoError(t, err)

	got, err := svc.GetByCode(context.Background(), "standard")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)

	_, err = svc.GetByCode(context.Background(), "premium")
	require.ErrorIs(t, err, rateplandomain.ErrPlanNotFound)
}
