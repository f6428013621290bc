package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/billingcore/internal/audit/domain"
	auditservice "github.com/smallbiznis/billingcore/internal/audit/service"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/billingcore/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/billingcore/internal/ledger/service"
	"github.com/smallbiznis/billingcore/internal/money"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// flatTax taxes the net total at a fixed rate.
type flatTax struct {
	rate decimal.Decimal
}

func (c flatTax) ComputeTax(_ context.Context, lineItems []pricingdomain.LineItem, _ string) (decimal.Decimal, error) {
	if len(lineItems) == 0 {
		return decimal.Zero, nil
	}
	taxable := decimal.Zero
	for _, item := range lineItems {
		taxable = taxable.Add(item.NetSubtotal())
	}
	return money.Round(taxable.Mul(c.rate), lineItems[0].Currency), nil
}

type fixture struct {
	svc  invoicedomain.Service
	db   *gorm.DB
	node *snowflake.Node
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&ledgerdomain.SourceEventClaim{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	logger := zap.NewNop()
	svc := New(Params{
		DB:        db,
		Log:       logger,
		GenID:     node,
		TaxCalc:   flatTax{rate: dec("0.1")},
		LedgerSvc: ledgerservice.New(ledgerservice.Params{Log: logger}),
		AuditSvc:  auditservice.New(auditservice.Params{DB: db, Log: logger, GenID: node}),
	})

	return fixture{svc: svc, db: db, node: node}
}

func makeRequest(node *snowflake.Node) invoicedomain.GenerateRequest {
	customerID := node.Generate()
	productID := node.Generate()
	planID := node.Generate()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	return invoicedomain.GenerateRequest{
		CustomerID:   customerID,
		PlanID:       planID,
		Period:       pricingdomain.Period{Start: start, End: start.AddDate(0, 1, 0)},
		Currency:     "USD",
		Jurisdiction: "none",
		LineItems: []pricingdomain.LineItem{
			{
				CustomerID:     customerID,
				ProductID:      productID,
				TierIndex:      0,
				Quantity:       dec("100"),
				UnitPrice:      dec("1"),
				Subtotal:       dec("100"),
				DiscountAmount: dec("10"),
				Currency:       "USD",
			},
			{
				CustomerID:     customerID,
				ProductID:      productID,
				TierIndex:      1,
				Quantity:       dec("50"),
				UnitPrice:      dec("0.5"),
				Subtotal:       dec("25"),
				DiscountAmount: decimal.Zero,
				Currency:       "USD",
			},
		},
		SourceEventIDs: []string{"ev-2", "ev-1", "ev-3"},
	}
}

func TestGenerate_Totals(t *testing.T) {
	f := newFixture(t)
	req := makeRequest(f.node)

	invoice, err := f.svc.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)
	assert.True(t, invoice.Subtotal.Equal(dec("125")))
	assert.True(t, invoice.DiscountTotal.Equal(dec("10")))
	// 10% of net 115.
	assert.True(t, invoice.TaxTotal.Equal(dec("11.5")))
	assert.True(t, invoice.GrandTotal.Equal(dec("126.5")))

	_, lines, err := f.svc.GetByID(context.Background(), invoice.ID.String())
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestGenerate_Idempotent(t *testing.T) {
	f := newFixture(t)
	req := makeRequest(f.node)

	first, err := f.svc.Generate(context.Background(), req)
	require.NoError(t, err)

	// Re-invocation with the event IDs in a different order yields the same
	// key and returns the existing invoice untouched.
	req.SourceEventIDs = []string{"ev-3", "ev-1", "ev-2"}
	second, err := f.svc.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.True(t, first.GrandTotal.Equal(second.GrandTotal))

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var lineCount int64
	require.NoError(t, f.db.Model(&invoicedomain.InvoiceLine{}).Count(&lineCount).Error)
	assert.Equal(t, int64(2), lineCount)
}

func TestGenerate_PeriodOverlap(t *testing.T) {
	f := newFixture(t)

	customerID := f.node.Generate()
	planID := f.node.Generate()
	jan15 := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	first := invoicedomain.GenerateRequest{
		CustomerID:     customerID,
		PlanID:         planID,
		Period:         pricingdomain.Period{Start: jan15, End: jan15.AddDate(0, 1, 0)},
		Currency:       "USD",
		Jurisdiction:   "none",
		SourceEventIDs: []string{"ev-a"},
	}
	invoice, err := f.svc.Generate(context.Background(), first)
	require.NoError(t, err)
	require.NoError(t, f.svc.Finalize(context.Background(), invoice.ID.String()))

	second := first
	second.Period = pricingdomain.Period{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	second.SourceEventIDs = []string{"ev-b"}

	_, err = f.svc.Generate(context.Background(), second)
	var overlap *invoicedomain.PeriodOverlapError
	require.True(t, errors.As(err, &overlap))
	assert.Equal(t, invoice.ID, overlap.ExistingInvoiceID)
}

func TestGenerate_LedgerConflict(t *testing.T) {
	f := newFixture(t)

	customerID := f.node.Generate()
	planID := f.node.Generate()
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := invoicedomain.GenerateRequest{
		CustomerID:     customerID,
		PlanID:         planID,
		Period:         pricingdomain.Period{Start: jan, End: jan.AddDate(0, 1, 0)},
		Currency:       "USD",
		Jurisdiction:   "none",
		SourceEventIDs: []string{"ev-shared"},
	}
	_, err := f.svc.Generate(context.Background(), first)
	require.NoError(t, err)

	// A different period makes a different key, so the same event must not be
	// consumable a second time.
	second := first
	second.Period = pricingdomain.Period{Start: jan.AddDate(0, 1, 0), End: jan.AddDate(0, 2, 0)}
	_, err = f.svc.Generate(context.Background(), second)
	require.ErrorIs(t, err, ledgerdomain.ErrLedgerConflict)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "failed generation must leave no partial invoice")
}

func TestLifecycle_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invoice, err := f.svc.Generate(ctx, makeRequest(f.node))
	require.NoError(t, err)
	id := invoice.ID.String()

	// Draft cannot be voided.
	require.ErrorIs(t, f.svc.Void(ctx, id, "typo"), invoicedomain.ErrInvoiceNotFinalized)

	require.NoError(t, f.svc.Finalize(ctx, id))
	require.ErrorIs(t, f.svc.Finalize(ctx, id), invoicedomain.ErrInvoiceNotDraft)

	require.NoError(t, f.svc.Void(ctx, id, "billing error"))
	require.ErrorIs(t, f.svc.Void(ctx, id, "again"), invoicedomain.ErrInvoiceNotFinalized)

	got, _, err := f.svc.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoided, got.Status)
	require.NotNil(t, got.VoidReason)
	assert.Equal(t, "billing error", *got.VoidReason)
}

func TestGenerate_Supersede(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := makeRequest(f.node)
	original, err := f.svc.Generate(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.svc.Finalize(ctx, original.ID.String()))

	// Cannot supersede a finalized invoice.
	correction := req
	correction.SourceEventIDs = append([]string{"ev-corrected"}, req.SourceEventIDs...)
	correction.SupersedesInvoiceID = &original.ID
	_, err = f.svc.Generate(ctx, correction)
	require.ErrorIs(t, err, invoicedomain.ErrSupersededNotVoided)

	require.NoError(t, f.svc.Void(ctx, original.ID.String(), "undercharged"))

	replacement, err := f.svc.Generate(ctx, correction)
	require.NoError(t, err)
	require.NotNil(t, replacement.SupersedesInvoiceID)
	assert.Equal(t, original.ID, *replacement.SupersedesInvoiceID)

	// Voiding released the original's claims, so the replacement now owns
	// every source event, including the ones the original consumed.
	var claims []ledgerdomain.SourceEventClaim
	require.NoError(t, f.db.Find(&claims).Error)
	require.Len(t, claims, len(correction.SourceEventIDs))
	for _, claim := range claims {
		assert.Equal(t, replacement.ID, claim.InvoiceID)
	}
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := makeRequest(f.node)
	invoice, err := f.svc.Generate(ctx, req)
	require.NoError(t, err)

	status := invoicedomain.InvoiceStatusDraft
	got, err := f.svc.List(ctx, invoicedomain.ListRequest{
		CustomerID: &req.CustomerID,
		Status:     &status,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, invoice.ID, got[0].ID)

	otherCustomer := f.node.Generate()
	got, err = f.svc.List(ctx, invoicedomain.ListRequest{CustomerID: &otherCustomer})
	require.NoError(t, err)
	assert.Empty(t, got)
}
