package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/billingcore/internal/audit/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/billingcore/internal/ledger/domain"
	"github.com/smallbiznis/billingcore/internal/money"
	taxdomain "github.com/smallbiznis/billingcore/internal/tax/domain"
	"github.com/smallbiznis/billingcore/pkg/db/option"
	"github.com/smallbiznis/billingcore/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	TaxCalc   taxdomain.Calculator
	LedgerSvc ledgerdomain.Service
	AuditSvc  auditdomain.Service `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	taxCalc   taxdomain.Calculator
	ledgerSvc ledgerdomain.Service
	auditSvc  auditdomain.Service

	invoiceRepo repository.Repository[invoicedomain.Invoice]
	lineRepo    repository.Repository[invoicedomain.InvoiceLine]
}

func New(p Params) invoicedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,

		taxCalc:   p.TaxCalc,
		ledgerSvc: p.LedgerSvc,
		auditSvc:  p.AuditSvc,

		invoiceRepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		lineRepo:    repository.ProvideStore[invoicedomain.InvoiceLine](p.DB),
	}
}

// Generate produces a draft invoice for one (customer, period). The write is
// keyed on the idempotency key: re-invocation with identical inputs returns
// the already-created invoice, and a concurrent loser observes the winner's
// row instead of erroring.
func (s *Service) Generate(ctx context.Context, req invoicedomain.GenerateRequest) (*invoicedomain.Invoice, error) {
	if req.CustomerID == 0 {
		return nil, invoicedomain.ErrInvalidCustomer
	}
	if req.PlanID == 0 {
		return nil, invoicedomain.ErrInvalidPlan
	}
	if !req.Period.Valid() {
		return nil, invoicedomain.ErrInvalidPeriod
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	for _, item := range req.LineItems {
		if item.Currency != currency {
			return nil, invoicedomain.ErrCurrencyMismatch
		}
		if item.NetSubtotal().IsNegative() {
			return nil, invoicedomain.ErrNegativeLineTotal
		}
	}

	key := buildIdempotencyKey(req.CustomerID, req.PlanID, req.Period.Start, req.Period.End, req.SourceEventIDs)

	var (
		invoice  *invoicedomain.Invoice
		inserted bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findByIdempotencyKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			invoice = existing
			return nil
		}

		if req.SupersedesInvoiceID != nil {
			if err := s.checkSupersedes(ctx, tx, req.CustomerID, *req.SupersedesInvoiceID); err != nil {
				return err
			}
		}

		if err := s.checkPeriodOverlap(ctx, tx, req.CustomerID, req.Period.Start, req.Period.End, 0); err != nil {
			return err
		}

		subtotal := money.Zero(currency)
		discountTotal := money.Zero(currency)
		for _, item := range req.LineItems {
			subtotal = subtotal.Add(item.Subtotal)
			discountTotal = discountTotal.Add(item.DiscountAmount)
		}

		taxTotal, err := s.taxCalc.ComputeTax(ctx, req.LineItems, req.Jurisdiction)
		if err != nil {
			return err
		}
		grandTotal := subtotal.Sub(discountTotal).Add(taxTotal)

		now := time.Now().UTC()
		invoiceID := s.genID.Generate()
		row := invoicedomain.Invoice{
			ID:                  invoiceID,
			CustomerID:          req.CustomerID,
			PlanID:              req.PlanID,
			PeriodStart:         req.Period.Start.UTC(),
			PeriodEnd:           req.Period.End.UTC(),
			Status:              invoicedomain.InvoiceStatusDraft,
			Subtotal:            money.Round(subtotal, currency),
			DiscountTotal:       money.Round(discountTotal, currency),
			TaxTotal:            money.Round(taxTotal, currency),
			GrandTotal:          money.Round(grandTotal, currency),
			Currency:            currency,
			Jurisdiction:        req.Jurisdiction,
			IdempotencyKey:      key,
			SupersedesInvoiceID: req.SupersedesInvoiceID,
			CreatedAt:           now,
			UpdatedAt:           now,
		}

		wrote, err := s.insertInvoice(ctx, tx, row)
		if err != nil {
			return err
		}
		if !wrote {
			// Concurrent generation won the keyed insert; adopt its invoice.
			winner, err := s.findByIdempotencyKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if winner == nil {
				return gorm.ErrRecordNotFound
			}
			invoice = winner
			return nil
		}

		if len(req.SourceEventIDs) > 0 {
			if err := s.ledgerSvc.Claim(ctx, tx, invoiceID, req.CustomerID, req.Period.Start, req.Period.End, req.SourceEventIDs); err != nil {
				return err
			}
		}

		for _, item := range req.LineItems {
			line := &invoicedomain.InvoiceLine{
				ID:             s.genID.Generate(),
				InvoiceID:      invoiceID,
				ProductID:      item.ProductID,
				TierIndex:      item.TierIndex,
				Quantity:       item.Quantity,
				UnitPrice:      item.UnitPrice,
				Subtotal:       item.Subtotal,
				DiscountAmount: item.DiscountAmount,
				Currency:       item.Currency,
				CreatedAt:      now,
			}
			if err := s.lineRepo.WithTrx(tx).Create(ctx, line); err != nil {
				return err
			}
		}

		invoice = &row
		inserted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inserted {
		s.emitAudit(ctx, "invoice.generated", invoice, nil)
	}
	return invoice, nil
}

// Finalize freezes a draft invoice. The core never finalizes on its own; this
// is the external approval step.
func (s *Service) Finalize(ctx context.Context, invoiceID string) error {
	id, err := parseID(invoiceID)
	if err != nil {
		return invoicedomain.ErrInvalidInvoiceID
	}

	var finalized *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoiceRepo.WithTrx(tx).FindOne(ctx, &invoicedomain.Invoice{ID: id})
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status != invoicedomain.InvoiceStatusDraft {
			return invoicedomain.ErrInvoiceNotDraft
		}

		// Two overlapping drafts must not both finalize.
		if err := s.checkPeriodOverlap(ctx, tx, invoice.CustomerID, invoice.PeriodStart, invoice.PeriodEnd, id); err != nil {
			return err
		}

		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, finalized_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			invoicedomain.InvoiceStatusFinalized,
			now,
			now,
			id,
			invoicedomain.InvoiceStatusDraft,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invoicedomain.ErrInvoiceNotDraft
		}
		finalized = invoice
		return nil
	})
	if err != nil {
		return err
	}

	s.emitAudit(ctx, "invoice.finalized", finalized, map[string]any{
		"previous_status": string(invoicedomain.InvoiceStatusDraft),
	})
	return nil
}

// Void retires a finalized invoice. Voided is terminal; the row is retained
// for audit and a correction is issued as a superseding invoice.
func (s *Service) Void(ctx context.Context, invoiceID string, reason string) error {
	id, err := parseID(invoiceID)
	if err != nil {
		return invoicedomain.ErrInvalidInvoiceID
	}

	var voided *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoiceRepo.WithTrx(tx).FindOne(ctx, &invoicedomain.Invoice{ID: id})
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status != invoicedomain.InvoiceStatusFinalized {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":     invoicedomain.InvoiceStatusVoided,
			"voided_at":  now,
			"updated_at": now,
		}
		reason = strings.TrimSpace(reason)
		if reason != "" {
			updates["void_reason"] = reason
		}
		result := tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ? AND status = ?", id, invoicedomain.InvoiceStatusFinalized).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		// A voided invoice no longer consumes its source events; releasing
		// them lets a superseding invoice claim the same usage.
		if err := s.ledgerSvc.Release(ctx, tx, id); err != nil {
			return err
		}
		voided = invoice
		return nil
	})
	if err != nil {
		return err
	}

	metadata := map[string]any{
		"previous_status": string(invoicedomain.InvoiceStatusFinalized),
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.emitAudit(ctx, "invoice.voided", voided, metadata)
	return nil
}

func (s *Service) GetByID(ctx context.Context, invoiceID string) (*invoicedomain.Invoice, []invoicedomain.InvoiceLine, error) {
	id, err := parseID(invoiceID)
	if err != nil {
		return nil, nil, invoicedomain.ErrInvalidInvoiceID
	}

	invoice, err := s.invoiceRepo.FindOne(ctx, &invoicedomain.Invoice{ID: id})
	if err != nil {
		return nil, nil, err
	}
	if invoice == nil {
		return nil, nil, invoicedomain.ErrInvoiceNotFound
	}

	rows, err := s.lineRepo.Find(ctx, &invoicedomain.InvoiceLine{InvoiceID: id}, option.WithSortBy(option.QuerySortBy{
		Allow:   map[string]bool{"id": true},
		Default: "id",
	}))
	if err != nil {
		return nil, nil, err
	}
	lines := make([]invoicedomain.InvoiceLine, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		lines = append(lines, *row)
	}

	return invoice, lines, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	filter := &invoicedomain.Invoice{}
	if req.CustomerID != nil {
		filter.CustomerID = *req.CustomerID
	}
	if req.Status != nil {
		filter.Status = *req.Status
	}

	options := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}, Default: "created_at"}),
	}
	if req.PeriodStart != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "period_end",
			Operator: option.GT,
			Value:    *req.PeriodStart,
		}))
	}
	if req.PeriodEnd != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "period_start",
			Operator: option.LT,
			Value:    *req.PeriodEnd,
		}))
	}

	rows, err := s.invoiceRepo.Find(ctx, filter, options...)
	if err != nil {
		return nil, err
	}

	invoices := make([]invoicedomain.Invoice, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		invoices = append(invoices, *row)
	}
	return invoices, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*invoicedomain.Invoice, error) {
	return s.invoiceRepo.WithTrx(tx).FindOne(ctx, &invoicedomain.Invoice{IdempotencyKey: key})
}

func (s *Service) checkSupersedes(ctx context.Context, tx *gorm.DB, customerID, supersededID snowflake.ID) error {
	superseded, err := s.invoiceRepo.WithTrx(tx).FindOne(ctx, &invoicedomain.Invoice{ID: supersededID})
	if err != nil {
		return err
	}
	if superseded == nil || superseded.CustomerID != customerID {
		return invoicedomain.ErrInvoiceNotFound
	}
	if superseded.Status != invoicedomain.InvoiceStatusVoided {
		return invoicedomain.ErrSupersededNotVoided
	}
	return nil
}

func (s *Service) checkPeriodOverlap(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, periodStart, periodEnd time.Time, excludeID snowflake.ID) error {
	var row struct {
		ID          snowflake.ID
		PeriodStart time.Time
		PeriodEnd   time.Time
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT id, period_start, period_end
		 FROM invoices
		 WHERE customer_id = ? AND status = ? AND id <> ?
		 AND period_start < ? AND period_end > ?
		 LIMIT 1`,
		customerID,
		invoicedomain.InvoiceStatusFinalized,
		excludeID,
		periodEnd,
		periodStart,
	).Scan(&row).Error
	if err != nil {
		return err
	}
	if row.ID != 0 {
		return &invoicedomain.PeriodOverlapError{
			CustomerID:        customerID,
			ExistingInvoiceID: row.ID,
			ExistingStart:     row.PeriodStart,
			ExistingEnd:       row.PeriodEnd,
		}
	}
	return nil
}

func (s *Service) insertInvoice(ctx context.Context, tx *gorm.DB, invoice invoicedomain.Invoice) (bool, error) {
	// Keyed insert: the idempotency key decides the winner, the dialect
	// decides the conflict syntax.
	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&invoice)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, extra map[string]any) {
	if s.auditSvc == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"customer_id":  invoice.CustomerID.String(),
		"plan_id":      invoice.PlanID.String(),
		"currency":     invoice.Currency,
		"grand_total":  invoice.GrandTotal.String(),
		"period_start": invoice.PeriodStart.Format(time.RFC3339),
		"period_end":   invoice.PeriodEnd.Format(time.RFC3339),
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}
	_ = s.auditSvc.AuditLog(ctx, action, "invoice", invoice.ID.String(), metadata)
}

// buildIdempotencyKey hashes the full identity of a generation: customer,
// plan, period bounds, and the sorted set of consumed source events. Identical
// inputs always produce a byte-identical key.
func buildIdempotencyKey(customerID, planID snowflake.ID, periodStart, periodEnd time.Time, sourceEventIDs []string) string {
	sorted := make([]string, len(sourceEventIDs))
	copy(sorted, sourceEventIDs)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString(customerID.String())
	b.WriteString("|")
	b.WriteString(periodStart.UTC().Format(time.RFC3339Nano))
	b.WriteString("|")
	b.WriteString(periodEnd.UTC().Format(time.RFC3339Nano))
	b.WriteString("|")
	b.WriteString(planID.String())
	for _, eventID := range sorted {
		b.WriteString("|")
		b.WriteString(eventID)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func parseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(value))
}
