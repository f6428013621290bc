package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
)

type Service interface {
	Generate(ctx context.Context, req GenerateRequest) (*Invoice, error)
	Finalize(ctx context.Context, invoiceID string) error
	Void(ctx context.Context, invoiceID string, reason string) error
	GetByID(ctx context.Context, invoiceID string) (*Invoice, []InvoiceLine, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, error)
}

// GenerateRequest carries everything the generator needs. LineItems are the
// post-discount output of the discount calculator; SourceEventIDs are the
// usage events the invoice consumes.
type GenerateRequest struct {
	CustomerID          snowflake.ID
	PlanID              snowflake.ID
	Period              pricingdomain.Period
	Currency            string
	Jurisdiction        string
	LineItems           []pricingdomain.LineItem
	SourceEventIDs      []string
	SupersedesInvoiceID *snowflake.ID
}

type ListRequest struct {
	CustomerID  *snowflake.ID
	Status      *InvoiceStatus
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// PeriodOverlapError guards against double-billing: a finalized invoice
// already covers part of the requested window.
type PeriodOverlapError struct {
	CustomerID        snowflake.ID
	ExistingInvoiceID snowflake.ID
	ExistingStart     time.Time
	ExistingEnd       time.Time
}

func (e *PeriodOverlapError) Error() string {
	return fmt.Sprintf("finalized invoice %s for customer %s already covers %s to %s",
		e.ExistingInvoiceID, e.CustomerID,
		e.ExistingStart.Format(time.RFC3339), e.ExistingEnd.Format(time.RFC3339))
}

var (
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrInvalidInvoiceID    = errors.New("invalid_invoice_id")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvoiceNotDraft     = errors.New("invoice_not_draft")
	ErrInvoiceNotFinalized = errors.New("invoice_not_finalized")
	ErrCurrencyMismatch    = errors.New("currency_mismatch")
	ErrSupersededNotVoided = errors.New("superseded_invoice_not_voided")
	ErrNegativeLineTotal   = errors.New("negative_line_total")
)
