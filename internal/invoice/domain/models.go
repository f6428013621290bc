// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusFinalized InvoiceStatus = "FINALIZED"
	InvoiceStatusVoided    InvoiceStatus = "VOIDED"
)

// Invoice is the immutable billing output for one (customer, period). A
// finalized invoice is never edited; corrections are new invoices referencing
// SupersedesInvoiceID.
type Invoice struct {
	ID                  snowflake.ID    `gorm:"primaryKey"`
	CustomerID          snowflake.ID    `gorm:"not null;index"`
	PlanID              snowflake.ID    `gorm:"not null;index"`
	PeriodStart         time.Time       `gorm:"not null;index"`
	PeriodEnd           time.Time       `gorm:"not null"`
	Status              InvoiceStatus   `gorm:"type:text;not null;default:'DRAFT';index"`
	Subtotal            decimal.Decimal `gorm:"type:numeric;not null"`
	DiscountTotal       decimal.Decimal `gorm:"type:numeric;not null"`
	TaxTotal            decimal.Decimal `gorm:"type:numeric;not null"`
	GrandTotal          decimal.Decimal `gorm:"type:numeric;not null"`
	Currency            string          `gorm:"type:text;not null"`
	Jurisdiction        string          `gorm:"type:text;not null"`
	IdempotencyKey      string          `gorm:"type:text;not null;uniqueIndex"`
	SupersedesInvoiceID *snowflake.ID   `gorm:"index"`
	FinalizedAt         *time.Time      `gorm:""`
	VoidedAt            *time.Time      `gorm:""`
	VoidReason          *string         `gorm:"type:text"`
	CreatedAt           time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLine is one post-discount line on an invoice, retaining the tier
// index for auditability.
type InvoiceLine struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	InvoiceID      snowflake.ID    `gorm:"not null;index"`
	ProductID      snowflake.ID    `gorm:"not null;index"`
	TierIndex      int             `gorm:"not null"`
	Quantity       decimal.Decimal `gorm:"type:numeric;not null"`
	UnitPrice      decimal.Decimal `gorm:"type:numeric;not null"`
	Subtotal       decimal.Decimal `gorm:"type:numeric;not null"`
	DiscountAmount decimal.Decimal `gorm:"type:numeric;not null"`
	Currency       string          `gorm:"type:text;not null"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }
