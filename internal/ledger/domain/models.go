// Package domain contains the source-event claim ledger. A usage record is
// consumed by at most one invoice; the claim row is the authoritative record.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SourceEventClaim marks a source event as consumed by an invoice.
type SourceEventClaim struct {
	SourceEventID string       `gorm:"primaryKey;type:text"`
	CustomerID    snowflake.ID `gorm:"not null;index"`
	InvoiceID     snowflake.ID `gorm:"not null;index"`
	PeriodStart   time.Time    `gorm:"not null"`
	PeriodEnd     time.Time    `gorm:"not null"`
	ClaimedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SourceEventClaim) TableName() string { return "source_event_claims" }

type Service interface {
	// Claim records the given source events as consumed by invoiceID inside
	// the caller's transaction. Events already claimed by a different invoice
	// surface ErrLedgerConflict.
	Claim(ctx context.Context, tx *gorm.DB, invoiceID, customerID snowflake.ID, periodStart, periodEnd time.Time, sourceEventIDs []string) error

	// Release frees every claim held by invoiceID inside the caller's
	// transaction. Voiding an invoice releases its events so a superseding
	// invoice can consume them.
	Release(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error
}

var (
	ErrLedgerConflict = errors.New("ledger_conflict")
	ErrInvalidClaim   = errors.New("invalid_claim")
)
