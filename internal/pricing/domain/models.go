// Package domain defines the value objects produced by the pricing engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Period is a half-open billing window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Valid reports whether the window is well formed.
func (p Period) Valid() bool {
	return p.End.After(p.Start)
}

// Overlaps reports whether two half-open windows share any instant.
func (p Period) Overlaps(other Period) bool {
	return p.Start.Before(other.End) && other.Start.Before(p.End)
}

// LineItem is one priced slice of usage: a (customer, product) quantity
// inside a single rate tier. Subtotal is the gross amount for the tier;
// DiscountAmount accumulates later adjustments.
type LineItem struct {
	CustomerID     snowflake.ID
	ProductID      snowflake.ID
	TierIndex      int
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	Currency       string
}

// NetSubtotal is the line amount after discounts.
func (li LineItem) NetSubtotal() decimal.Decimal {
	return li.Subtotal.Sub(li.DiscountAmount)
}
