// Package domain contains persistence models for rate plans.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// RatePlan is an immutable description of a pricing plan. A published plan is
// never edited; a new version supersedes it under a new plan ID.
type RatePlan struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Code        string       `gorm:"type:text;not null;index"`
	Currency    string       `gorm:"type:text;not null"`
	ValidFrom   time.Time    `gorm:"not null"`
	ValidTo     *time.Time   `gorm:""`
	PublishedAt *time.Time   `gorm:""`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RatePlan) TableName() string { return "rate_plans" }

// RateTier is one quantity band of a plan's pricing for a product. Bands are
// cumulative: a tier covers quantity up to UpToQuantity; the last tier of a
// product has UpToQuantity nil (open-ended).
type RateTier struct {
	ID           snowflake.ID     `gorm:"primaryKey"`
	PlanID       snowflake.ID     `gorm:"not null;index"`
	ProductID    snowflake.ID     `gorm:"not null;index"`
	TierIndex    int              `gorm:"not null"`
	UpToQuantity *decimal.Decimal `gorm:"type:numeric"`
	UnitPrice    decimal.Decimal  `gorm:"type:numeric;not null"`
	CreatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RateTier) TableName() string { return "rate_tiers" }

// PlanSnapshot is the immutable in-memory view a computation works from. It is
// taken once at computation start; nothing reads live plan tables afterwards.
type PlanSnapshot struct {
	Plan           RatePlan
	TiersByProduct map[snowflake.ID][]RateTier
}

// Covers reports whether the snapshot prices the given product.
func (s *PlanSnapshot) Covers(productID snowflake.ID) bool {
	_, ok := s.TiersByProduct[productID]
	return ok
}
