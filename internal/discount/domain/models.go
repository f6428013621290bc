// Package domain contains persistence models for discount rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Scope selects which line items a rule may adjust.
type Scope string

const (
	ScopeCustomer Scope = "customer"
	ScopeProduct  Scope = "product"
	ScopeGlobal   Scope = "global"
)

// Kind is the tagged variant of a rule's adjustment. Each kind carries its own
// parameters and is dispatched through a fixed function table.
type Kind string

const (
	KindPercentage   Kind = "percentage"
	KindFixed        Kind = "fixed"
	KindTieredRebate Kind = "tiered_rebate"
)

// RebateBand is one step of a tiered rebate: line subtotals at or above
// Threshold earn Rate percent back.
type RebateBand struct {
	Threshold decimal.Decimal `json:"threshold"`
	Rate      decimal.Decimal `json:"rate"`
}

// Rule is a published, immutable discount definition. Code is the stable
// identifier used for deterministic tie-breaking.
type Rule struct {
	ID          snowflake.ID                      `gorm:"primaryKey"`
	Code        string                            `gorm:"type:text;not null;uniqueIndex"`
	Scope       Scope                             `gorm:"type:text;not null"`
	CustomerID  *snowflake.ID                     `gorm:"index"`
	ProductID   *snowflake.ID                     `gorm:"index"`
	Kind        Kind                              `gorm:"type:text;not null"`
	Value       decimal.Decimal                   `gorm:"type:numeric;not null"`
	RebateBands datatypes.JSONSlice[RebateBand]   `gorm:"type:jsonb"`
	Priority    int                               `gorm:"not null"`
	Stackable   bool                              `gorm:"not null;default:false"`
	CreatedAt   time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Rule) TableName() string { return "discount_rules" }
