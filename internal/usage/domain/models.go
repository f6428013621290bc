// Package domain contains persistence models for metered usage.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var ErrDuplicateSourceEvent = errors.New("duplicate_source_event")

// UsageRecord stores a single unit of metered activity delivered by the
// upstream ETL. Records are immutable once ingested; SourceEventID is the
// global dedup handle.
type UsageRecord struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	CustomerID    snowflake.ID      `gorm:"not null;index"`
	ProductID     snowflake.ID      `gorm:"not null;index"`
	Quantity      decimal.Decimal   `gorm:"type:numeric;not null"`
	Unit          string            `gorm:"type:text;not null"`
	RecordedAt    time.Time         `gorm:"not null;index"`
	SourceEventID string            `gorm:"type:text;not null;uniqueIndex"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
