// Package domain contains persistence models for audit logging.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AuditLog records a lifecycle event for later review. Writes are best-effort;
// a failed audit write never fails the business transaction.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorType  string            `gorm:"type:text;not null"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null;index"`
	TargetID   string            `gorm:"type:text;not null;index"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type Service interface {
	AuditLog(ctx context.Context, action, targetType, targetID string, metadata map[string]any) error
}
