package billingrun

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingRun is one batch execution of the pipeline over a (plan, period).
// Re-running the same (plan, period) resumes the existing run and retries
// only customers that have not yet succeeded.
type BillingRun struct {
	RunID       string `gorm:"primaryKey;size:26"`
	PlanID      snowflake.ID
	PeriodStart time.Time `gorm:"index:idx_billing_runs_window"`
	PeriodEnd   time.Time `gorm:"index:idx_billing_runs_window"`
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (BillingRun) TableName() string {
	return "billing_runs"
}

type CheckpointStatus string

const (
	CheckpointStatusPending   CheckpointStatus = "PENDING"
	CheckpointStatusSucceeded CheckpointStatus = "SUCCEEDED"
	CheckpointStatusFailed    CheckpointStatus = "FAILED"
)

// BillingRunCheckpoint records the per-customer outcome inside a run.
type BillingRunCheckpoint struct {
	RunID      string           `gorm:"primaryKey;size:26"`
	CustomerID snowflake.ID     `gorm:"primaryKey;autoIncrement:false"`
	Status     CheckpointStatus `gorm:"size:16"`
	InvoiceID  *snowflake.ID
	Error      string `gorm:"size:1024"`
	Attempts   int
	UpdatedAt  time.Time
}

func (BillingRunCheckpoint) TableName() string {
	return "billing_run_checkpoints"
}
