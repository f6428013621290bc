package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"gorm.io/gorm"
)

type Repository interface {
	ListForCustomer(ctx context.Context, customerID snowflake.ID, periodStart, periodEnd time.Time) ([]usagedomain.UsageRecord, error)
	ListCustomerIDs(ctx context.Context, periodStart, periodEnd time.Time) ([]snowflake.ID, error)
	Insert(ctx context.Context, record *usagedomain.UsageRecord) error
}

type repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) ListForCustomer(ctx context.Context, customerID snowflake.ID, periodStart, periodEnd time.Time) ([]usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND recorded_at >= ? AND recorded_at < ?", customerID, periodStart, periodEnd).
		Find(&records).Error
	return records, err
}

func (r *repository) ListCustomerIDs(ctx context.Context, periodStart, periodEnd time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT customer_id
		 FROM usage_records
		 WHERE recorded_at >= ? AND recorded_at < ?
		 ORDER BY customer_id`,
		periodStart,
		periodEnd,
	).Scan(&ids).Error
	return ids, err
}

func (r *repository) Insert(ctx context.Context, record *usagedomain.UsageRecord) error {
	if record.SourceEventID == "" {
		record.SourceEventID = uuid.NewString()
	}
	err := r.db.WithContext(ctx).Create(record).Error
	if db.IsDuplicateKeyErr(err) {
		return usagedomain.ErrDuplicateSourceEvent
	}
	return err
}
