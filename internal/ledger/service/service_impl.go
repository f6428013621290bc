package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/billingcore/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	Log *zap.Logger
}

type Service struct {
	log *zap.Logger
}

func New(p Params) ledgerdomain.Service {
	return &Service{
		log: p.Log.Named("ledger.service"),
	}
}

func (s *Service) Claim(
	ctx context.Context,
	tx *gorm.DB,
	invoiceID, customerID snowflake.ID,
	periodStart, periodEnd time.Time,
	sourceEventIDs []string,
) error {
	if invoiceID == 0 || customerID == 0 {
		return ledgerdomain.ErrInvalidClaim
	}
	if !periodEnd.After(periodStart) {
		return ledgerdomain.ErrInvalidClaim
	}
	if len(sourceEventIDs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	claims := make([]ledgerdomain.SourceEventClaim, 0, len(sourceEventIDs))
	for _, eventID := range sourceEventIDs {
		eventID = strings.TrimSpace(eventID)
		if eventID == "" {
			return ledgerdomain.ErrInvalidClaim
		}
		claims = append(claims, ledgerdomain.SourceEventClaim{
			SourceEventID: eventID,
			CustomerID:    customerID,
			InvoiceID:     invoiceID,
			PeriodStart:   periodStart.UTC(),
			PeriodEnd:     periodEnd.UTC(),
			ClaimedAt:     now,
		})
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_event_id"}},
		DoNothing: true,
	}).Create(&claims).Error; err != nil {
		return err
	}

	// Any event now owned by a different invoice means a second generation
	// tried to consume the same usage.
	var foreign int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM source_event_claims
		 WHERE source_event_id IN ? AND invoice_id <> ?`,
		sourceEventIDs,
		invoiceID,
	).Scan(&foreign).Error; err != nil {
		return err
	}
	if foreign > 0 {
		s.log.Warn("source events already claimed by another invoice",
			zap.String("invoice_id", invoiceID.String()),
			zap.Int64("conflicts", foreign),
		)
		return ledgerdomain.ErrLedgerConflict
	}

	return nil
}

func (s *Service) Release(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error {
	if invoiceID == 0 {
		return ledgerdomain.ErrInvalidClaim
	}
	return tx.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Delete(&ledgerdomain.SourceEventClaim{}).Error
}
