package migration

import (
	"errors"

	auditdomain "github.com/smallbiznis/billingcore/internal/audit/domain"
	"github.com/smallbiznis/billingcore/internal/billingrun"
	discountdomain "github.com/smallbiznis/billingcore/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/billingcore/internal/ledger/domain"
	rateplandomain "github.com/smallbiznis/billingcore/internal/rateplan/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"gorm.io/gorm"
)

// RunMigrations creates the core billing tables so the module is usable out
// of the box for local and self-hosted environments.
func RunMigrations(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	return db.AutoMigrate(
		&usagedomain.UsageRecord{},
		&rateplandomain.RatePlan{},
		&rateplandomain.RateTier{},
		&discountdomain.Rule{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&ledgerdomain.SourceEventClaim{},
		&auditdomain.AuditLog{},
		&billingrun.BillingRun{},
		&billingrun.BillingRunCheckpoint{},
	)
}
