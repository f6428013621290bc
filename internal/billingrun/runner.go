package billingrun

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	discountdomain "github.com/smallbiznis/billingcore/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/billingcore/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/billingcore/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
	rateplandomain "github.com/smallbiznis/billingcore/internal/rateplan/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	usagerepository "github.com/smallbiznis/billingcore/internal/usage/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidConfig  = errors.New("invalid_runner_config")
	ErrInvalidRequest = errors.New("invalid_run_request")
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	UsageRepo   usagerepository.Repository
	RatePlanSvc rateplandomain.Service
	PricingSvc  pricingdomain.Service
	DiscountSvc discountdomain.Service
	InvoiceSvc  invoicedomain.Service
	Holder      *config.BillingConfigHolder `optional:"true"`
	Config      Config                      `optional:"true"`
}

type Runner struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	usageRepo   usagerepository.Repository
	rateplanSvc rateplandomain.Service
	pricingSvc  pricingdomain.Service
	discountSvc discountdomain.Service
	invoiceSvc  invoicedomain.Service
	holder      *config.BillingConfigHolder
}

func New(p Params) (*Runner, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.UsageRepo == nil ||
		p.RatePlanSvc == nil || p.PricingSvc == nil || p.DiscountSvc == nil || p.InvoiceSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config
	if p.Holder != nil {
		run := p.Holder.Get().Run
		if cfg.Workers <= 0 {
			cfg.Workers = run.Workers
		}
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = run.MaxRetries
		}
	}
	return &Runner{
		db:          p.DB,
		log:         p.Log.Named("billingrun").With(zap.String("component", "billingrun")),
		cfg:         cfg.withDefaults(),
		clock:       p.Clock,
		usageRepo:   p.UsageRepo,
		rateplanSvc: p.RatePlanSvc,
		pricingSvc:  p.PricingSvc,
		discountSvc: p.DiscountSvc,
		invoiceSvc:  p.InvoiceSvc,
		holder:      p.Holder,
	}, nil
}

type RunRequest struct {
	PlanCode string
	Period   pricingdomain.Period
}

type RunResult struct {
	RunID     string
	Customers int
	Succeeded int
	Failed    int
	Skipped   int
}

// Run executes the pipeline for every customer with usage in the period.
// Customer failures are isolated: a failed customer marks its checkpoint and
// the run continues. A second Run over the same (plan, period) resumes the
// existing run and processes only customers that have not succeeded yet.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.PlanCode == "" || !req.Period.Valid() {
		return nil, ErrInvalidRequest
	}

	start := r.clock.Now()
	pipeMetrics := obsmetrics.Pipeline()

	plan, err := r.rateplanSvc.GetByCode(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.rateplanSvc.Snapshot(ctx, plan.ID)
	if err != nil {
		return nil, err
	}

	rules, err := r.discountSvc.ListRules(ctx)
	if err != nil {
		return nil, err
	}

	run, err := r.ensureRun(ctx, plan.ID, req.Period)
	if err != nil {
		return nil, err
	}
	log := r.log.With(
		zap.String("run_id", run.RunID),
		zap.String("plan_code", req.PlanCode),
	)

	done, err := r.succeededCustomers(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	customers, err := r.usageRepo.ListCustomerIDs(ctx, req.Period.Start, req.Period.End)
	if err != nil {
		return nil, err
	}

	result := &RunResult{RunID: run.RunID, Customers: len(customers)}
	jobs := make(chan snowflake.ID)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for customerID := range jobs {
				if ctx.Err() != nil {
					continue
				}
				invoiceID, err := r.runCustomer(ctx, run, snapshot, rules, req.Period, customerID)
				mu.Lock()
				if err != nil {
					result.Failed++
				} else {
					result.Succeeded++
				}
				mu.Unlock()
				if err != nil {
					reason := classifyFailure(err)
					pipeMetrics.IncCustomerFailure(reason)
					log.Warn("customer billing failed",
						zap.String("customer_id", customerID.String()),
						zap.String("reason", reason),
						zap.Error(err),
					)
					continue
				}
				pipeMetrics.IncInvoiceGenerated(string(invoicedomain.InvoiceStatusDraft))
				log.Info("customer billed",
					zap.String("customer_id", customerID.String()),
					zap.String("invoice_id", invoiceID.String()),
				)
			}
		}()
	}

	for _, customerID := range customers {
		if _, ok := done[customerID]; ok {
			mu.Lock()
			result.Skipped++
			mu.Unlock()
			continue
		}
		select {
		case <-ctx.Done():
		case jobs <- customerID:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if err := r.markRunCompleted(ctx, run.RunID); err != nil {
		return result, err
	}
	pipeMetrics.ObserveRunDuration(time.Since(start))
	log.Info("billing run finished",
		zap.Int("customers", result.Customers),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (r *Runner) runCustomer(
	ctx context.Context,
	run *BillingRun,
	snapshot *rateplandomain.PlanSnapshot,
	rules []discountdomain.Rule,
	period pricingdomain.Period,
	customerID snowflake.ID,
) (snowflake.ID, error) {
	var (
		invoiceID snowflake.ID
		lastErr   error
	)
	attempts := 0
	for attempts <= r.cfg.MaxRetries {
		attempts++
		invoiceID, lastErr = r.billCustomer(ctx, snapshot, rules, period, customerID)
		if lastErr == nil {
			break
		}
		if isFatal(lastErr) || ctx.Err() != nil {
			break
		}
		// Transient persistence failure: back off and retry the keyed insert.
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.RetryDelay):
		}
	}

	checkpoint := BillingRunCheckpoint{
		RunID:      run.RunID,
		CustomerID: customerID,
		Status:     CheckpointStatusSucceeded,
		Attempts:   attempts,
		UpdatedAt:  r.clock.Now(),
	}
	if lastErr != nil {
		checkpoint.Status = CheckpointStatusFailed
		checkpoint.Error = lastErr.Error()
	} else {
		checkpoint.InvoiceID = &invoiceID
	}
	if err := r.upsertCheckpoint(ctx, checkpoint); err != nil {
		r.log.Warn("checkpoint write failed",
			zap.String("run_id", run.RunID),
			zap.String("customer_id", customerID.String()),
			zap.Error(err),
		)
		if lastErr == nil {
			lastErr = err
		}
	}
	return invoiceID, lastErr
}

func (r *Runner) billCustomer(
	ctx context.Context,
	snapshot *rateplandomain.PlanSnapshot,
	rules []discountdomain.Rule,
	period pricingdomain.Period,
	customerID snowflake.ID,
) (snowflake.ID, error) {
	records, err := r.usageRepo.ListForCustomer(ctx, customerID, period.Start, period.End)
	if err != nil {
		return 0, err
	}

	lineItems, err := r.pricingSvc.Price(ctx, records, snapshot, period)
	if err != nil {
		return 0, err
	}

	pipeMetrics := obsmetrics.Pipeline()
	pipeMetrics.AddLineItems(len(lineItems))

	lineItems, discountResult, err := r.discountSvc.Apply(ctx, lineItems, rules, customerID)
	if err != nil {
		return 0, err
	}
	pipeMetrics.IncDiscountCapped(len(discountResult.Capped))

	invoice, err := r.invoiceSvc.Generate(ctx, invoicedomain.GenerateRequest{
		CustomerID:     customerID,
		PlanID:         snapshot.Plan.ID,
		Period:         period,
		Currency:       snapshot.Plan.Currency,
		Jurisdiction:   r.jurisdiction(),
		LineItems:      lineItems,
		SourceEventIDs: sourceEventIDs(records),
	})
	if err != nil {
		return 0, err
	}
	return invoice.ID, nil
}

func (r *Runner) jurisdiction() string {
	if r.holder != nil {
		return r.holder.Get().DefaultJurisdiction
	}
	return config.DefaultBillingConfig().DefaultJurisdiction
}

func (r *Runner) ensureRun(ctx context.Context, planID snowflake.ID, period pricingdomain.Period) (*BillingRun, error) {
	var run BillingRun
	err := r.db.WithContext(ctx).
		Where("plan_id = ? AND period_start = ? AND period_end = ?", planID, period.Start.UTC(), period.End.UTC()).
		Order("started_at DESC").
		First(&run).Error
	if err == nil {
		return &run, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	run = BillingRun{
		RunID:       ulid.Make().String(),
		PlanID:      planID,
		PeriodStart: period.Start.UTC(),
		PeriodEnd:   period.End.UTC(),
		StartedAt:   r.clock.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Runner) succeededCustomers(ctx context.Context, runID string) (map[snowflake.ID]struct{}, error) {
	var checkpoints []BillingRunCheckpoint
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runID, CheckpointStatusSucceeded).
		Find(&checkpoints).Error
	if err != nil {
		return nil, err
	}
	done := make(map[snowflake.ID]struct{}, len(checkpoints))
	for _, checkpoint := range checkpoints {
		done[checkpoint.CustomerID] = struct{}{}
	}
	return done, nil
}

func (r *Runner) upsertCheckpoint(ctx context.Context, checkpoint BillingRunCheckpoint) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "invoice_id", "error", "attempts", "updated_at"}),
	}).Create(&checkpoint).Error
}

func (r *Runner) markRunCompleted(ctx context.Context, runID string) error {
	now := r.clock.Now()
	return r.db.WithContext(ctx).
		Model(&BillingRun{}).
		Where("run_id = ?", runID).
		Update("completed_at", &now).Error
}

func sourceEventIDs(records []usagedomain.UsageRecord) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.SourceEventID)
	}
	return ids
}

// isFatal reports whether the error is a business outcome that a retry can
// never fix. Everything else is treated as transient.
func isFatal(err error) bool {
	var (
		coverage *pricingdomain.CoverageError
		conflict *discountdomain.ConflictError
		overlap  *invoicedomain.PeriodOverlapError
	)
	switch {
	case errors.As(err, &coverage),
		errors.As(err, &conflict),
		errors.As(err, &overlap):
		return true
	}
	for _, sentinel := range []error{
		pricingdomain.ErrInvalidQuantity,
		pricingdomain.ErrMissingSnapshot,
		discountdomain.ErrUnknownKind,
		discountdomain.ErrInvalidValue,
		ledgerdomain.ErrLedgerConflict,
		invoicedomain.ErrCurrencyMismatch,
		invoicedomain.ErrNegativeLineTotal,
		invoicedomain.ErrSupersededNotVoided,
		rateplandomain.ErrPlanNotPublished,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func classifyFailure(err error) string {
	var (
		coverage *pricingdomain.CoverageError
		conflict *discountdomain.ConflictError
		overlap  *invoicedomain.PeriodOverlapError
	)
	switch {
	case errors.As(err, &coverage):
		return "rate_coverage"
	case errors.As(err, &conflict):
		return "discount_conflict"
	case errors.As(err, &overlap):
		return "period_overlap"
	case errors.Is(err, ledgerdomain.ErrLedgerConflict):
		return "ledger_conflict"
	case isFatal(err):
		return "business_rule"
	default:
		return "persistence"
	}
}
