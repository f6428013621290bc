package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	rateplandomain "github.com/smallbiznis/billingcore/internal/rateplan/domain"
	"github.com/smallbiznis/billingcore/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node

	planRepo repository.Repository[rateplandomain.RatePlan]
	tierRepo repository.Repository[rateplandomain.RateTier]
}

func New(p Params) rateplandomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("rateplan.service"),
		genID: p.GenID,

		planRepo: repository.ProvideStore[rateplandomain.RatePlan](p.DB),
		tierRepo: repository.ProvideStore[rateplandomain.RateTier](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req rateplandomain.CreateRequest) (*rateplandomain.RatePlan, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, rateplandomain.ErrInvalidCode
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, rateplandomain.ErrInvalidCurrency
	}

	validFrom, err := time.Parse(time.RFC3339, req.ValidFrom)
	if err != nil {
		return nil, rateplandomain.ErrInvalidValidity
	}
	var validTo *time.Time
	if req.ValidTo != nil {
		parsed, err := time.Parse(time.RFC3339, *req.ValidTo)
		if err != nil || !parsed.After(validFrom) {
			return nil, rateplandomain.ErrInvalidValidity
		}
		utc := parsed.UTC()
		validTo = &utc
	}

	tiers, err := s.buildTiers(req.Tiers)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	plan := &rateplandomain.RatePlan{
		ID:        s.genID.Generate(),
		Code:      code,
		Currency:  currency,
		ValidFrom: validFrom.UTC(),
		ValidTo:   validTo,
		CreatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.planRepo.WithTrx(tx).Create(ctx, plan); err != nil {
			return err
		}
		for i := range tiers {
			tiers[i].PlanID = plan.ID
			tiers[i].CreatedAt = now
		}
		return s.tierRepo.WithTrx(tx).BatchCreate(ctx, tiers)
	})
	if err != nil {
		return nil, err
	}

	return plan, nil
}

func (s *Service) Publish(ctx context.Context, planID string) (*rateplandomain.RatePlan, error) {
	id, err := parseID(planID)
	if err != nil {
		return nil, rateplandomain.ErrInvalidPlanID
	}

	plan, err := s.planRepo.FindOne(ctx, &rateplandomain.RatePlan{ID: id})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, rateplandomain.ErrPlanNotFound
	}
	if plan.PublishedAt != nil {
		return nil, rateplandomain.ErrPlanAlreadyPublished
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE rate_plans SET published_at = ? WHERE id = ? AND published_at IS NULL`,
		now,
		id,
	).Error; err != nil {
		return nil, err
	}

	plan.PublishedAt = &now
	return plan, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*rateplandomain.RatePlan, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, rateplandomain.ErrInvalidCode
	}

	plan, err := s.planRepo.FindOne(ctx, &rateplandomain.RatePlan{Code: code})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, rateplandomain.ErrPlanNotFound
	}
	return plan, nil
}

// Snapshot loads a published plan and its tiers into an immutable in-memory
// view. Callers hold the snapshot for the whole computation so mid-run plan
// edits can never leak in.
func (s *Service) Snapshot(ctx context.Context, planID snowflake.ID) (*rateplandomain.PlanSnapshot, error) {
	plan, err := s.planRepo.FindOne(ctx, &rateplandomain.RatePlan{ID: planID})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, rateplandomain.ErrPlanNotFound
	}
	if plan.PublishedAt == nil {
		return nil, rateplandomain.ErrPlanNotPublished
	}

	tiers, err := s.tierRepo.Find(ctx, &rateplandomain.RateTier{PlanID: planID})
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return nil, rateplandomain.ErrInvalidTiers
	}

	byProduct := make(map[snowflake.ID][]rateplandomain.RateTier)
	for _, tier := range tiers {
		if tier == nil {
			continue
		}
		byProduct[tier.ProductID] = append(byProduct[tier.ProductID], *tier)
	}
	for productID := range byProduct {
		product := byProduct[productID]
		sort.Slice(product, func(i, j int) bool { return product[i].TierIndex < product[j].TierIndex })
		byProduct[productID] = product
	}

	return &rateplandomain.PlanSnapshot{
		Plan:           *plan,
		TiersByProduct: byProduct,
	}, nil
}

// buildTiers validates and normalizes tier inputs: per product, thresholds
// strictly ascending from zero with exactly one open-ended last tier.
func (s *Service) buildTiers(inputs []rateplandomain.CreateTierInput) ([]*rateplandomain.RateTier, error) {
	if len(inputs) == 0 {
		return nil, rateplandomain.ErrInvalidTiers
	}

	grouped := make(map[snowflake.ID][]rateplandomain.CreateTierInput)
	order := make([]snowflake.ID, 0)
	for _, input := range inputs {
		productID, err := parseID(input.ProductID)
		if err != nil {
			return nil, rateplandomain.ErrInvalidTiers
		}
		if input.UnitPrice.IsNegative() {
			return nil, rateplandomain.ErrInvalidTiers
		}
		if _, seen := grouped[productID]; !seen {
			order = append(order, productID)
		}
		grouped[productID] = append(grouped[productID], input)
	}

	tiers := make([]*rateplandomain.RateTier, 0, len(inputs))
	for _, productID := range order {
		product := grouped[productID]
		for i, input := range product {
			last := i == len(product)-1
			if last {
				if input.UpToQuantity != nil {
					return nil, rateplandomain.ErrInvalidTiers
				}
			} else {
				if input.UpToQuantity == nil || !input.UpToQuantity.IsPositive() {
					return nil, rateplandomain.ErrInvalidTiers
				}
				if i > 0 && !input.UpToQuantity.GreaterThan(*product[i-1].UpToQuantity) {
					return nil, rateplandomain.ErrInvalidTiers
				}
			}
			tiers = append(tiers, &rateplandomain.RateTier{
				ID:           s.genID.Generate(),
				ProductID:    productID,
				TierIndex:    i,
				UpToQuantity: input.UpToQuantity,
				UnitPrice:    input.UnitPrice,
			})
		}
	}

	return tiers, nil
}

func parseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(value))
}
