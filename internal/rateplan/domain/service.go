package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*RatePlan, error)
	Publish(ctx context.Context, planID string) (*RatePlan, error)
	GetByCode(ctx context.Context, code string) (*RatePlan, error)
	Snapshot(ctx context.Context, planID snowflake.ID) (*PlanSnapshot, error)
}

type CreateRequest struct {
	Code      string            `json:"code"`
	Currency  string            `json:"currency"`
	ValidFrom string            `json:"valid_from"`
	ValidTo   *string           `json:"valid_to,omitempty"`
	Tiers     []CreateTierInput `json:"tiers"`
}

type CreateTierInput struct {
	ProductID    string           `json:"product_id"`
	UpToQuantity *decimal.Decimal `json:"up_to_quantity,omitempty"`
	UnitPrice    decimal.Decimal  `json:"unit_price"`
}

var (
	ErrInvalidCode          = errors.New("invalid_code")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidValidity      = errors.New("invalid_validity_window")
	ErrInvalidTiers         = errors.New("invalid_tiers")
	ErrInvalidPlanID        = errors.New("invalid_plan_id")
	ErrPlanNotFound         = errors.New("plan_not_found")
	ErrPlanNotPublished     = errors.New("plan_not_published")
	ErrPlanAlreadyPublished = errors.New("plan_already_published")
)
