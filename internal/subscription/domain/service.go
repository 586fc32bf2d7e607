package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type CreateRequest struct {
	TenantID       string
	PlanName       string
	MonthlyCredits decimal.Decimal
	StartDate      time.Time
	EndDate        *time.Time
}

type ListRequest struct {
	TenantID string
	Status   SubscriptionStatus
	Limit    int
	Offset   int
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (Subscription, error)
	List(ctx context.Context, req ListRequest) ([]Subscription, error)
	Cancel(ctx context.Context, id snowflake.ID) error
	MarkPastDue(ctx context.Context, id snowflake.ID) error
	// ExpireDue transitions every ACTIVE subscription whose end date has
	// passed to EXPIRED and reports how many rows changed.
	ExpireDue(ctx context.Context) (int64, error)
	// ListDueForGrant pages through ACTIVE subscriptions in ID order for
	// the monthly credit grant sweep.
	ListDueForGrant(ctx context.Context, afterID snowflake.ID, limit int) ([]Subscription, error)
}

var (
	ErrInvalidTenant           = errors.New("invalid_tenant")
	ErrInvalidPlan             = errors.New("invalid_plan")
	ErrInvalidCredits          = errors.New("invalid_monthly_credits")
	ErrInvalidPeriod           = errors.New("invalid_subscription_period")
	ErrInvalidStatus           = errors.New("invalid_subscription_status")
	ErrSubscriptionNotFound    = errors.New("subscription_not_found")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
)
