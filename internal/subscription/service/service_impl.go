package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/clock"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.Subscription, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}
	if strings.TrimSpace(req.PlanName) == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlan
	}
	if !req.MonthlyCredits.IsPositive() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCredits
	}
	if req.StartDate.IsZero() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPeriod
	}
	if req.EndDate != nil && !req.EndDate.After(req.StartDate) {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPeriod
	}

	now := s.clock.Now()
	sub := subscriptiondomain.Subscription{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		Status:         subscriptiondomain.SubscriptionStatusActive,
		PlanName:       req.PlanName,
		MonthlyCredits: req.MonthlyCredits,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, s.db, &sub); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("tenant_id", sub.TenantID),
		zap.String("plan_name", sub.PlanName),
		zap.String("monthly_credits", sub.MonthlyCredits.String()),
	)
	return sub, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if sub == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListRequest) ([]subscriptiondomain.Subscription, error) {
	if req.Status != "" && !req.Status.Valid() {
		return nil, subscriptiondomain.ErrInvalidStatus
	}
	return s.repo.List(ctx, s.db, req)
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) error {
	return s.transition(ctx, id, subscriptiondomain.SubscriptionStatusCanceled,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPastDue,
	)
}

func (s *Service) MarkPastDue(ctx context.Context, id snowflake.ID) error {
	return s.transition(ctx, id, subscriptiondomain.SubscriptionStatusPastDue,
		subscriptiondomain.SubscriptionStatusActive,
	)
}

// transition moves a subscription to target if its current status is one of
// from. EXPIRED and CANCELED are terminal.
func (s *Service) transition(ctx context.Context, id snowflake.ID, target subscriptiondomain.SubscriptionStatus, from ...subscriptiondomain.SubscriptionStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status == target {
			return nil
		}

		allowed := false
		for _, status := range from {
			if sub.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return subscriptiondomain.ErrInvalidStatusTransition
		}

		if err := s.repo.UpdateStatus(ctx, tx, id, target, s.clock.Now()); err != nil {
			return err
		}
		s.log.Info("subscription status changed",
			zap.String("subscription_id", id.String()),
			zap.String("tenant_id", sub.TenantID),
			zap.String("from", string(sub.Status)),
			zap.String("to", string(target)),
		)
		return nil
	})
}

func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	cutoff := now.UTC().Truncate(24 * time.Hour)
	expired, err := s.repo.ExpireDue(ctx, s.db, cutoff, now)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.log.Info("subscriptions expired", zap.Int64("count", expired))
	}
	return expired, nil
}

func (s *Service) ListDueForGrant(ctx context.Context, afterID snowflake.ID, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListActive(ctx, s.db, afterID, limit)
}
