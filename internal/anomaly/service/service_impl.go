package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	anomalydomain "github.com/smallbiznis/tally/internal/anomaly/domain"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/config"
	ledgerdomain "github.com/smallbiznis/tally/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	LedgerRepo ledgerdomain.Repository
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	hourly     decimal.Decimal
	daily      decimal.Decimal
	ledgerRepo ledgerdomain.Repository
}

func NewService(p Params) anomalydomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("anomaly.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		hourly:     p.Config.Anomaly.HourlyThreshold,
		daily:      p.Config.Anomaly.DailyThreshold,
		ledgerRepo: p.LedgerRepo,
	}
}

func (s *Service) Detect(ctx context.Context, tenantID string) ([]anomalydomain.UsageAnomaly, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, anomalydomain.ErrInvalidTenant
	}

	now := s.clock.Now().UTC()
	checks := []struct {
		anomalyType anomalydomain.AnomalyType
		threshold   decimal.Decimal
		start, end  time.Time
	}{
		{
			anomalyType: anomalydomain.AnomalyTypeHourlyThreshold,
			threshold:   s.hourly,
			start:       now.Truncate(time.Hour).Add(-time.Hour),
			end:         now.Truncate(time.Hour),
		},
		{
			anomalyType: anomalydomain.AnomalyTypeDailyThreshold,
			threshold:   s.daily,
			start:       now.Truncate(24 * time.Hour).Add(-24 * time.Hour),
			end:         now.Truncate(24 * time.Hour),
		},
	}

	var filed []anomalydomain.UsageAnomaly
	for _, check := range checks {
		// A zero threshold disables the check.
		if !check.threshold.IsPositive() {
			continue
		}

		actual, err := s.ledgerRepo.SumDebitsInWindow(ctx, s.db, tenantID, check.start, check.end)
		if err != nil {
			return filed, err
		}
		if !actual.GreaterThan(check.threshold) {
			continue
		}

		anomaly, err := s.file(ctx, tenantID, check.anomalyType, check.threshold, actual, check.start, check.end)
		if err != nil {
			return filed, err
		}
		if anomaly != nil {
			filed = append(filed, *anomaly)
		}
	}
	return filed, nil
}

// file writes the anomaly unless one already exists for the same tenant,
// type and window. The unique index on (tenant_id, anomaly_type,
// period_start) makes concurrent sweeps converge on a single row.
func (s *Service) file(ctx context.Context, tenantID string, anomalyType anomalydomain.AnomalyType, threshold, actual decimal.Decimal, start, end time.Time) (*anomalydomain.UsageAnomaly, error) {
	anomaly := anomalydomain.UsageAnomaly{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		AnomalyType:    anomalyType,
		Status:         anomalydomain.AnomalyStatusDetected,
		ThresholdValue: threshold,
		ActualValue:    actual,
		PeriodStart:    start,
		PeriodEnd:      end,
		Description:    fmt.Sprintf("debit volume %s exceeded threshold %s", actual, threshold),
		DetectedAt:     s.clock.Now(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "anomaly_type"}, {Name: "period_start"}},
		DoNothing: true,
	}).Create(&anomaly)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Another sweep filed this window first.
		return nil, nil
	}

	s.log.Warn("usage anomaly detected",
		zap.String("tenant_id", tenantID),
		zap.String("anomaly_type", string(anomalyType)),
		zap.String("threshold", threshold.String()),
		zap.String("actual", actual.String()),
		zap.Time("period_start", start),
	)
	return &anomaly, nil
}

func (s *Service) Sweep(ctx context.Context) (int, error) {
	const batchSize = 200

	total := 0
	var afterID snowflake.ID
	for {
		ledgers, err := s.ledgerRepo.ListLedgers(ctx, s.db, afterID, batchSize)
		if err != nil {
			return total, err
		}
		if len(ledgers) == 0 {
			return total, nil
		}
		for _, ledger := range ledgers {
			filed, err := s.Detect(ctx, ledger.TenantID)
			if err != nil {
				return total, err
			}
			total += len(filed)
		}
		afterID = ledgers[len(ledgers)-1].ID
	}
}

func (s *Service) List(ctx context.Context, req anomalydomain.ListRequest) ([]anomalydomain.UsageAnomaly, error) {
	query := s.db.WithContext(ctx).Model(&anomalydomain.UsageAnomaly{})
	if req.TenantID != "" {
		query = query.Where("tenant_id = ?", req.TenantID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.Limit > 0 {
		query = query.Limit(req.Limit)
	}
	if req.Offset > 0 {
		query = query.Offset(req.Offset)
	}

	var anomalies []anomalydomain.UsageAnomaly
	if err := query.Order("id ASC").Find(&anomalies).Error; err != nil {
		return nil, err
	}
	return anomalies, nil
}

func (s *Service) Acknowledge(ctx context.Context, id snowflake.ID) error {
	return s.transition(ctx, id, anomalydomain.AnomalyStatusAcknowledged, nil,
		anomalydomain.AnomalyStatusDetected,
	)
}

func (s *Service) Resolve(ctx context.Context, id snowflake.ID, resolvedBy string) error {
	return s.transition(ctx, id, anomalydomain.AnomalyStatusResolved, &resolvedBy,
		anomalydomain.AnomalyStatusDetected,
		anomalydomain.AnomalyStatusAcknowledged,
	)
}

func (s *Service) MarkFalsePositive(ctx context.Context, id snowflake.ID, resolvedBy string) error {
	return s.transition(ctx, id, anomalydomain.AnomalyStatusFalsePositive, &resolvedBy,
		anomalydomain.AnomalyStatusDetected,
		anomalydomain.AnomalyStatusAcknowledged,
	)
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, target anomalydomain.AnomalyStatus, resolvedBy *string, from ...anomalydomain.AnomalyStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var anomaly anomalydomain.UsageAnomaly
		err := tx.Where("id = ?", id).First(&anomaly).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return anomalydomain.ErrAnomalyNotFound
		}
		if err != nil {
			return err
		}
		if anomaly.Status == target {
			return nil
		}

		allowed := false
		for _, status := range from {
			if anomaly.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return anomalydomain.ErrInvalidStatusTransition
		}

		updates := map[string]any{"status": target}
		if resolvedBy != nil {
			now := s.clock.Now()
			updates["resolved_at"] = now
			updates["resolved_by"] = *resolvedBy
		}
		return tx.Model(&anomalydomain.UsageAnomaly{}).
			Where("id = ?", id).
			Updates(updates).Error
	})
}
