package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type AnomalyType string

const (
	AnomalyTypeHourlyThreshold AnomalyType = "HOURLY_THRESHOLD"
	AnomalyTypeDailyThreshold  AnomalyType = "DAILY_THRESHOLD"
)

type AnomalyStatus string

const (
	AnomalyStatusDetected      AnomalyStatus = "DETECTED"
	AnomalyStatusAcknowledged  AnomalyStatus = "ACKNOWLEDGED"
	AnomalyStatusResolved      AnomalyStatus = "RESOLVED"
	AnomalyStatusFalsePositive AnomalyStatus = "FALSE_POSITIVE"
)

// UsageAnomaly records one threshold breach for a tenant's debit volume in
// one detection window. The (tenant, type, period_start) triple is the
// dedupe key: re-running detection over a window never files it twice.
type UsageAnomaly struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID       string            `gorm:"index" json:"tenant_id"`
	AnomalyType    AnomalyType       `json:"anomaly_type"`
	Status         AnomalyStatus     `gorm:"index" json:"status"`
	ThresholdValue decimal.Decimal   `gorm:"type:numeric(18,6)" json:"threshold_value"`
	ActualValue    decimal.Decimal   `gorm:"type:numeric(18,6)" json:"actual_value"`
	PeriodStart    time.Time         `json:"period_start"`
	PeriodEnd      time.Time         `json:"period_end"`
	Description    string            `json:"description,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy     *string           `json:"resolved_by,omitempty"`
	DetectedAt     time.Time         `json:"detected_at"`
}

func (UsageAnomaly) TableName() string {
	return "usage_anomalies"
}

type ListRequest struct {
	TenantID string
	Status   AnomalyStatus
	Limit    int
	Offset   int
}

type Service interface {
	// Detect evaluates the tenant's debit volume over the last completed
	// hourly and daily windows and files a row per breached threshold.
	Detect(ctx context.Context, tenantID string) ([]UsageAnomaly, error)
	// Sweep runs Detect for every tenant holding a ledger and reports how
	// many new anomalies were filed.
	Sweep(ctx context.Context) (int, error)
	List(ctx context.Context, req ListRequest) ([]UsageAnomaly, error)
	Acknowledge(ctx context.Context, id snowflake.ID) error
	Resolve(ctx context.Context, id snowflake.ID, resolvedBy string) error
	MarkFalsePositive(ctx context.Context, id snowflake.ID, resolvedBy string) error
}

var (
	ErrInvalidTenant           = errors.New("invalid_tenant")
	ErrAnomalyNotFound         = errors.New("anomaly_not_found")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
)
