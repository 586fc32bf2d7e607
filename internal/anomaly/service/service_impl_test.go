package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	anomalydomain "github.com/smallbiznis/tally/internal/anomaly/domain"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/config"
	ledgerrepository "github.com/smallbiznis/tally/internal/ledger/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// testDBSeq keeps each in-memory database distinct across test
// invocations, including repeated runs of the same test.
var testDBSeq atomic.Int64

func TestDetectHourlyThreshold(t *testing.T) {
	// Last completed hourly window is [11:00, 12:00).
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc, db := setupAnomalyService(t, clk, "100", "0")
	ctx := context.Background()

	seedDebit(t, db, "tenant-a", "60", time.Date(2026, 3, 10, 11, 10, 0, 0, time.UTC))
	seedDebit(t, db, "tenant-a", "50", time.Date(2026, 3, 10, 11, 40, 0, 0, time.UTC))
	// Outside the window.
	seedDebit(t, db, "tenant-a", "500", time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC))

	filed, err := svc.Detect(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(filed) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(filed))
	}
	a := filed[0]
	if a.AnomalyType != anomalydomain.AnomalyTypeHourlyThreshold {
		t.Fatalf("expected HOURLY_THRESHOLD, got %s", a.AnomalyType)
	}
	if !a.ActualValue.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("expected actual 110, got %s", a.ActualValue)
	}
	if a.Status != anomalydomain.AnomalyStatusDetected {
		t.Fatalf("expected DETECTED, got %s", a.Status)
	}

	// Re-running the same window never files a duplicate.
	again, err := svc.Detect(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("detect again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected dedupe, got %d new anomalies", len(again))
	}
}

func TestDetectConcurrentSweepsFileOnce(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc, db := setupAnomalyService(t, clk, "100", "0")
	ctx := context.Background()

	seedDebit(t, db, "tenant-a", "150", time.Date(2026, 3, 10, 11, 10, 0, 0, time.UTC))

	var wg sync.WaitGroup
	var filedTotal atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			filed, err := svc.Detect(ctx, "tenant-a")
			if err != nil {
				t.Errorf("detect: %v", err)
				return
			}
			filedTotal.Add(int64(len(filed)))
		}()
	}
	wg.Wait()

	if got := filedTotal.Load(); got != 1 {
		t.Fatalf("expected exactly one sweep to file the anomaly, got %d", got)
	}
	var count int64
	if err := db.Model(&anomalydomain.UsageAnomaly{}).
		Where("tenant_id = ?", "tenant-a").
		Count(&count).Error; err != nil {
		t.Fatalf("count anomalies: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored anomaly, got %d", count)
	}
}

func TestDetectUnderThreshold(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc, db := setupAnomalyService(t, clk, "100", "1000")
	ctx := context.Background()

	seedDebit(t, db, "tenant-a", "99", time.Date(2026, 3, 10, 11, 10, 0, 0, time.UTC))

	filed, err := svc.Detect(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(filed) != 0 {
		t.Fatalf("expected no anomalies, got %d", len(filed))
	}
}

func TestDetectDailyThreshold(t *testing.T) {
	// Last completed daily window is March 9.
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc, db := setupAnomalyService(t, clk, "0", "200")
	ctx := context.Background()

	seedDebit(t, db, "tenant-a", "150", time.Date(2026, 3, 9, 3, 0, 0, 0, time.UTC))
	seedDebit(t, db, "tenant-a", "80", time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC))

	filed, err := svc.Detect(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(filed) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(filed))
	}
	if filed[0].AnomalyType != anomalydomain.AnomalyTypeDailyThreshold {
		t.Fatalf("expected DAILY_THRESHOLD, got %s", filed[0].AnomalyType)
	}
	if !filed[0].ActualValue.Equal(decimal.NewFromInt(230)) {
		t.Fatalf("expected actual 230, got %s", filed[0].ActualValue)
	}
}

func TestSweepAcrossTenants(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc, db := setupAnomalyService(t, clk, "100", "0")
	ctx := context.Background()

	seedDebit(t, db, "tenant-a", "150", time.Date(2026, 3, 10, 11, 10, 0, 0, time.UTC))
	seedDebit(t, db, "tenant-b", "150", time.Date(2026, 3, 10, 11, 10, 0, 0, time.UTC))
	seedDebit(t, db, "tenant-c", "50", time.Date(2026, 3, 10, 11, 10, 0, 0, time.UTC))

	filed, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if filed != 2 {
		t.Fatalf("expected 2 anomalies across tenants, got %d", filed)
	}

	anomalies, err := svc.List(ctx, anomalydomain.ListRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(anomalies) != 2 {
		t.Fatalf("expected 2 stored anomalies, got %d", len(anomalies))
	}
}

func TestAnomalyLifecycle(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	svc, db := setupAnomalyService(t, clk, "100", "0")
	ctx := context.Background()

	seedDebit(t, db, "tenant-a", "150", time.Date(2026, 3, 10, 11, 10, 0, 0, time.UTC))
	filed, err := svc.Detect(ctx, "tenant-a")
	if err != nil || len(filed) != 1 {
		t.Fatalf("detect: %v (%d filed)", err, len(filed))
	}
	id := filed[0].ID

	if err := svc.Acknowledge(ctx, id); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := svc.Resolve(ctx, id, "ops@example.com"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	anomalies, err := svc.List(ctx, anomalydomain.ListRequest{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if anomalies[0].Status != anomalydomain.AnomalyStatusResolved {
		t.Fatalf("expected RESOLVED, got %s", anomalies[0].Status)
	}
	if anomalies[0].ResolvedAt == nil || anomalies[0].ResolvedBy == nil {
		t.Fatal("expected resolved_at and resolved_by to be set")
	}

	// RESOLVED is terminal.
	if err := svc.Acknowledge(ctx, id); err != anomalydomain.ErrInvalidStatusTransition {
		t.Fatalf("expected ErrInvalidStatusTransition, got %v", err)
	}
	if err := svc.Acknowledge(ctx, snowflake.ID(999)); err != anomalydomain.ErrAnomalyNotFound {
		t.Fatalf("expected ErrAnomalyNotFound, got %v", err)
	}
}

var anomalySeq int64

func seedDebit(t *testing.T, db *gorm.DB, tenantID, amount string, at time.Time) {
	t.Helper()

	var ledgerID int64
	if err := db.Raw(`SELECT id FROM credit_ledgers WHERE tenant_id = ?`, tenantID).Scan(&ledgerID).Error; err != nil {
		t.Fatalf("find ledger: %v", err)
	}
	if ledgerID == 0 {
		anomalySeq++
		ledgerID = anomalySeq
		if err := db.Exec(
			`INSERT INTO credit_ledgers (id, tenant_id, balance, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
			ledgerID, tenantID, at, at,
		).Error; err != nil {
			t.Fatalf("seed ledger: %v", err)
		}
	}

	anomalySeq++
	if err := db.Exec(
		`INSERT INTO credit_transactions
			(id, tenant_id, ledger_id, transaction_type, amount, balance_before, balance_after, idempotency_key, created_at)
		VALUES (?, ?, ?, 'DEBIT', ?, 0, 0, ?, ?)`,
		anomalySeq, tenantID, ledgerID, amount, fmt.Sprintf("seed-%d", anomalySeq), at,
	).Error; err != nil {
		t.Fatalf("seed debit: %v", err)
	}
}

func setupAnomalyService(t *testing.T, clk clock.Clock, hourly, daily string) (anomalydomain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	statements := []string{
		`CREATE TABLE credit_ledgers (
			id BIGINT PRIMARY KEY,
			tenant_id TEXT NOT NULL UNIQUE,
			balance NUMERIC NOT NULL DEFAULT 0,
			monthly_limit NUMERIC,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE credit_transactions (
			id BIGINT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			ledger_id BIGINT NOT NULL,
			transaction_type TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			balance_before NUMERIC NOT NULL,
			balance_after NUMERIC NOT NULL,
			reference_type TEXT,
			reference_id TEXT,
			idempotency_key TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE usage_anomalies (
			id BIGINT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			anomaly_type TEXT NOT NULL,
			status TEXT NOT NULL,
			threshold_value NUMERIC NOT NULL,
			actual_value NUMERIC NOT NULL,
			period_start DATETIME NOT NULL,
			period_end DATETIME NOT NULL,
			description TEXT,
			metadata JSON,
			resolved_at DATETIME,
			resolved_by TEXT,
			detected_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_usage_anomalies_window
			ON usage_anomalies (tenant_id, anomaly_type, period_start)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Config: config.Config{
			Anomaly: config.AnomalyConfig{
				HourlyThreshold: decimal.RequireFromString(hourly),
				DailyThreshold:  decimal.RequireFromString(daily),
			},
		},
		LedgerRepo: ledgerrepository.NewRepository(),
	})
	return svc, db
}
