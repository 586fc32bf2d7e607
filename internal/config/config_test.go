package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "tally", cfg.AppName)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "postgres", cfg.DBType)
	assert.Equal(t, 50, cfg.DBMaxOpenConn)

	assert.Equal(t, time.Minute, cfg.Scheduler.RunInterval)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Empty(t, cfg.Scheduler.EnabledJobs)

	assert.Equal(t, GroupingPerReference, cfg.Invoice.Grouping)
	assert.Equal(t, "USD", cfg.Invoice.Currency)

	assert.True(t, cfg.Anomaly.HourlyThreshold.Equal(decimal.NewFromInt(1000)))
	assert.True(t, cfg.Anomaly.DailyThreshold.Equal(decimal.NewFromInt(10000)))
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("APP_SERVICE", "tally-worker")
	t.Setenv("SCHEDULER_RUN_INTERVAL", "5m")
	t.Setenv("SCHEDULER_ENABLED_JOBS", "grant_credits, compile_invoices,")
	t.Setenv("INVOICE_GROUPING", "PER_TRANSACTION")
	t.Setenv("INVOICE_CURRENCY", "idr")
	t.Setenv("ANOMALY_HOURLY_THRESHOLD", "250.5")

	cfg := Load()

	assert.Equal(t, "tally-worker", cfg.AppName)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RunInterval)
	assert.Equal(t, []string{"grant_credits", "compile_invoices"}, cfg.Scheduler.EnabledJobs)
	assert.Equal(t, GroupingPerTransaction, cfg.Invoice.Grouping)
	assert.Equal(t, "IDR", cfg.Invoice.Currency)

	want, err := decimal.NewFromString("250.5")
	require.NoError(t, err)
	assert.True(t, cfg.Anomaly.HourlyThreshold.Equal(want))
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONN", "plenty")
	t.Setenv("SCHEDULER_JOB_TIMEOUT", "-10s")
	t.Setenv("ANOMALY_DAILY_THRESHOLD", "not-a-number")

	cfg := Load()

	assert.Equal(t, 50, cfg.DBMaxOpenConn)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.JobTimeout)
	assert.True(t, cfg.Anomaly.DailyThreshold.Equal(decimal.NewFromInt(10000)))
}

func TestNormalizeGrouping(t *testing.T) {
	assert.Equal(t, GroupingPerTransaction, normalizeGrouping("per_transaction"))
	assert.Equal(t, GroupingPerTransaction, normalizeGrouping("  Per_Transaction "))
	assert.Equal(t, GroupingPerReference, normalizeGrouping("per_reference"))
	assert.Equal(t, GroupingPerReference, normalizeGrouping(""))
	assert.Equal(t, GroupingPerReference, normalizeGrouping("something_else"))
}
