// Package metrics exposes prometheus instruments for the ledger engine and
// the billing scheduler.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the const labels stamped on every instrument.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) constLabels() prometheus.Labels {
	serviceName := strings.TrimSpace(c.ServiceName)
	if serviceName == "" {
		serviceName = "tally"
	}
	environment := strings.TrimSpace(c.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

// LedgerMetrics captures accounting engine health signals.
type LedgerMetrics struct {
	transactions  *prometheus.CounterVec
	applyDuration prometheus.Observer
	discrepancies prometheus.Counter
}

const (
	OutcomeApplied      = "applied"
	OutcomeReplayed     = "replayed"
	OutcomeRejected     = "rejected"
	OutcomeStorageError = "storage_error"
)

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

// LedgerWithConfig returns the singleton ledger metrics registry using config labels.
func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := cfg.constLabels()

	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tally_ledger_transactions_total",
		Help:        "Credit transactions by type and outcome.",
		ConstLabels: constLabels,
	}, []string{"type", "outcome"})
	applyDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "tally_ledger_apply_duration_seconds",
		Help:        "ApplyTransaction latency including the per-tenant serialization wait.",
		Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})
	discrepancies := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "tally_ledger_reconcile_discrepancies_total",
		Help:        "Ledger balances that diverged from their transaction history sum.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(transactions, applyDuration, discrepancies)

	return &LedgerMetrics{
		transactions:  transactions,
		applyDuration: applyDuration,
		discrepancies: discrepancies,
	}
}

func (m *LedgerMetrics) RecordTransaction(txType, outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(txType, outcome).Inc()
}

func (m *LedgerMetrics) ObserveApplyDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.applyDuration.Observe(d.Seconds())
}

func (m *LedgerMetrics) IncDiscrepancy() {
	if m == nil {
		return
	}
	m.discrepancies.Inc()
}
