package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/tally/internal/ledger/domain"
	"go.uber.org/zap"
)

// ExpireSubscriptionsJob retires ACTIVE subscriptions whose end date has
// passed. It runs before the grant job so expired subscriptions never
// receive another monthly grant.
func (s *Scheduler) ExpireSubscriptionsJob(ctx context.Context, run *jobRun) error {
	expired, err := s.subscriptionSvc.ExpireDue(ctx)
	if err != nil {
		return err
	}
	run.AddProcessed(int(expired))
	return nil
}

// GrantCreditsJob issues each ACTIVE subscription its monthly credits. The
// idempotency key grant:{subscriptionID}:{YYYY-MM} makes the sweep safe to
// re-run any number of times within a month.
func (s *Scheduler) GrantCreditsJob(ctx context.Context, run *jobRun) error {
	month := s.clock.Now().UTC().Format("2006-01")
	var jobErr error

	var afterID snowflake.ID
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		subs, err := s.subscriptionSvc.ListDueForGrant(ctx, afterID, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			return jobErr
		}

		for _, sub := range subs {
			result, err := s.ledgerSvc.ApplyTransaction(ctx, ledgerdomain.ApplyRequest{
				TenantID:       sub.TenantID,
				IdempotencyKey: fmt.Sprintf("grant:%s:%s", sub.ID, month),
				Type:           ledgerdomain.TransactionTypeCredit,
				Amount:         sub.MonthlyCredits,
				ReferenceType:  "subscription",
				ReferenceID:    sub.ID.String(),
			})
			switch {
			case err == nil:
				if result.Created {
					run.AddProcessed(1)
				}
			case errors.Is(err, ledgerdomain.ErrLimitExceeded):
				run.IncError()
				s.log.Warn("monthly grant blocked by credit cap",
					zap.String("tenant_id", sub.TenantID),
					zap.String("subscription_id", sub.ID.String()),
					zap.String("month", month),
				)
			default:
				run.IncError()
				jobErr = errors.Join(jobErr, err)
				s.log.Error("monthly grant failed",
					zap.String("tenant_id", sub.TenantID),
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
			}
		}
		afterID = subs[len(subs)-1].ID
	}
}

// CompileInvoicesJob compiles the previous calendar month for every tenant
// holding a ledger. Tenants already invoiced for the period, and tenants
// with no debits, are skipped.
func (s *Scheduler) CompileInvoicesJob(ctx context.Context, run *jobRun) error {
	periodStart, periodEnd := previousMonthWindow(s.clock.Now())
	var jobErr error

	var afterID snowflake.ID
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		ledgers, err := s.ledgerRepo.ListLedgers(ctx, s.db, afterID, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(ledgers) == 0 {
			return jobErr
		}

		for _, ledger := range ledgers {
			inv, err := s.compileWithRetry(ctx, invoicedomain.CompileRequest{
				TenantID:    ledger.TenantID,
				PeriodStart: periodStart,
				PeriodEnd:   periodEnd,
			})
			switch {
			case err == nil:
				run.AddProcessed(1)
				s.log.Info("invoice compiled for period",
					zap.String("tenant_id", ledger.TenantID),
					zap.String("invoice_number", inv.InvoiceNumber),
					zap.Time("period_start", periodStart),
				)
			case errors.Is(err, invoicedomain.ErrInvoiceExists),
				errors.Is(err, invoicedomain.ErrNothingToInvoice):
				// Already billed or nothing billable this period.
			default:
				run.IncError()
				jobErr = errors.Join(jobErr, err)
				s.log.Error("invoice compilation failed",
					zap.String("tenant_id", ledger.TenantID),
					zap.Error(err),
				)
			}
		}
		afterID = ledgers[len(ledgers)-1].ID
	}
}

// compileWithRetry absorbs one duplicate-number collision; concurrent
// compilers racing for the same sequence resolve on the second attempt.
func (s *Scheduler) compileWithRetry(ctx context.Context, req invoicedomain.CompileRequest) (invoicedomain.Invoice, error) {
	inv, err := s.invoiceSvc.Compile(ctx, req)
	if errors.Is(err, invoicedomain.ErrDuplicateInvoiceNumber) {
		return s.invoiceSvc.Compile(ctx, req)
	}
	return inv, err
}

// ReconcileLedgersJob recomputes every balance from the transaction log and
// reports drift. It never repairs; a discrepancy is an operator signal.
func (s *Scheduler) ReconcileLedgersJob(ctx context.Context, run *jobRun) error {
	report, err := s.ledgerSvc.Reconcile(ctx)
	run.AddProcessed(report.LedgersChecked)
	if err != nil {
		return err
	}
	if len(report.Discrepancies) > 0 {
		run.IncError()
		s.log.Warn("reconciliation found discrepancies",
			zap.Int("ledgers_checked", report.LedgersChecked),
			zap.Int("discrepancies", len(report.Discrepancies)),
		)
	}
	return nil
}

// DetectAnomaliesJob sweeps every tenant's debit volume against the
// configured thresholds.
func (s *Scheduler) DetectAnomaliesJob(ctx context.Context, run *jobRun) error {
	filed, err := s.anomalySvc.Sweep(ctx)
	run.AddProcessed(filed)
	return err
}

// previousMonthWindow returns the last completed UTC calendar month as a
// [start, end) pair.
func previousMonthWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, -1, 0), end
}
