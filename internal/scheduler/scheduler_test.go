package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	anomalydomain "github.com/smallbiznis/tally/internal/anomaly/domain"
	"github.com/smallbiznis/tally/internal/clock"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/tally/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// testDBSeq keeps each in-memory database distinct across test
// invocations, including repeated runs of the same test.
var testDBSeq atomic.Int64

type ledgerSvcStub struct {
	ledgerdomain.Service

	applies   []ledgerdomain.ApplyRequest
	seenKeys  map[string]bool
	applyErr  error
	report    ledgerdomain.ReconciliationReport
	reconcile error
}

func (l *ledgerSvcStub) ApplyTransaction(ctx context.Context, req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyResult, error) {
	if l.applyErr != nil {
		return ledgerdomain.ApplyResult{}, l.applyErr
	}
	l.applies = append(l.applies, req)
	if l.seenKeys == nil {
		l.seenKeys = make(map[string]bool)
	}
	created := !l.seenKeys[req.IdempotencyKey]
	l.seenKeys[req.IdempotencyKey] = true
	return ledgerdomain.ApplyResult{Created: created}, nil
}

func (l *ledgerSvcStub) Reconcile(ctx context.Context) (ledgerdomain.ReconciliationReport, error) {
	return l.report, l.reconcile
}

type ledgerRepoStub struct {
	ledgerdomain.Repository

	ledgers []ledgerdomain.CreditLedger
}

func (l *ledgerRepoStub) ListLedgers(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]ledgerdomain.CreditLedger, error) {
	var out []ledgerdomain.CreditLedger
	for _, ledger := range l.ledgers {
		if ledger.ID > afterID {
			out = append(out, ledger)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type subscriptionSvcStub struct {
	subscriptiondomain.Service

	subs        []subscriptiondomain.Subscription
	expired     int64
	expireErr   error
	expireCalls int
}

func (s *subscriptionSvcStub) ExpireDue(ctx context.Context) (int64, error) {
	s.expireCalls++
	return s.expired, s.expireErr
}

func (s *subscriptionSvcStub) ListDueForGrant(ctx context.Context, afterID snowflake.ID, limit int) ([]subscriptiondomain.Subscription, error) {
	var out []subscriptiondomain.Subscription
	for _, sub := range s.subs {
		if sub.ID > afterID {
			out = append(out, sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type invoiceSvcStub struct {
	invoicedomain.Service

	compiles []invoicedomain.CompileRequest
	errs     map[string]error
}

func (i *invoiceSvcStub) Compile(ctx context.Context, req invoicedomain.CompileRequest) (invoicedomain.Invoice, error) {
	i.compiles = append(i.compiles, req)
	if err := i.errs[req.TenantID]; err != nil {
		return invoicedomain.Invoice{}, err
	}
	return invoicedomain.Invoice{TenantID: req.TenantID, InvoiceNumber: "INV-2026-000001"}, nil
}

type anomalySvcStub struct {
	anomalydomain.Service

	filed int
	err   error
}

func (a *anomalySvcStub) Sweep(ctx context.Context) (int, error) {
	return a.filed, a.err
}

type schedulerDeps struct {
	ledgerSvc  *ledgerSvcStub
	ledgerRepo *ledgerRepoStub
	subSvc     *subscriptionSvcStub
	invoiceSvc *invoiceSvcStub
	anomalySvc *anomalySvcStub
}

func newTestScheduler(t *testing.T, cfg Config, deps schedulerDeps) *Scheduler {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	if deps.ledgerSvc == nil {
		deps.ledgerSvc = &ledgerSvcStub{}
	}
	if deps.ledgerRepo == nil {
		deps.ledgerRepo = &ledgerRepoStub{}
	}
	if deps.subSvc == nil {
		deps.subSvc = &subscriptionSvcStub{}
	}
	if deps.invoiceSvc == nil {
		deps.invoiceSvc = &invoiceSvcStub{}
	}
	if deps.anomalySvc == nil {
		deps.anomalySvc = &anomalySvcStub{}
	}

	sched, err := New(Params{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clock.NewFakeClock(time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)),
		LedgerSvc:       deps.ledgerSvc,
		LedgerRepo:      deps.ledgerRepo,
		SubscriptionSvc: deps.subSvc,
		InvoiceSvc:      deps.invoiceSvc,
		AnomalySvc:      deps.anomalySvc,
		Config:          cfg,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched
}

func TestGrantCreditsJobDeterministicKeys(t *testing.T) {
	ledgerSvc := &ledgerSvcStub{}
	subSvc := &subscriptionSvcStub{subs: []subscriptiondomain.Subscription{
		{ID: snowflake.ID(1), TenantID: "tenant-a", MonthlyCredits: decimal.NewFromInt(500)},
		{ID: snowflake.ID(2), TenantID: "tenant-b", MonthlyCredits: decimal.NewFromInt(100)},
	}}
	sched := newTestScheduler(t, Config{EnabledJobs: []string{"grant_credits"}}, schedulerDeps{
		ledgerSvc: ledgerSvc,
		subSvc:    subSvc,
	})

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(ledgerSvc.applies) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(ledgerSvc.applies))
	}
	first := ledgerSvc.applies[0]
	if first.IdempotencyKey != "grant:1:2026-03" {
		t.Fatalf("expected key grant:1:2026-03, got %s", first.IdempotencyKey)
	}
	if first.Type != ledgerdomain.TransactionTypeCredit || !first.Amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected grant request: %+v", first)
	}

	// The second sweep replays the same keys and issues nothing new.
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once again: %v", err)
	}
	if len(ledgerSvc.applies) != 4 {
		t.Fatalf("expected 4 apply calls, got %d", len(ledgerSvc.applies))
	}
	if ledgerSvc.applies[2].IdempotencyKey != "grant:1:2026-03" {
		t.Fatalf("expected stable key on re-run, got %s", ledgerSvc.applies[2].IdempotencyKey)
	}
}

func TestEnabledJobsFilter(t *testing.T) {
	subSvc := &subscriptionSvcStub{expired: 3}
	sched := newTestScheduler(t, Config{EnabledJobs: []string{"grant_credits"}}, schedulerDeps{
		subSvc: subSvc,
	})

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if subSvc.expireCalls != 0 {
		t.Fatalf("expected expire_subscriptions to be filtered out, ran %d times", subSvc.expireCalls)
	}

	all := newTestScheduler(t, Config{}, schedulerDeps{subSvc: subSvc})
	if err := all.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once all jobs: %v", err)
	}
	if subSvc.expireCalls != 1 {
		t.Fatalf("expected expire_subscriptions to run once, ran %d times", subSvc.expireCalls)
	}
}

func TestCompileInvoicesJobSkipsSettledTenants(t *testing.T) {
	invoiceSvc := &invoiceSvcStub{errs: map[string]error{
		"tenant-a": invoicedomain.ErrInvoiceExists,
		"tenant-b": invoicedomain.ErrNothingToInvoice,
	}}
	repo := &ledgerRepoStub{ledgers: []ledgerdomain.CreditLedger{
		{ID: snowflake.ID(1), TenantID: "tenant-a"},
		{ID: snowflake.ID(2), TenantID: "tenant-b"},
		{ID: snowflake.ID(3), TenantID: "tenant-c"},
	}}
	sched := newTestScheduler(t, Config{EnabledJobs: []string{"compile_invoices"}}, schedulerDeps{
		ledgerRepo: repo,
		invoiceSvc: invoiceSvc,
	})

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(invoiceSvc.compiles) != 3 {
		t.Fatalf("expected 3 compile attempts, got %d", len(invoiceSvc.compiles))
	}

	// Clock is 2026-03-10, so the billed period is February.
	req := invoiceSvc.compiles[0]
	wantStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !req.PeriodStart.Equal(wantStart) || !req.PeriodEnd.Equal(wantEnd) {
		t.Fatalf("expected period [%s, %s), got [%s, %s)", wantStart, wantEnd, req.PeriodStart, req.PeriodEnd)
	}
}

func TestRunOnceTreatsDeadlineAsSoftTimeout(t *testing.T) {
	subSvc := &subscriptionSvcStub{expireErr: context.DeadlineExceeded}
	sched := newTestScheduler(t, Config{EnabledJobs: []string{"expire_subscriptions"}}, schedulerDeps{
		subSvc: subSvc,
	})

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected soft timeout, got %v", err)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	if _, err := New(Params{}); err != ErrInvalidConfig {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestPreviousMonthWindow(t *testing.T) {
	start, end := previousMonthWindow(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	if !start.Equal(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected December start, got %s", start)
	}
	if !end.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected January end, got %s", end)
	}
}
