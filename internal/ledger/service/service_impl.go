package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/clock"
	ledgerdomain "github.com/smallbiznis/tally/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errKeyRace signals that another writer committed the idempotency key while
// we held a different tenant's ledger lock. The caller re-reads and replays.
var errKeyRace = errors.New("idempotency_key_race")

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  ledgerdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  ledgerdomain.Repository
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// ApplyTransaction applies one balance-affecting event exactly once. Replays
// of a seen idempotency key return the original outcome with Created=false;
// reusing a key with a divergent payload fails with ErrIdempotencyMismatch.
func (s *Service) ApplyTransaction(ctx context.Context, req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyResult, error) {
	start := time.Now()
	obs := obsmetrics.Ledger()

	if err := validateApply(req); err != nil {
		obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeRejected)
		return ledgerdomain.ApplyResult{}, err
	}

	// Fast path: a committed transaction with this key answers the call
	// without touching the ledger row.
	existing, err := s.repo.FindTransactionByKey(ctx, s.db, req.IdempotencyKey)
	if err != nil {
		obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeStorageError)
		return ledgerdomain.ApplyResult{}, err
	}
	if existing != nil {
		return s.finishReplay(existing, req, obs)
	}

	var result ledgerdomain.ApplyResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, applyErr := s.apply(ctx, tx, req)
		if applyErr != nil {
			return applyErr
		}
		result = applied
		return nil
	})
	obs.ObserveApplyDuration(time.Since(start))

	switch {
	case err == nil:
		if result.Created {
			obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeApplied)
		} else {
			obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeReplayed)
		}
		return result, nil
	case errors.Is(err, errKeyRace):
		// Another writer won the key between our check and our insert.
		existing, readErr := s.repo.FindTransactionByKey(ctx, s.db, req.IdempotencyKey)
		if readErr != nil {
			obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeStorageError)
			return ledgerdomain.ApplyResult{}, readErr
		}
		if existing == nil {
			obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeStorageError)
			return ledgerdomain.ApplyResult{}, ledgerdomain.ErrTransactionNotFound
		}
		return s.finishReplay(existing, req, obs)
	case isBusinessReject(err):
		obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeRejected)
		return ledgerdomain.ApplyResult{}, err
	default:
		obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeStorageError)
		return ledgerdomain.ApplyResult{}, err
	}
}

// apply runs under the tenant's ledger row lock. Balance update and log
// append commit or roll back together with the surrounding transaction.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyResult, error) {
	ledger, err := s.lockOrCreateLedger(ctx, tx, req.TenantID)
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}

	// Second idempotency check, now serialized behind the tenant lock.
	existing, err := s.repo.FindTransactionByKey(ctx, tx, req.IdempotencyKey)
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	if existing != nil {
		return replayResult(existing, req)
	}

	balanceBefore := ledger.Balance
	balanceAfter := balanceBefore.Add(ledgerdomain.SignedDelta(req.Type, req.Amount))
	if balanceAfter.IsNegative() {
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrInsufficientBalance
	}

	if req.Type == ledgerdomain.TransactionTypeCredit && ledger.MonthlyLimit != nil {
		from, to := monthWindow(s.clock.Now())
		granted, sumErr := s.repo.SumCreditsInWindow(ctx, tx, ledger.ID, from, to)
		if sumErr != nil {
			return ledgerdomain.ApplyResult{}, sumErr
		}
		if granted.Add(req.Amount).GreaterThan(*ledger.MonthlyLimit) {
			return ledgerdomain.ApplyResult{}, ledgerdomain.ErrLimitExceeded
		}
	}

	now := s.clock.Now()
	txn := &ledgerdomain.CreditTransaction{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		LedgerID:        ledger.ID,
		TransactionType: req.Type,
		Amount:          req.Amount,
		BalanceBefore:   balanceBefore,
		BalanceAfter:    balanceAfter,
		ReferenceType:   optional(req.ReferenceType),
		ReferenceID:     optional(req.ReferenceID),
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
	}

	inserted, err := s.repo.InsertTransaction(ctx, tx, txn)
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	if !inserted {
		return ledgerdomain.ApplyResult{}, errKeyRace
	}

	if err := s.repo.UpdateBalance(ctx, tx, ledger.ID, balanceAfter, now); err != nil {
		return ledgerdomain.ApplyResult{}, err
	}

	return ledgerdomain.ApplyResult{
		TransactionID: txn.ID,
		Balance:       balanceAfter,
		BalanceBefore: balanceBefore,
		Created:       true,
	}, nil
}

// lockOrCreateLedger returns the tenant's ledger row locked for update,
// creating it lazily on first use. Creation is idempotent: the unique tenant
// constraint absorbs the losing insert and the re-read picks up the winner.
func (s *Service) lockOrCreateLedger(ctx context.Context, tx *gorm.DB, tenantID string) (*ledgerdomain.CreditLedger, error) {
	ledger, err := s.repo.FindByTenantForUpdate(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if ledger != nil {
		return ledger, nil
	}

	now := s.clock.Now()
	if _, err := s.repo.InsertLedger(ctx, tx, &ledgerdomain.CreditLedger{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}

	ledger, err = s.repo.FindByTenantForUpdate(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, ledgerdomain.ErrLedgerConflict
	}
	return ledger, nil
}

func (s *Service) GetOrCreateLedger(ctx context.Context, tenantID string) (ledgerdomain.CreditLedger, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ledgerdomain.CreditLedger{}, ledgerdomain.ErrInvalidTenant
	}

	ledger, err := s.repo.FindByTenant(ctx, s.db, tenantID)
	if err != nil {
		return ledgerdomain.CreditLedger{}, err
	}
	if ledger != nil {
		return *ledger, nil
	}

	now := s.clock.Now()
	if _, err := s.repo.InsertLedger(ctx, s.db, &ledgerdomain.CreditLedger{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return ledgerdomain.CreditLedger{}, err
	}

	ledger, err = s.repo.FindByTenant(ctx, s.db, tenantID)
	if err != nil {
		return ledgerdomain.CreditLedger{}, err
	}
	if ledger == nil {
		return ledgerdomain.CreditLedger{}, ledgerdomain.ErrLedgerConflict
	}
	return *ledger, nil
}

func (s *Service) SetMonthlyLimit(ctx context.Context, tenantID string, limit *decimal.Decimal) error {
	if strings.TrimSpace(tenantID) == "" {
		return ledgerdomain.ErrInvalidTenant
	}
	if limit != nil && limit.IsNegative() {
		return ledgerdomain.ErrInvalidMonthlyLimit
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger, err := s.repo.FindByTenantForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if ledger == nil {
			return ledgerdomain.ErrLedgerNotFound
		}
		return s.repo.UpdateMonthlyLimit(ctx, tx, ledger.ID, limit, s.clock.Now())
	})
}

func (s *Service) GetBalance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	if strings.TrimSpace(tenantID) == "" {
		return decimal.Zero, ledgerdomain.ErrInvalidTenant
	}
	ledger, err := s.repo.FindByTenant(ctx, s.db, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	if ledger == nil {
		return decimal.Zero, ledgerdomain.ErrLedgerNotFound
	}
	return ledger.Balance, nil
}

func (s *Service) EstimateDebit(ctx context.Context, tenantID string, amount decimal.Decimal) (ledgerdomain.EstimateResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return ledgerdomain.EstimateResult{}, ledgerdomain.ErrInvalidTenant
	}
	if !amount.IsPositive() {
		return ledgerdomain.EstimateResult{}, ledgerdomain.ErrInvalidAmount
	}

	ledger, err := s.repo.FindByTenant(ctx, s.db, tenantID)
	if err != nil {
		return ledgerdomain.EstimateResult{}, err
	}
	if ledger == nil {
		return ledgerdomain.EstimateResult{}, ledgerdomain.ErrLedgerNotFound
	}

	shortfall := amount.Sub(ledger.Balance)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}
	return ledgerdomain.EstimateResult{
		Sufficient: ledger.Balance.GreaterThanOrEqual(amount),
		Balance:    ledger.Balance,
		Shortfall:  shortfall,
	}, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) ([]ledgerdomain.CreditTransaction, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if req.Type != "" && !req.Type.Valid() {
		return nil, ledgerdomain.ErrInvalidTransactionType
	}
	return s.repo.ListTransactions(ctx, s.db, req)
}

// Reconcile recomputes every ledger balance from its transaction history and
// reports divergences. Read-only; discrepancies are surfaced, never patched.
func (s *Service) Reconcile(ctx context.Context) (ledgerdomain.ReconciliationReport, error) {
	const batchSize = 200

	obs := obsmetrics.Ledger()
	report := ledgerdomain.ReconciliationReport{StartedAt: s.clock.Now()}

	var afterID snowflake.ID
	for {
		ledgers, err := s.repo.ListLedgers(ctx, s.db, afterID, batchSize)
		if err != nil {
			return report, err
		}
		if len(ledgers) == 0 {
			break
		}

		for _, ledger := range ledgers {
			calculated, err := s.repo.SumSignedByLedger(ctx, s.db, ledger.ID)
			if err != nil {
				return report, err
			}
			report.LedgersChecked++

			if ledger.Balance.Equal(calculated) {
				continue
			}
			obs.IncDiscrepancy()
			diff := ledger.Balance.Sub(calculated)
			report.Discrepancies = append(report.Discrepancies, ledgerdomain.Discrepancy{
				TenantID:          ledger.TenantID,
				LedgerID:          ledger.ID,
				LedgerBalance:     ledger.Balance,
				CalculatedBalance: calculated,
				Difference:        diff,
			})
			s.log.Warn("ledger balance diverged from transaction history",
				zap.String("tenant_id", ledger.TenantID),
				zap.String("ledger_id", ledger.ID.String()),
				zap.String("ledger_balance", ledger.Balance.String()),
				zap.String("calculated_balance", calculated.String()),
				zap.String("difference", diff.String()),
			)
		}
		afterID = ledgers[len(ledgers)-1].ID
	}

	report.FinishedAt = s.clock.Now()
	return report, nil
}

// PurgeLedger removes a ledger and its whole transaction history. This is the
// only path that deletes log rows; it is privileged and irrecoverable.
func (s *Service) PurgeLedger(ctx context.Context, tenantID, actor string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ledgerdomain.ErrInvalidTenant
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger, err := s.repo.FindByTenantForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if ledger == nil {
			return ledgerdomain.ErrLedgerNotFound
		}
		if err := s.repo.DeleteTransactionsByLedger(ctx, tx, ledger.ID); err != nil {
			return err
		}
		return s.repo.DeleteLedger(ctx, tx, ledger.ID)
	})
	if err != nil {
		return err
	}

	s.log.Warn("ledger purged",
		zap.String("tenant_id", tenantID),
		zap.String("actor", actor),
	)
	return nil
}

func (s *Service) finishReplay(existing *ledgerdomain.CreditTransaction, req ledgerdomain.ApplyRequest, obs *obsmetrics.LedgerMetrics) (ledgerdomain.ApplyResult, error) {
	result, err := replayResult(existing, req)
	if err != nil {
		obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeRejected)
		return ledgerdomain.ApplyResult{}, err
	}
	obs.RecordTransaction(string(req.Type), obsmetrics.OutcomeReplayed)
	return result, nil
}

// replayResult rebuilds the original outcome from the stored snapshots after
// verifying the retry carries the same payload as the first attempt.
func replayResult(existing *ledgerdomain.CreditTransaction, req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyResult, error) {
	if existing.TenantID != req.TenantID ||
		existing.TransactionType != req.Type ||
		!existing.Amount.Equal(req.Amount) {
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrIdempotencyMismatch
	}
	return ledgerdomain.ApplyResult{
		TransactionID: existing.ID,
		Balance:       existing.BalanceAfter,
		BalanceBefore: existing.BalanceBefore,
		Created:       false,
	}, nil
}

func validateApply(req ledgerdomain.ApplyRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return ledgerdomain.ErrInvalidTenant
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return ledgerdomain.ErrInvalidIdempotencyKey
	}
	if !req.Type.Valid() {
		return ledgerdomain.ErrInvalidTransactionType
	}
	// NUMERIC(18,6) columns cannot hold finer precision.
	if req.Amount.Exponent() < -6 {
		return ledgerdomain.ErrInvalidAmount
	}
	switch req.Type {
	case ledgerdomain.TransactionTypeAdjustment:
		if req.Amount.IsZero() {
			return ledgerdomain.ErrInvalidAmount
		}
	default:
		if !req.Amount.IsPositive() {
			return ledgerdomain.ErrInvalidAmount
		}
	}
	return nil
}

func isBusinessReject(err error) bool {
	return errors.Is(err, ledgerdomain.ErrInsufficientBalance) ||
		errors.Is(err, ledgerdomain.ErrLimitExceeded) ||
		errors.Is(err, ledgerdomain.ErrIdempotencyMismatch)
}

// monthWindow returns the UTC calendar month [from, to) containing now.
// The monthly grant cap is calendar-month aligned.
func monthWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
