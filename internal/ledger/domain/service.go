package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ApplyRequest describes one balance-affecting operation. Amount must be
// positive for CREDIT, DEBIT and REFUND; ADJUSTMENT is signed either way and
// is the only type allowed to move the balance in both directions.
type ApplyRequest struct {
	TenantID       string
	IdempotencyKey string
	Type           TransactionType
	Amount         decimal.Decimal
	ReferenceType  string
	ReferenceID    string
}

// ApplyResult reports the outcome of ApplyTransaction. Created is false when
// the idempotency key was seen before; Balance then reflects the snapshot
// taken when the original transaction committed, not the current balance.
type ApplyResult struct {
	TransactionID snowflake.ID
	Balance       decimal.Decimal
	BalanceBefore decimal.Decimal
	Created       bool
}

// EstimateResult is a dry-run answer for a prospective debit.
type EstimateResult struct {
	Sufficient bool
	Balance    decimal.Decimal
	Shortfall  decimal.Decimal
}

type ListTransactionsRequest struct {
	TenantID string
	Type     TransactionType
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// Discrepancy is one ledger whose stored balance diverged from the sum of
// its transaction history.
type Discrepancy struct {
	TenantID          string
	LedgerID          snowflake.ID
	LedgerBalance     decimal.Decimal
	CalculatedBalance decimal.Decimal
	Difference        decimal.Decimal
}

// ReconciliationReport summarizes a read-only reconciliation pass.
type ReconciliationReport struct {
	LedgersChecked int
	Discrepancies  []Discrepancy
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Service is the accounting engine. All balance mutations for one tenant are
// serialized against each other; tenants proceed in parallel.
type Service interface {
	ApplyTransaction(ctx context.Context, req ApplyRequest) (ApplyResult, error)
	GetOrCreateLedger(ctx context.Context, tenantID string) (CreditLedger, error)
	SetMonthlyLimit(ctx context.Context, tenantID string, limit *decimal.Decimal) error
	GetBalance(ctx context.Context, tenantID string) (decimal.Decimal, error)
	EstimateDebit(ctx context.Context, tenantID string, amount decimal.Decimal) (EstimateResult, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) ([]CreditTransaction, error)
	Reconcile(ctx context.Context) (ReconciliationReport, error)
	// PurgeLedger irrecoverably removes a ledger and its whole transaction
	// history. Privileged administrative operation, never part of a normal
	// billing path.
	PurgeLedger(ctx context.Context, tenantID, actor string) error
}

var (
	ErrInvalidTenant          = errors.New("invalid_tenant")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidTransactionType = errors.New("invalid_transaction_type")
	ErrInvalidIdempotencyKey  = errors.New("invalid_idempotency_key")
	ErrLedgerNotFound         = errors.New("ledger_not_found")
	ErrLedgerConflict         = errors.New("ledger_conflict")
	ErrInsufficientBalance    = errors.New("insufficient_balance")
	ErrLimitExceeded          = errors.New("monthly_limit_exceeded")
	ErrIdempotencyMismatch    = errors.New("idempotency_key_mismatch")
	ErrTransactionNotFound    = errors.New("transaction_not_found")
	ErrInvalidMonthlyLimit    = errors.New("invalid_monthly_limit")
)
