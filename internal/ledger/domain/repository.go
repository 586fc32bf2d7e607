package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository is the storage binding for ledgers and their transaction log.
// Methods taking a *gorm.DB run against whatever handle the caller passes in,
// so the engine can compose them inside one database transaction.
type Repository interface {
	// InsertLedger creates the row unless the tenant already has one.
	// Returns false when the unique tenant constraint absorbed the insert.
	InsertLedger(ctx context.Context, db *gorm.DB, ledger *CreditLedger) (bool, error)
	FindByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*CreditLedger, error)
	// FindByTenantForUpdate locks the ledger row for the duration of the
	// surrounding transaction. This is the per-tenant serialization point.
	FindByTenantForUpdate(ctx context.Context, tx *gorm.DB, tenantID string) (*CreditLedger, error)
	UpdateBalance(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID, balance decimal.Decimal, now time.Time) error
	UpdateMonthlyLimit(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID, limit *decimal.Decimal, now time.Time) error
	ListLedgers(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]CreditLedger, error)
	DeleteLedger(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID) error

	FindTransactionByKey(ctx context.Context, db *gorm.DB, idempotencyKey string) (*CreditTransaction, error)
	// InsertTransaction appends to the log. Returns false when another
	// writer already holds the idempotency key.
	InsertTransaction(ctx context.Context, tx *gorm.DB, txn *CreditTransaction) (bool, error)
	ListTransactions(ctx context.Context, db *gorm.DB, req ListTransactionsRequest) ([]CreditTransaction, error)
	DeleteTransactionsByLedger(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID) error
	// SumSignedByLedger recomputes the balance from the full history.
	SumSignedByLedger(ctx context.Context, db *gorm.DB, ledgerID snowflake.ID) (decimal.Decimal, error)
	// SumCreditsInWindow totals CREDIT grants in [from, to) for the monthly cap.
	SumCreditsInWindow(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID, from, to time.Time) (decimal.Decimal, error)
	// SumDebitsInWindow totals DEBIT usage in [from, to) per tenant.
	SumDebitsInWindow(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) (decimal.Decimal, error)
}
