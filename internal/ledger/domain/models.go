// Package domain contains persistence models for the tenant credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TransactionType is the closed set of balance-affecting event kinds.
type TransactionType string

const (
	TransactionTypeCredit     TransactionType = "CREDIT"
	TransactionTypeDebit      TransactionType = "DEBIT"
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
	TransactionTypeRefund     TransactionType = "REFUND"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeCredit, TransactionTypeDebit, TransactionTypeAdjustment, TransactionTypeRefund:
		return true
	default:
		return false
	}
}

// CreditLedger tracks one tenant's running credit balance. Exactly one row
// per tenant; the balance never goes negative and is mutated only by the
// accounting engine.
type CreditLedger struct {
	ID           snowflake.ID     `gorm:"primaryKey"`
	TenantID     string           `gorm:"type:text;not null;uniqueIndex:ux_credit_ledgers_tenant_id"`
	Balance      decimal.Decimal  `gorm:"type:numeric(18,6);not null;default:0"`
	MonthlyLimit *decimal.Decimal `gorm:"type:numeric(18,6)"`
	CreatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditLedger) TableName() string { return "credit_ledgers" }

// CreditTransaction is the immutable record of one balance change. Rows are
// append-only; balance snapshots make idempotent replays exact.
type CreditTransaction struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	TenantID        string          `gorm:"type:text;not null;index:ix_credit_transactions_tenant_id"`
	LedgerID        snowflake.ID    `gorm:"not null;index:ix_credit_transactions_ledger_id"`
	TransactionType TransactionType `gorm:"type:text;not null"`
	Amount          decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	BalanceBefore   decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	BalanceAfter    decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	ReferenceType   *string         `gorm:"type:varchar(50);index:ix_credit_transactions_reference,priority:1"`
	ReferenceID     *string         `gorm:"type:varchar(255);index:ix_credit_transactions_reference,priority:2"`
	IdempotencyKey  string          `gorm:"type:text;not null;uniqueIndex:ux_credit_transactions_idempotency_key"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_credit_transactions_created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// SignedDelta returns the balance movement this transaction represents.
func (t CreditTransaction) SignedDelta() decimal.Decimal {
	return SignedDelta(t.TransactionType, t.Amount)
}

// SignedDelta maps (type, amount) to the signed balance movement. CREDIT and
// REFUND add, DEBIT subtracts, ADJUSTMENT carries its own sign.
func SignedDelta(txType TransactionType, amount decimal.Decimal) decimal.Decimal {
	switch txType {
	case TransactionTypeDebit:
		return amount.Neg()
	default:
		return amount
	}
}
