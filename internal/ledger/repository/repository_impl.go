package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/tally/internal/ledger/domain"
	pkgdb "github.com/smallbiznis/tally/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct{}

func NewRepository() ledgerdomain.Repository {
	return &Repository{}
}

func (r *Repository) InsertLedger(ctx context.Context, db *gorm.DB, ledger *ledgerdomain.CreditLedger) (bool, error) {
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoNothing: true,
	}).Create(ledger)
	if result.Error != nil {
		if pkgdb.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) FindByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*ledgerdomain.CreditLedger, error) {
	var ledger ledgerdomain.CreditLedger
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ledger, nil
}

func (r *Repository) FindByTenantForUpdate(ctx context.Context, tx *gorm.DB, tenantID string) (*ledgerdomain.CreditLedger, error) {
	query := tx.WithContext(ctx)
	if pkgdb.SupportsRowLocks(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var ledger ledgerdomain.CreditLedger
	err := query.Where("tenant_id = ?", tenantID).First(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ledger, nil
}

func (r *Repository) UpdateBalance(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID, balance decimal.Decimal, now time.Time) error {
	result := tx.WithContext(ctx).Model(&ledgerdomain.CreditLedger{}).
		Where("id = ?", ledgerID).
		Updates(map[string]any{
			"balance":    balance,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrLedgerNotFound
	}
	return nil
}

func (r *Repository) UpdateMonthlyLimit(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID, limit *decimal.Decimal, now time.Time) error {
	result := tx.WithContext(ctx).Model(&ledgerdomain.CreditLedger{}).
		Where("id = ?", ledgerID).
		Updates(map[string]any{
			"monthly_limit": limit,
			"updated_at":    now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrLedgerNotFound
	}
	return nil
}

func (r *Repository) ListLedgers(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]ledgerdomain.CreditLedger, error) {
	var ledgers []ledgerdomain.CreditLedger
	err := db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&ledgers).Error
	if err != nil {
		return nil, err
	}
	return ledgers, nil
}

func (r *Repository) DeleteLedger(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID) error {
	return tx.WithContext(ctx).Where("id = ?", ledgerID).Delete(&ledgerdomain.CreditLedger{}).Error
}

func (r *Repository) FindTransactionByKey(ctx context.Context, db *gorm.DB, idempotencyKey string) (*ledgerdomain.CreditTransaction, error) {
	var txn ledgerdomain.CreditTransaction
	err := db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *Repository) InsertTransaction(ctx context.Context, tx *gorm.DB, txn *ledgerdomain.CreditTransaction) (bool, error) {
	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(txn)
	if result.Error != nil {
		if pkgdb.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) ListTransactions(ctx context.Context, db *gorm.DB, req ledgerdomain.ListTransactionsRequest) ([]ledgerdomain.CreditTransaction, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", req.TenantID)
	if req.Type != "" {
		query = query.Where("transaction_type = ?", req.Type)
	}
	if req.From != nil {
		query = query.Where("created_at >= ?", req.From.UTC())
	}
	if req.To != nil {
		query = query.Where("created_at < ?", req.To.UTC())
	}
	if req.Limit > 0 {
		query = query.Limit(req.Limit)
	}
	if req.Offset > 0 {
		query = query.Offset(req.Offset)
	}

	var txns []ledgerdomain.CreditTransaction
	if err := query.Order("created_at ASC, id ASC").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *Repository) DeleteTransactionsByLedger(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID) error {
	return tx.WithContext(ctx).Where("ledger_id = ?", ledgerID).Delete(&ledgerdomain.CreditTransaction{}).Error
}

func (r *Repository) SumSignedByLedger(ctx context.Context, db *gorm.DB, ledgerID snowflake.ID) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(
			CASE WHEN transaction_type = ? THEN -amount ELSE amount END
		 ), 0) AS total
		 FROM credit_transactions
		 WHERE ledger_id = ?`,
		ledgerdomain.TransactionTypeDebit,
		ledgerID,
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

func (r *Repository) SumCreditsInWindow(ctx context.Context, tx *gorm.DB, ledgerID snowflake.ID, from, to time.Time) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total
		 FROM credit_transactions
		 WHERE ledger_id = ?
		   AND transaction_type = ?
		   AND created_at >= ?
		   AND created_at < ?`,
		ledgerID,
		ledgerdomain.TransactionTypeCredit,
		from.UTC(),
		to.UTC(),
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

func (r *Repository) SumDebitsInWindow(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total
		 FROM credit_transactions
		 WHERE tenant_id = ?
		   AND transaction_type = ?
		   AND created_at >= ?
		   AND created_at < ?`,
		tenantID,
		ledgerdomain.TransactionTypeDebit,
		from.UTC(),
		to.UTC(),
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}
