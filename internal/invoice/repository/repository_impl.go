package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	pkgdb "github.com/smallbiznis/tally/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct{}

func NewRepository() invoicedomain.Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, lines []invoicedomain.InvoiceLine) error {
	if err := tx.WithContext(ctx).Create(inv).Error; err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&lines).Error
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *Repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	query := tx.WithContext(ctx).Where("id = ?", id)
	if pkgdb.SupportsRowLocks(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var inv invoicedomain.Invoice
	err := query.First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *Repository) FindByTenantPeriod(ctx context.Context, db *gorm.DB, tenantID string, start, end time.Time) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("period_start = ? AND period_end = ?", start, end).
		Where("status <> ?", invoicedomain.InvoiceStatusVoid).
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *Repository) FindLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceLine, error) {
	var lines []invoicedomain.InvoiceLine
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("id ASC").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *Repository) List(ctx context.Context, db *gorm.DB, req invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	query := db.WithContext(ctx).Model(&invoicedomain.Invoice{})
	if req.TenantID != "" {
		query = query.Where("tenant_id = ?", req.TenantID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.Limit > 0 {
		query = query.Limit(req.Limit)
	}
	if req.Offset > 0 {
		query = query.Offset(req.Offset)
	}

	var invoices []invoicedomain.Invoice
	if err := query.Order("id ASC").Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status invoicedomain.InvoiceStatus, issuedAt, paidAt *time.Time, now time.Time) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	if issuedAt != nil {
		updates["issued_at"] = *issuedAt
	}
	if paidAt != nil {
		updates["paid_at"] = *paidAt
	}
	return db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *Repository) CountByYear(ctx context.Context, tx *gorm.DB, year int) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("invoice_number LIKE ?", fmt.Sprintf("INV-%d-%%", year)).
		Count(&count).Error
	return count, err
}
