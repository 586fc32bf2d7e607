package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert writes the invoice and its lines together. The unique
	// invoice_number index is the final arbiter against concurrent
	// compilers picking the same sequence.
	Insert(ctx context.Context, tx *gorm.DB, inv *Invoice, lines []InvoiceLine) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByTenantPeriod(ctx context.Context, db *gorm.DB, tenantID string, start, end time.Time) (*Invoice, error)
	FindLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceLine, error)
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]Invoice, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status InvoiceStatus, issuedAt, paidAt *time.Time, now time.Time) error
	// CountByYear reports how many invoices carry a number minted in the
	// given year; the next sequence is count+1.
	CountByYear(ctx context.Context, tx *gorm.DB, year int) (int64, error)
}
