package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CompileRequest struct {
	TenantID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type ListRequest struct {
	TenantID string
	Status   InvoiceStatus
	Limit    int
	Offset   int
}

type Service interface {
	// Compile reads the tenant's debits in [PeriodStart, PeriodEnd),
	// folds them into lines and writes a DRAFT invoice atomically.
	Compile(ctx context.Context, req CompileRequest) (Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (Invoice, []InvoiceLine, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, error)
	Issue(ctx context.Context, id snowflake.ID) error
	MarkPaid(ctx context.Context, id snowflake.ID) error
	Void(ctx context.Context, id snowflake.ID) error
}

var (
	ErrInvalidTenant           = errors.New("invalid_tenant")
	ErrInvalidPeriod           = errors.New("invalid_invoice_period")
	ErrInvoiceNotFound         = errors.New("invoice_not_found")
	ErrInvoiceExists           = errors.New("invoice_exists_for_period")
	ErrDuplicateInvoiceNumber  = errors.New("duplicate_invoice_number")
	ErrNothingToInvoice        = errors.New("nothing_to_invoice")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
)
