package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft  InvoiceStatus = "DRAFT"
	InvoiceStatusIssued InvoiceStatus = "ISSUED"
	InvoiceStatusPaid   InvoiceStatus = "PAID"
	InvoiceStatusVoid   InvoiceStatus = "VOID"
)

// Invoice is a compiled statement of a tenant's debits for one period.
// Lines are frozen once the invoice leaves DRAFT.
type Invoice struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID      string            `gorm:"index" json:"tenant_id"`
	InvoiceNumber string            `gorm:"size:50;uniqueIndex" json:"invoice_number"`
	Status        InvoiceStatus     `gorm:"index" json:"status"`
	TotalAmount   decimal.Decimal   `gorm:"type:numeric(18,6)" json:"total_amount"`
	Currency      string            `gorm:"size:3" json:"currency"`
	PeriodStart   time.Time         `json:"period_start"`
	PeriodEnd     time.Time         `json:"period_end"`
	IssuedAt      *time.Time        `json:"issued_at,omitempty"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

type InvoiceLine struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID    `gorm:"index" json:"invoice_id"`
	Description string          `gorm:"size:255" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(18,6)" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(18,6)" json:"unit_price"`
	TotalPrice  decimal.Decimal `gorm:"type:numeric(18,6)" json:"total_price"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (InvoiceLine) TableName() string {
	return "invoice_lines"
}
