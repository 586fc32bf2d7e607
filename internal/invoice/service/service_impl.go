package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/config"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/tally/internal/ledger/domain"
	pkgdb "github.com/smallbiznis/tally/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
	Repo   invoicedomain.Repository
	Ledger ledgerdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	grouping string
	currency string
	repo     invoicedomain.Repository
	ledger   ledgerdomain.Service
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		grouping: p.Config.Invoice.Grouping,
		currency: p.Config.Invoice.Currency,
		repo:     p.Repo,
		ledger:   p.Ledger,
	}
}

// Compile folds the tenant's DEBIT transactions in [PeriodStart, PeriodEnd)
// into invoice lines and writes the DRAFT invoice with its lines in one
// transaction. Credits, refunds and adjustments never appear on an invoice.
func (s *Service) Compile(ctx context.Context, req invoicedomain.CompileRequest) (invoicedomain.Invoice, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidTenant
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidPeriod
	}

	transactions, err := s.ledger.ListTransactions(ctx, ledgerdomain.ListTransactionsRequest{
		TenantID: req.TenantID,
		Type:     ledgerdomain.TransactionTypeDebit,
		From:     &req.PeriodStart,
		To:       &req.PeriodEnd,
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if len(transactions) == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrNothingToInvoice
	}

	now := s.clock.Now()
	invoiceID := s.genID.Generate()
	lines := s.buildLines(invoiceID, transactions, now)

	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.TotalPrice)
	}

	inv := invoicedomain.Invoice{
		ID:          invoiceID,
		TenantID:    req.TenantID,
		Status:      invoicedomain.InvoiceStatusDraft,
		TotalAmount: total,
		Currency:    s.currency,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		Metadata: datatypes.JSONMap{
			"grouping":          s.grouping,
			"transaction_count": len(transactions),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByTenantPeriod(ctx, tx, req.TenantID, req.PeriodStart, req.PeriodEnd)
		if err != nil {
			return err
		}
		if existing != nil {
			return invoicedomain.ErrInvoiceExists
		}

		seq, err := s.repo.CountByYear(ctx, tx, now.UTC().Year())
		if err != nil {
			return err
		}
		inv.InvoiceNumber = fmt.Sprintf("INV-%d-%06d", now.UTC().Year(), seq+1)

		return s.repo.Insert(ctx, tx, &inv, lines)
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return invoicedomain.Invoice{}, invoicedomain.ErrDuplicateInvoiceNumber
		}
		return invoicedomain.Invoice{}, err
	}

	s.log.Info("invoice compiled",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("tenant_id", inv.TenantID),
		zap.String("total_amount", inv.TotalAmount.String()),
		zap.Int("lines", len(lines)),
	)
	return inv, nil
}

// buildLines folds transactions into lines per the configured policy.
// per_transaction keeps one line per debit. per_reference folds debits that
// share (reference_type, reference_id); quantity counts the debits when they
// all carry the same amount, otherwise the group collapses to quantity one
// so that quantity times unit price always equals the line total exactly.
func (s *Service) buildLines(invoiceID snowflake.ID, transactions []ledgerdomain.CreditTransaction, now time.Time) []invoicedomain.InvoiceLine {
	if s.grouping == config.GroupingPerTransaction {
		lines := make([]invoicedomain.InvoiceLine, 0, len(transactions))
		for _, txn := range transactions {
			lines = append(lines, invoicedomain.InvoiceLine{
				ID:          s.genID.Generate(),
				InvoiceID:   invoiceID,
				Description: lineDescription(txn.ReferenceType, txn.ReferenceID),
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   txn.Amount,
				TotalPrice:  txn.Amount,
				CreatedAt:   now,
			})
		}
		return lines
	}

	type group struct {
		refType string
		refID   string
		amounts []decimal.Decimal
		total   decimal.Decimal
	}
	groups := make(map[string]*group)
	var order []string
	for _, txn := range transactions {
		refType, refID := deref(txn.ReferenceType), deref(txn.ReferenceID)
		key := refType + "\x00" + refID
		g, ok := groups[key]
		if !ok {
			g = &group{refType: refType, refID: refID}
			groups[key] = g
			order = append(order, key)
		}
		g.amounts = append(g.amounts, txn.Amount)
		g.total = g.total.Add(txn.Amount)
	}
	sort.Strings(order)

	lines := make([]invoicedomain.InvoiceLine, 0, len(order))
	for _, key := range order {
		g := groups[key]
		quantity := decimal.NewFromInt(int64(len(g.amounts)))
		unitPrice := g.amounts[0]
		uniform := true
		for _, amount := range g.amounts[1:] {
			if !amount.Equal(unitPrice) {
				uniform = false
				break
			}
		}
		if !uniform {
			quantity = decimal.NewFromInt(1)
			unitPrice = g.total
		}
		lines = append(lines, invoicedomain.InvoiceLine{
			ID:          s.genID.Generate(),
			InvoiceID:   invoiceID,
			Description: groupDescription(g.refType, g.refID),
			Quantity:    quantity,
			UnitPrice:   unitPrice,
			TotalPrice:  quantity.Mul(unitPrice),
			CreatedAt:   now,
		})
	}
	return lines
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, []invoicedomain.InvoiceLine, error) {
	inv, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return invoicedomain.Invoice{}, nil, err
	}
	if inv == nil {
		return invoicedomain.Invoice{}, nil, invoicedomain.ErrInvoiceNotFound
	}
	lines, err := s.repo.FindLines(ctx, s.db, id)
	if err != nil {
		return invoicedomain.Invoice{}, nil, err
	}
	return *inv, lines, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	return s.repo.List(ctx, s.db, req)
}

func (s *Service) Issue(ctx context.Context, id snowflake.ID) error {
	now := s.clock.Now()
	return s.transition(ctx, id, invoicedomain.InvoiceStatusIssued, &now, nil,
		invoicedomain.InvoiceStatusDraft,
	)
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID) error {
	now := s.clock.Now()
	return s.transition(ctx, id, invoicedomain.InvoiceStatusPaid, nil, &now,
		invoicedomain.InvoiceStatusIssued,
	)
}

func (s *Service) Void(ctx context.Context, id snowflake.ID) error {
	return s.transition(ctx, id, invoicedomain.InvoiceStatusVoid, nil, nil,
		invoicedomain.InvoiceStatusDraft,
		invoicedomain.InvoiceStatusIssued,
	)
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, target invoicedomain.InvoiceStatus, issuedAt, paidAt *time.Time, from ...invoicedomain.InvoiceStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if inv.Status == target {
			return nil
		}

		allowed := false
		for _, status := range from {
			if inv.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return invoicedomain.ErrInvalidStatusTransition
		}

		if err := s.repo.UpdateStatus(ctx, tx, id, target, issuedAt, paidAt, s.clock.Now()); err != nil {
			return err
		}
		s.log.Info("invoice status changed",
			zap.String("invoice_id", id.String()),
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.String("from", string(inv.Status)),
			zap.String("to", string(target)),
		)
		return nil
	})
}

func lineDescription(refType, refID *string) string {
	return groupDescription(deref(refType), deref(refID))
}

func groupDescription(refType, refID string) string {
	switch {
	case refType != "" && refID != "":
		return fmt.Sprintf("Usage charge %s/%s", refType, refID)
	case refType != "":
		return fmt.Sprintf("Usage charge %s", refType)
	default:
		return "Usage charge"
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
