package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

// Service issues invoices and records payments.
type Service struct {
	repo     Repository
	taxRate  decimal.Decimal
	currency string
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService builds Service. taxRate is the default applied when a request
// carries none.
func NewService(repo Repository, taxRate decimal.Decimal, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		repo:     repo,
		taxRate:  taxRate,
		currency: currency,
		logger:   logger.With(slog.String("component", "billing")),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// IssueInvoice bills the served items of an order. Cancelled items are left
// out; any item still in the kitchen blocks the invoice.
func (s *Service) IssueInvoice(ctx context.Context, req IssueInvoiceRequest) (*Invoice, error) {
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, ErrInvalidID
	}
	rate := s.taxRate
	if req.TaxRate != nil {
		if rate, err = decimal.NewFromString(*req.TaxRate); err != nil {
			return nil, ErrInvalidTaxRate
		}
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidTaxRate
	}

	now := s.clock()
	var inv Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Open {
			return ErrOrderNotOpen
		}
		lines, err := billableLines(order.Items)
		if err != nil {
			return err
		}
		seq, err := tx.NextNumber(ctx, now)
		if err != nil {
			return fmt.Errorf("next invoice number: %w", err)
		}
		inv = Invoice{
			ID:         uuid.New(),
			OrderID:    orderID,
			Number:     invoiceNumber(now, seq),
			TableLabel: order.TableLabel,
			Status:     InvoiceOpen,
			Currency:   s.currency,
			TaxRate:    rate,
			Paid:       decimal.Zero,
			Lines:      lines,
			Payments:   []Payment{},
			IssuedAt:   now,
		}
		inv.Subtotal, inv.Tax, inv.Total = totals(lines, rate)
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "invoice.issue", Entity: "invoice", EntityID: inv.ID.String(),
			Meta: map[string]any{"order_id": orderID.String(), "number": inv.Number, "total": inv.Total.StringFixed(2)},
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("invoice issued", slog.String("number", inv.Number), slog.String("total", inv.Total.StringFixed(2)))
	return &inv, nil
}

// GetInvoice returns an invoice with its lines and payments.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// RecordPayment applies a payment. Settling the balance marks the invoice
// PAID and closes the order.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, req RecordPaymentRequest) (*Invoice, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	amount = amount.Round(2)

	now := s.clock()
	var inv *Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceOpen {
			return ErrInvoiceNotOpen
		}
		if amount.GreaterThan(inv.Balance()) {
			return fmt.Errorf("%w: balance %s", ErrOverpayment, inv.Balance().StringFixed(2))
		}
		p := Payment{ID: uuid.New(), InvoiceID: inv.ID, Method: PaymentMethod(req.Method), Amount: amount, PaidAt: now}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		inv.Payments = append(inv.Payments, p)
		inv.Paid = inv.Paid.Add(amount)
		if inv.Balance().IsZero() {
			inv.Status = InvoicePaid
			if err := tx.CloseOrder(ctx, inv.OrderID, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "invoice.payment", Entity: "invoice", EntityID: inv.ID.String(),
			Meta: map[string]any{"method": req.Method, "amount": amount.StringFixed(2), "status": string(inv.Status)},
		})
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// VoidInvoice voids an open invoice without payments.
func (s *Service) VoidInvoice(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error) {
	now := s.clock()
	var inv *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceOpen {
			return ErrInvoiceNotOpen
		}
		if len(inv.Payments) > 0 {
			return ErrHasPayments
		}
		inv.Status = InvoiceVoid
		inv.VoidedAt = &now
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{Action: "invoice.void", Entity: "invoice", EntityID: inv.ID.String()})
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func billableLines(items []BillableItem) ([]Line, error) {
	var lines []Line
	for _, it := range items {
		switch status.Status(it.Status) {
		case status.Served:
			lines = append(lines, Line{
				ItemID:    it.ID,
				Name:      it.Name,
				Quantity:  it.Quantity,
				UnitPrice: it.UnitPrice,
				Amount:    it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2),
			})
		case status.Cancelled:
		default:
			return nil, fmt.Errorf("%w: %s is %s", ErrItemsInKitchen, it.Name, it.Status)
		}
	}
	if len(lines) == 0 {
		return nil, ErrNothingToBill
	}
	return lines, nil
}

// totals rounds tax half-up to cents on the subtotal.
func totals(lines []Line, rate decimal.Decimal) (subtotal, tax, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Amount)
	}
	tax = subtotal.Mul(rate).Round(2)
	return subtotal, tax, subtotal.Add(tax)
}

func invoiceNumber(day time.Time, seq int) string {
	return fmt.Sprintf("INV-%s-%04d", day.Format("20060102"), seq)
}
