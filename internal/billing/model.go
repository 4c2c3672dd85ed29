package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus tracks settlement.
type InvoiceStatus string

const (
	InvoiceOpen InvoiceStatus = "OPEN"
	InvoicePaid InvoiceStatus = "PAID"
	InvoiceVoid InvoiceStatus = "VOID"
)

// PaymentMethod is how a payment was tendered.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "CASH"
	MethodCard     PaymentMethod = "CARD"
	MethodTransfer PaymentMethod = "TRANSFER"
)

// Invoice bills the served items of an order.
type Invoice struct {
	ID         uuid.UUID       `json:"id"`
	OrderID    uuid.UUID       `json:"order_id"`
	Number     string          `json:"number"`
	TableLabel string          `json:"table_label"`
	Status     InvoiceStatus   `json:"status"`
	Currency   string          `json:"currency"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	Paid       decimal.Decimal `json:"paid"`
	Lines      []Line          `json:"lines"`
	Payments   []Payment       `json:"payments"`
	IssuedAt   time.Time       `json:"issued_at"`
	VoidedAt   *time.Time      `json:"voided_at,omitempty"`
}

// Line is one served order item.
type Line struct {
	ItemID    uuid.UUID       `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

// Payment settles part or all of an invoice.
type Payment struct {
	ID        uuid.UUID       `json:"id"`
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paid_at"`
}

// Balance returns what is left to pay.
func (i *Invoice) Balance() decimal.Decimal {
	return i.Total.Sub(i.Paid)
}

// BillableOrder is the order state read when issuing an invoice.
type BillableOrder struct {
	ID         uuid.UUID
	TableLabel string
	Open       bool
	Items      []BillableItem
}

// BillableItem is an order item with its kitchen status.
type BillableItem struct {
	ID        uuid.UUID
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Status    string
}

// IssueInvoiceRequest is the POST /invoices body.
type IssueInvoiceRequest struct {
	OrderID string  `json:"order_id" validate:"required,uuid"`
	TaxRate *string `json:"tax_rate,omitempty" validate:"omitempty,numeric"`
}

// RecordPaymentRequest is the POST /invoices/{id}/payments body.
type RecordPaymentRequest struct {
	Method string `json:"method" validate:"required,oneof=CASH CARD TRANSFER"`
	Amount string `json:"amount" validate:"required,numeric"`
}
