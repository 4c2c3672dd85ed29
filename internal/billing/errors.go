package billing

import (
	"fmt"

	"github.com/tavola-pos/tavola/internal/platform/httpx"
)

var (
	ErrInvoiceNotFound = fmt.Errorf("billing: invoice not found: %w", httpx.ErrNotFound)
	ErrOrderNotFound   = fmt.Errorf("billing: order not found: %w", httpx.ErrNotFound)
	ErrOrderNotOpen    = fmt.Errorf("billing: order is not open: %w", httpx.ErrConflict)
	ErrItemsInKitchen  = fmt.Errorf("billing: order still has items in the kitchen: %w", httpx.ErrConflict)
	ErrNothingToBill   = fmt.Errorf("billing: order has no served items: %w", httpx.ErrConflict)
	ErrInvoiceExists   = fmt.Errorf("billing: order already has an active invoice: %w", httpx.ErrDuplicate)
	ErrInvoiceNotOpen  = fmt.Errorf("billing: invoice is not open: %w", httpx.ErrConflict)
	ErrHasPayments     = fmt.Errorf("billing: invoice has payments and cannot be voided: %w", httpx.ErrConflict)
	ErrOverpayment     = fmt.Errorf("billing: payment exceeds the balance due: %w", httpx.ErrValidation)
	ErrInvalidAmount   = fmt.Errorf("billing: amount must be a positive number: %w", httpx.ErrValidation)
	ErrInvalidTaxRate  = fmt.Errorf("billing: tax rate must be between 0 and 1: %w", httpx.ErrValidation)
	ErrInvalidID       = fmt.Errorf("billing: invalid identifier: %w", httpx.ErrValidation)
)
