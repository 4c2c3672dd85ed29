package orders

import (
	"errors"
	"fmt"

	"github.com/tavola-pos/tavola/internal/platform/httpx"
)

// Domain errors for orders. Each wraps an httpx sentinel for status mapping.
var (
	ErrNotFound          = fmt.Errorf("orders: order not found: %w", httpx.ErrNotFound)
	ErrItemNotFound      = fmt.Errorf("orders: item not found: %w", httpx.ErrNotFound)
	ErrOrderNotOpen      = fmt.Errorf("orders: order is not open: %w", httpx.ErrConflict)
	ErrItemLocked        = fmt.Errorf("orders: item is already in the kitchen and cannot be edited: %w", httpx.ErrConflict)
	ErrItemNotRemovable  = fmt.Errorf("orders: item cannot be removed in its current status: %w", httpx.ErrConflict)
	ErrOrderHasPlated    = fmt.Errorf("orders: order has ready or served items: %w", httpx.ErrConflict)
	ErrBatchReused       = fmt.Errorf("orders: batch id already used on another order: %w", httpx.ErrConflict)
	ErrSplitQuantity     = fmt.Errorf("orders: split quantity exceeds item quantity: %w", httpx.ErrValidation)
	ErrSplitEverything   = fmt.Errorf("orders: split would leave the source order empty: %w", httpx.ErrValidation)
	ErrSplitDuplicate    = fmt.Errorf("orders: item listed twice in split: %w", httpx.ErrValidation)
	ErrMergeSelf         = fmt.Errorf("orders: cannot merge an order into itself: %w", httpx.ErrValidation)
	ErrInvalidQuantity   = fmt.Errorf("orders: quantity must be between 1 and 99: %w", httpx.ErrValidation)
	ErrNegativePrice     = fmt.Errorf("orders: unit price must not be negative: %w", httpx.ErrValidation)
	ErrInvalidIdentifier = fmt.Errorf("orders: invalid identifier: %w", httpx.ErrValidation)

	// errBatchReplayed signals inside a transaction that the batch id was
	// already applied; the service answers with the stored result.
	errBatchReplayed = errors.New("orders: batch replayed")
)
