package orders

import (
	"github.com/shopspring/decimal"

	"github.com/tavola-pos/tavola/internal/shared"
)

// ItemInput describes one line submitted by the cashier.
type ItemInput struct {
	MenuItemID string          `json:"menu_item_id" validate:"required,max=64"`
	Name       string          `json:"name" validate:"required,max=120"`
	Station    string          `json:"station" validate:"required,max=40"`
	Quantity   int             `json:"quantity" validate:"gte=1,lte=99"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Notes      *string         `json:"notes,omitempty" validate:"omitempty,max=280"`
}

// CreateOrderRequest opens an order with its first batch of items.
type CreateOrderRequest struct {
	TableLabel string      `json:"table_label" validate:"required,max=20"`
	Notes      *string     `json:"notes,omitempty" validate:"omitempty,max=280"`
	BatchID    string      `json:"batch_id" validate:"required,uuid"`
	Items      []ItemInput `json:"items" validate:"required,min=1,max=50,dive"`
}

// AddItemsRequest appends a batch of items to an open order.
type AddItemsRequest struct {
	BatchID string      `json:"batch_id" validate:"required,uuid"`
	Items   []ItemInput `json:"items" validate:"required,min=1,max=50,dive"`
}

// ChangeQuantityRequest sets the quantity of one item.
type ChangeQuantityRequest struct {
	Quantity int `json:"quantity" validate:"gte=1,lte=99"`
}

// SplitPart moves Quantity units of an item into the new order.
type SplitPart struct {
	ItemID   string `json:"item_id" validate:"required,uuid"`
	Quantity int    `json:"quantity" validate:"gte=1"`
}

// SplitOrderRequest splits items off an order into a new one.
type SplitOrderRequest struct {
	TableLabel *string     `json:"table_label,omitempty" validate:"omitempty,max=20"`
	Parts      []SplitPart `json:"parts" validate:"required,min=1,dive"`
}

// MergeOrdersRequest moves every item of the sources into the target order.
type MergeOrdersRequest struct {
	SourceOrderIDs []string `json:"source_order_ids" validate:"required,min=1,max=20,dive,uuid"`
}

// ListOrdersResponse is the paginated list payload.
type ListOrdersResponse struct {
	Orders     []Order           `json:"orders"`
	Pagination shared.Pagination `json:"pagination"`
}
