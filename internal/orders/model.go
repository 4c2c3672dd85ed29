package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tavola-pos/tavola/internal/status"
)

// OrderStatus is the state of the order aggregate as a whole.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusClosed    OrderStatus = "CLOSED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order is a table's running tab. Items are tracked row by row.
type Order struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	TableLabel string      `json:"table_label" db:"table_label"`
	Status     OrderStatus `json:"status" db:"status"`
	Notes      *string     `json:"notes,omitempty" db:"notes"`
	MergedInto *uuid.UUID  `json:"merged_into,omitempty" db:"merged_into"`
	Version    int64       `json:"version" db:"version"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
	Items      []Item      `json:"items" db:"-"`
}

// Item is one row of an order: a menu item and quantity moving through the
// kitchen independently of its siblings.
type Item struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	OrderID    uuid.UUID       `json:"order_id" db:"order_id"`
	BatchID    uuid.UUID       `json:"batch_id" db:"batch_id"`
	MenuItemID string          `json:"menu_item_id" db:"menu_item_id"`
	Name       string          `json:"name" db:"name"`
	Station    string          `json:"station" db:"station"`
	Quantity   int             `json:"quantity" db:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price" db:"unit_price"`
	Status     status.Status   `json:"status" db:"status"`
	Notes      *string         `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty" db:"started_at"`
	ReadyAt    *time.Time      `json:"ready_at,omitempty" db:"ready_at"`
	ServedAt   *time.Time      `json:"served_at,omitempty" db:"served_at"`
}

// LineTotal returns quantity times unit price.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Item returns a pointer to the item with id.
func (o *Order) Item(id uuid.UUID) (*Item, bool) {
	for i := range o.Items {
		if o.Items[i].ID == id {
			return &o.Items[i], true
		}
	}
	return nil, false
}

// ActiveItems returns the items that were not cancelled.
func (o *Order) ActiveItems() []Item {
	out := make([]Item, 0, len(o.Items))
	for _, it := range o.Items {
		if it.Status != status.Cancelled {
			out = append(out, it)
		}
	}
	return out
}

// Total sums line totals of active items.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.ActiveItems() {
		total = total.Add(it.LineTotal())
	}
	return total
}

// IsOpen reports whether the order still accepts edits.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

// SplitResult is returned by a split: the remaining source and the new order.
type SplitResult struct {
	Source  *Order `json:"source"`
	Created *Order `json:"created"`
}

// ListFilter narrows ListOrders.
type ListFilter struct {
	Status     *OrderStatus
	TableLabel string
	Page       int
	PerPage    int
}
