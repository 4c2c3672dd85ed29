package kitchen

import (
	"time"

	"github.com/google/uuid"

	"github.com/tavola-pos/tavola/internal/status"
)

// Ticket is an order item as the kitchen sees it.
type Ticket struct {
	ItemID     uuid.UUID     `json:"item_id"`
	OrderID    uuid.UUID     `json:"order_id"`
	TableLabel string        `json:"table_label"`
	BatchID    uuid.UUID     `json:"batch_id"`
	MenuItemID string        `json:"menu_item_id"`
	Name       string        `json:"name"`
	Station    string        `json:"station"`
	Quantity   int           `json:"quantity"`
	Status     status.Status `json:"status"`
	Notes      *string       `json:"notes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	ReadyAt    *time.Time    `json:"ready_at,omitempty"`
	ServedAt   *time.Time    `json:"served_at,omitempty"`
}

// Board is one bucket of the kitchen display.
type Board struct {
	Bucket      status.Bucket `json:"bucket"`
	Station     string        `json:"station,omitempty"`
	Tickets     []Ticket      `json:"tickets"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// UpdateStatusRequest is the batch PATCH body.
type UpdateStatusRequest struct {
	ItemIDs []string `json:"item_ids" validate:"required,min=1,max=200,dive,uuid"`
	Status  string   `json:"status" validate:"required"`
}

// UpdateStatusResult reports the tickets after a batch transition.
type UpdateStatusResult struct {
	Status  status.Status `json:"status"`
	Changed int           `json:"changed"`
	Buckets []string      `json:"buckets"`
	Tickets []Ticket      `json:"tickets"`
}

// apply stamps the lifecycle timestamps for a move to target.
func (t *Ticket) apply(target status.Status, now time.Time) {
	switch target {
	case status.Preparing:
		if t.Status == status.Ready {
			t.ReadyAt = nil
		}
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case status.Ready:
		t.ReadyAt = &now
	case status.Served:
		t.ServedAt = &now
	}
	t.Status = target
	t.UpdatedAt = now
}
