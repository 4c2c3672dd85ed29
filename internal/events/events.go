// Package events defines the domain events emitted by order and kitchen
// mutations and the brokers that carry them between server instances.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects partition events by the aggregate they describe.
const (
	SubjectOrderItems     = "orders.items"
	SubjectKitchenTickets = "kitchen.tickets"
)

// Event types.
const (
	TypeOrderCreated        = "order.created"
	TypeOrderItemsAdded     = "order.items_added"
	TypeOrderItemUpdated    = "order.item_updated"
	TypeOrderItemRemoved    = "order.item_removed"
	TypeOrderSplit          = "order.split"
	TypeOrderMerged         = "order.merged"
	TypeOrderCancelled      = "order.cancelled"
	TypeTicketStatusChanged = "kitchen.ticket.status_changed"
	TypeTicketOverdue       = "kitchen.ticket.overdue"
	TypeKitchenResync       = "kitchen.resync"
)

// Event is the envelope published on the bus and pushed to display clients.
// Consumers treat it as a hint: the payload may be stale by the time it
// arrives and the authoritative state is always re-read over REST.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"event_type"`
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurred_at"`
	OrderID    string          `json:"order_id,omitempty"`
	BatchID    string          `json:"batch_id,omitempty"`
	ItemIDs    []string        `json:"item_ids,omitempty"`
	Status     string          `json:"status,omitempty"`
	Buckets    []string        `json:"buckets,omitempty"`
	Stations   []string        `json:"stations,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType, subject string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
}

// WithPayload marshals v into the event payload.
func (e Event) WithPayload(v any) (Event, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return e, err
	}
	e.Payload = raw
	return e, nil
}

// Encode serialises the event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an event from its wire form.
func Decode(data []byte) (Event, error) {
	var evt Event
	err := json.Unmarshal(data, &evt)
	return evt, err
}

// MatchesStation reports whether the event concerns station. Events without
// station data concern every station.
func (e Event) MatchesStation(station string) bool {
	if station == "" || len(e.Stations) == 0 {
		return true
	}
	for _, s := range e.Stations {
		if s == station {
			return true
		}
	}
	return false
}
