// Package cashier caches the orders a till is working on and applies edits
// optimistically, rolling them back when the server refuses.
package cashier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tavola-pos/tavola/internal/apiclient"
	"github.com/tavola-pos/tavola/internal/events"
	"github.com/tavola-pos/tavola/internal/orders"
	"github.com/tavola-pos/tavola/internal/querycache"
	"github.com/tavola-pos/tavola/internal/realtime"
	"github.com/tavola-pos/tavola/internal/status"
)

const openKey = "orders:open"

// OrderSource is the part of the REST API the store uses.
type OrderSource interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*orders.Order, error)
	ListOrders(ctx context.Context, p apiclient.ListOrdersParams) (*orders.ListOrdersResponse, error)
	AddItems(ctx context.Context, orderID uuid.UUID, req orders.AddItemsRequest) (*orders.Order, error)
	ChangeQuantity(ctx context.Context, orderID, itemID uuid.UUID, qty int) (*orders.Order, error)
	RemoveItem(ctx context.Context, orderID, itemID uuid.UUID) (*orders.Order, error)
	SplitOrder(ctx context.Context, orderID uuid.UUID, req orders.SplitOrderRequest) (*orders.SplitResult, error)
	MergeOrders(ctx context.Context, targetID uuid.UUID, req orders.MergeOrdersRequest) (*orders.Order, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID) (*orders.Order, error)
}

// Config configures a Store.
type Config struct {
	Source    OrderSource
	StaleTime time.Duration
	PerPage   int
	Logger    *slog.Logger
}

// Store holds order aggregates keyed by id plus the list of open orders.
type Store struct {
	source  OrderSource
	stale   time.Duration
	perPage int
	orders  *querycache.Cache[orders.Order]
	open    *querycache.Cache[[]orders.Order]
	logger  *slog.Logger
}

// NewStore builds an empty Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Source == nil {
		return nil, errors.New("cashier: order source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "cashier"))
	s := &Store{
		source:  cfg.Source,
		stale:   cfg.StaleTime,
		perPage: cfg.PerPage,
		orders:  querycache.New[orders.Order](ctx, querycache.WithLogger(logger)),
		open:    querycache.New[[]orders.Order](ctx, querycache.WithLogger(logger)),
		logger:  logger,
	}
	if s.perPage <= 0 {
		s.perPage = 100
	}
	_, err := s.open.Register(openKey, func(ctx context.Context) ([]orders.Order, error) {
		resp, err := s.source.ListOrders(ctx, apiclient.ListOrdersParams{Status: string(orders.OrderStatusOpen), PerPage: s.perPage})
		if err != nil {
			return nil, err
		}
		return resp.Orders, nil
	}, querycache.Options{StaleTime: s.stale, Enabled: true})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops background refetches.
func (s *Store) Close() {
	s.orders.Close()
	s.open.Close()
}

// Wait blocks until background refetches have finished.
func (s *Store) Wait() {
	s.orders.Wait()
	s.open.Wait()
}

// Order returns the cached order, fetching it when stale.
func (s *Store) Order(ctx context.Context, id uuid.UUID) (orders.Order, error) {
	q := s.query(id)
	if q.Stale() {
		st, err := q.Fetch(ctx)
		if err != nil {
			return orders.Order{}, err
		}
		return clone(st.Data), nil
	}
	return clone(q.State().Data), nil
}

// Cached returns the cached order without fetching.
func (s *Store) Cached(id uuid.UUID) (orders.Order, bool) {
	q, ok := s.orders.Query(id.String())
	if !ok {
		return orders.Order{}, false
	}
	st := q.State()
	if !st.HasData {
		return orders.Order{}, false
	}
	return clone(st.Data), true
}

// Open returns the open orders, fetching them when stale.
func (s *Store) Open(ctx context.Context) ([]orders.Order, error) {
	q, _ := s.open.Query(openKey)
	if q.Stale() {
		st, err := q.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		return cloneAll(st.Data), nil
	}
	return cloneAll(q.State().Data), nil
}

// AddItems appends a batch. Rows appear at once under temporary ids and are
// replaced by the server's rows when it answers. An empty BatchID is
// generated; resending the same request after a failure never duplicates.
func (s *Store) AddItems(ctx context.Context, orderID uuid.UUID, req orders.AddItemsRequest) (orders.Order, error) {
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}
	batchID, err := uuid.Parse(req.BatchID)
	if err != nil {
		return orders.Order{}, fmt.Errorf("cashier: invalid batch id: %w", err)
	}
	now := time.Now().UTC()
	var u undo
	s.edit(&u, orderID, func(o orders.Order) orders.Order {
		for _, in := range req.Items {
			o.Items = append(o.Items, orders.Item{
				ID:         uuid.New(),
				OrderID:    orderID,
				BatchID:    batchID,
				MenuItemID: in.MenuItemID,
				Name:       in.Name,
				Station:    in.Station,
				Quantity:   in.Quantity,
				UnitPrice:  in.UnitPrice,
				Status:     status.Pending,
				Notes:      in.Notes,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
		return o
	})
	return s.commit(&u, []uuid.UUID{orderID}, func() (*orders.Order, error) {
		return s.source.AddItems(ctx, orderID, req)
	})
}

// ChangeQuantity sets an item's quantity.
func (s *Store) ChangeQuantity(ctx context.Context, orderID, itemID uuid.UUID, qty int) (orders.Order, error) {
	var u undo
	s.edit(&u, orderID, func(o orders.Order) orders.Order {
		if it, ok := o.Item(itemID); ok {
			it.Quantity = qty
		}
		return o
	})
	return s.commit(&u, []uuid.UUID{orderID}, func() (*orders.Order, error) {
		return s.source.ChangeQuantity(ctx, orderID, itemID, qty)
	})
}

// RemoveItem drops an item the kitchen has not seen and cancels one it has.
func (s *Store) RemoveItem(ctx context.Context, orderID, itemID uuid.UUID) (orders.Order, error) {
	var u undo
	s.edit(&u, orderID, func(o orders.Order) orders.Order {
		out := o.Items[:0]
		for _, it := range o.Items {
			if it.ID == itemID {
				switch it.Status {
				case status.Pending:
					continue
				case status.Confirmed, status.Preparing:
					it.Status = status.Cancelled
				}
			}
			out = append(out, it)
		}
		o.Items = out
		return o
	})
	return s.commit(&u, []uuid.UUID{orderID}, func() (*orders.Order, error) {
		return s.source.RemoveItem(ctx, orderID, itemID)
	})
}

// Cancel cancels the whole order.
func (s *Store) Cancel(ctx context.Context, orderID uuid.UUID) (orders.Order, error) {
	var u undo
	s.edit(&u, orderID, func(o orders.Order) orders.Order {
		o.Status = orders.OrderStatusCancelled
		for i := range o.Items {
			o.Items[i].Status = status.Cancelled
		}
		return o
	})
	s.editOpen(&u, func(list []orders.Order) []orders.Order {
		return without(list, orderID)
	})
	return s.commit(&u, []uuid.UUID{orderID}, func() (*orders.Order, error) {
		return s.source.CancelOrder(ctx, orderID)
	})
}

// Split takes quantities off the source order. The new order is cached
// once the server has created it.
func (s *Store) Split(ctx context.Context, orderID uuid.UUID, req orders.SplitOrderRequest) (*orders.SplitResult, error) {
	parts := make(map[uuid.UUID]int, len(req.Parts))
	for _, p := range req.Parts {
		if id, err := uuid.Parse(p.ItemID); err == nil {
			parts[id] += p.Quantity
		}
	}
	var u undo
	s.edit(&u, orderID, func(o orders.Order) orders.Order {
		out := o.Items[:0]
		for _, it := range o.Items {
			if qty, ok := parts[it.ID]; ok {
				it.Quantity -= qty
				if it.Quantity <= 0 {
					continue
				}
			}
			out = append(out, it)
		}
		o.Items = out
		return o
	})

	result, err := s.source.SplitOrder(ctx, orderID, req)
	if err != nil {
		s.rollback(&u, err)
		s.invalidate(orderID)
		return nil, err
	}
	s.put(*result.Source)
	s.put(*result.Created)
	s.invalidate(orderID, result.Created.ID)
	s.invalidateOpen()
	return result, nil
}

// Merge moves every active item of the sources into target. Sources leave
// the open list immediately.
func (s *Store) Merge(ctx context.Context, targetID uuid.UUID, sourceIDs []uuid.UUID) (orders.Order, error) {
	req := orders.MergeOrdersRequest{SourceOrderIDs: make([]string, len(sourceIDs))}
	var moved []orders.Item
	var u undo
	for i, id := range sourceIDs {
		req.SourceOrderIDs[i] = id.String()
		if src, ok := s.Cached(id); ok {
			moved = append(moved, src.ActiveItems()...)
		}
		merged := targetID
		s.edit(&u, id, func(o orders.Order) orders.Order {
			o.Status = orders.OrderStatusCancelled
			o.MergedInto = &merged
			out := o.Items[:0]
			for _, it := range o.Items {
				if it.Status == status.Cancelled {
					out = append(out, it)
				}
			}
			o.Items = out
			return o
		})
	}
	s.edit(&u, targetID, func(o orders.Order) orders.Order {
		for _, it := range moved {
			it.OrderID = targetID
			o.Items = append(o.Items, it)
		}
		return o
	})
	s.editOpen(&u, func(list []orders.Order) []orders.Order {
		for _, id := range sourceIDs {
			list = without(list, id)
		}
		return list
	})

	touched := append([]uuid.UUID{targetID}, sourceIDs...)
	return s.commit(&u, touched, func() (*orders.Order, error) {
		return s.source.MergeOrders(ctx, targetID, req)
	})
}

// HandleFrame reacts to push frames. A ready frame after a reconnect means
// events may have been missed, so every order is refetched.
func (s *Store) HandleFrame(f realtime.Frame) {
	switch f.Type {
	case realtime.FrameReady:
		s.orders.InvalidateAll()
		s.open.InvalidateAll()
	case realtime.FrameEvent:
		if f.Event != nil {
			s.HandleEvent(*f.Event)
		}
	}
}

// HandleEvent invalidates the orders an event touches.
func (s *Store) HandleEvent(evt events.Event) {
	if !strings.HasPrefix(evt.Type, "order.") && evt.Type != events.TypeTicketStatusChanged {
		return
	}
	ids := []string{evt.OrderID}
	switch evt.Type {
	case events.TypeOrderSplit:
		var payload struct {
			NewOrderID string `json:"new_order_id"`
		}
		if json.Unmarshal(evt.Payload, &payload) == nil {
			ids = append(ids, payload.NewOrderID)
		}
	case events.TypeOrderMerged:
		var payload struct {
			SourceOrderIDs []string `json:"source_order_ids"`
		}
		if json.Unmarshal(evt.Payload, &payload) == nil {
			ids = append(ids, payload.SourceOrderIDs...)
		}
	}
	for _, raw := range ids {
		if raw != "" {
			_ = s.orders.Invalidate(raw)
		}
	}
	switch evt.Type {
	case events.TypeOrderCreated, events.TypeOrderSplit, events.TypeOrderMerged, events.TypeOrderCancelled:
		s.invalidateOpen()
	}
}

// Total returns the value of the active items of a cached order.
func (s *Store) Total(id uuid.UUID) decimal.Decimal {
	o, ok := s.Cached(id)
	if !ok {
		return decimal.Zero
	}
	return o.Total()
}

func (s *Store) query(id uuid.UUID) *querycache.Query[orders.Order] {
	key := id.String()
	if q, ok := s.orders.Query(key); ok {
		return q
	}
	q, err := s.orders.Register(key, func(ctx context.Context) (orders.Order, error) {
		o, err := s.source.GetOrder(ctx, id)
		if err != nil {
			return orders.Order{}, err
		}
		return *o, nil
	}, querycache.Options{StaleTime: s.stale, Enabled: true})
	if err != nil {
		q, _ = s.orders.Query(key)
	}
	return q
}

// undo collects the snapshots taken by one optimistic edit.
type undo struct {
	orders []querycache.Snapshot[orders.Order]
	open   []querycache.Snapshot[[]orders.Order]
}

// edit applies fn to a cached order. Orders that were never loaded are
// left alone.
func (s *Store) edit(u *undo, id uuid.UUID, fn func(orders.Order) orders.Order) {
	q, ok := s.orders.Query(id.String())
	if !ok || !q.State().HasData {
		return
	}
	u.orders = append(u.orders, q.SetData(func(cur orders.Order) orders.Order {
		return fn(clone(cur))
	}))
}

func (s *Store) editOpen(u *undo, fn func([]orders.Order) []orders.Order) {
	q, _ := s.open.Query(openKey)
	if !q.State().HasData {
		return
	}
	u.open = append(u.open, q.SetData(func(cur []orders.Order) []orders.Order {
		return fn(append([]orders.Order(nil), cur...))
	}))
}

func (s *Store) commit(u *undo, touched []uuid.UUID, call func() (*orders.Order, error)) (orders.Order, error) {
	o, err := call()
	if err != nil {
		s.rollback(u, err)
		s.invalidate(touched...)
		if len(u.open) > 0 {
			s.invalidateOpen()
		}
		return orders.Order{}, err
	}
	s.put(*o)
	s.invalidate(touched...)
	if len(u.open) > 0 {
		s.invalidateOpen()
	}
	return clone(*o), nil
}

func (s *Store) rollback(u *undo, err error) {
	for i := len(u.orders) - 1; i >= 0; i-- {
		_ = s.orders.Restore(u.orders[i])
	}
	for i := len(u.open) - 1; i >= 0; i-- {
		_ = s.open.Restore(u.open[i])
	}
	s.logger.Warn("order edit rejected", slog.Any("error", err))
}

func (s *Store) put(o orders.Order) {
	s.query(o.ID).SetData(func(orders.Order) orders.Order { return clone(o) })
}

func (s *Store) invalidate(ids ...uuid.UUID) {
	for _, id := range ids {
		_ = s.orders.Invalidate(id.String())
	}
}

func (s *Store) invalidateOpen() {
	_ = s.open.Invalidate(openKey)
}

func cloneAll(list []orders.Order) []orders.Order {
	if list == nil {
		return nil
	}
	out := make([]orders.Order, len(list))
	for i, o := range list {
		out[i] = clone(o)
	}
	return out
}

func clone(o orders.Order) orders.Order {
	o.Items = append([]orders.Item(nil), o.Items...)
	return o
}

func without(list []orders.Order, id uuid.UUID) []orders.Order {
	out := list[:0]
	for _, o := range list {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return out
}
