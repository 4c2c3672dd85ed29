package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tavola-pos/tavola/internal/events"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

// BatchCachePort is the fast path for batch id replays.
type BatchCachePort interface {
	Lookup(ctx context.Context, batchID string) (string, error)
	Remember(ctx context.Context, batchID, orderID string) error
}

// BoardInvalidator is notified when kitchen-visible data changed.
type BoardInvalidator interface {
	Bump(ctx context.Context) error
}

// Service coordinates order mutations.
type Service struct {
	repo      Repository
	batches   BatchCachePort
	publisher events.Publisher
	board     BoardInvalidator
	logger    *slog.Logger
	clock     func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Batches   BatchCachePort
	Publisher events.Publisher
	Board     BoardInvalidator
	Logger    *slog.Logger
}

// NewService builds Service.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		batches:   cfg.Batches,
		publisher: cfg.Publisher,
		board:     cfg.Board,
		logger:    logger.With(slog.String("component", "orders")),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns an order with its items.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of orders.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, shared.Pagination, error) {
	filter.Page, filter.PerPage = shared.Normalize(filter.Page, filter.PerPage)
	list, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("list orders: %w", err)
	}
	return list, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Create opens an order for a table with its first batch. Replaying a batch id
// returns the order that batch created.
func (s *Service) Create(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	batchID, err := parseID(req.BatchID)
	if err != nil {
		return nil, err
	}
	if existing, ok, err := s.replayed(ctx, batchID); err != nil || ok {
		return existing, err
	}

	now := s.clock()
	order := Order{
		ID:         uuid.New(),
		TableLabel: req.TableLabel,
		Status:     OrderStatusOpen,
		Notes:      req.Notes,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	items, err := s.buildItems(order.ID, batchID, req.Items, now)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ClaimBatch(ctx, batchID, order.ID); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "order.create", Entity: "order", EntityID: order.ID.String(),
			Meta: map[string]any{"batch_id": batchID.String(), "items": len(items)},
		})
	})
	if errors.Is(err, errBatchReplayed) {
		existing, _, err := s.replayed(ctx, batchID)
		return existing, err
	}
	if err != nil {
		return nil, err
	}
	s.rememberBatch(ctx, batchID, order.ID)

	order.Items = items
	evt := events.New(events.TypeOrderCreated, events.SubjectOrderItems)
	evt.OrderID = order.ID.String()
	evt.BatchID = batchID.String()
	evt.ItemIDs = itemIDs(items)
	evt.Status = string(status.Pending)
	evt.Buckets = bucketNames(status.Pending)
	evt.Stations = stations(items)
	s.emit(ctx, evt)
	return &order, nil
}

// AddItems appends a batch of items. A batch id is applied at most once; a
// replay on the same order returns the current order, a replay on another
// order is a conflict.
func (s *Service) AddItems(ctx context.Context, orderID uuid.UUID, req AddItemsRequest) (*Order, error) {
	batchID, err := parseID(req.BatchID)
	if err != nil {
		return nil, err
	}
	if existing, ok, err := s.replayed(ctx, batchID); err != nil || ok {
		return s.sameOrder(existing, orderID, err)
	}

	now := s.clock()
	items, err := s.buildItems(orderID, batchID, req.Items, now)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.IsOpen() {
			return ErrOrderNotOpen
		}
		if err := tx.ClaimBatch(ctx, batchID, orderID); err != nil {
			return err
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			return err
		}
		if err := s.touch(ctx, tx, order, now); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "order.add_items", Entity: "order", EntityID: orderID.String(),
			Meta: map[string]any{"batch_id": batchID.String(), "items": len(items)},
		})
	})
	if errors.Is(err, errBatchReplayed) {
		existing, _, err := s.replayed(ctx, batchID)
		return s.sameOrder(existing, orderID, err)
	}
	if err != nil {
		return nil, err
	}
	s.rememberBatch(ctx, batchID, orderID)

	evt := events.New(events.TypeOrderItemsAdded, events.SubjectOrderItems)
	evt.OrderID = orderID.String()
	evt.BatchID = batchID.String()
	evt.ItemIDs = itemIDs(items)
	evt.Status = string(status.Pending)
	evt.Buckets = bucketNames(status.Pending)
	evt.Stations = stations(items)
	s.emit(ctx, evt)
	return s.repo.Get(ctx, orderID)
}

// ChangeQuantity sets the quantity of an item that the kitchen has not started.
func (s *Service) ChangeQuantity(ctx context.Context, orderID, itemID uuid.UUID, qty int) (*Order, error) {
	if qty < 1 {
		return nil, ErrInvalidQuantity
	}
	var changed Item
	now := s.clock()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, item, err := s.lockItem(ctx, tx, orderID, itemID)
		if err != nil {
			return err
		}
		if !item.Status.Editable() {
			return ErrItemLocked
		}
		if item.Quantity == qty {
			changed = *item
			return nil
		}
		prev := item.Quantity
		item.Quantity = qty
		item.UpdatedAt = now
		if err := tx.UpdateItem(ctx, *item); err != nil {
			return err
		}
		changed = *item
		if err := s.touch(ctx, tx, order, now); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "order.change_qty", Entity: "order_item", EntityID: itemID.String(),
			Meta: map[string]any{"from": prev, "to": qty},
		})
	})
	if err != nil {
		return nil, err
	}

	evt := events.New(events.TypeOrderItemUpdated, events.SubjectOrderItems)
	evt.OrderID = orderID.String()
	evt.BatchID = changed.BatchID.String()
	evt.ItemIDs = []string{itemID.String()}
	evt.Status = string(changed.Status)
	evt.Buckets = bucketNames(changed.Status)
	evt.Stations = []string{changed.Station}
	s.emit(ctx, evt)
	return s.repo.Get(ctx, orderID)
}

// RemoveItem deletes an item the kitchen never saw, or cancels one it did so
// that the cancellation shows up on the kitchen display.
func (s *Service) RemoveItem(ctx context.Context, orderID, itemID uuid.UUID) (*Order, error) {
	var removed Item
	var deleted bool
	now := s.clock()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, item, err := s.lockItem(ctx, tx, orderID, itemID)
		if err != nil {
			return err
		}
		removed = *item
		switch {
		case item.Status == status.Pending:
			if err := tx.DeleteItem(ctx, itemID); err != nil {
				return err
			}
			deleted = true
		case item.Status == status.Cancelled:
			return nil
		case status.CanTransition(item.Status, status.Cancelled):
			item.Status = status.Cancelled
			item.UpdatedAt = now
			if err := tx.UpdateItem(ctx, *item); err != nil {
				return err
			}
		default:
			return ErrItemNotRemovable
		}
		if err := s.touch(ctx, tx, order, now); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "order.remove_item", Entity: "order_item", EntityID: itemID.String(),
			Meta: map[string]any{"deleted": deleted, "previous_status": string(removed.Status)},
		})
	})
	if err != nil {
		return nil, err
	}

	if removed.Status != status.Cancelled {
		evt := events.New(events.TypeOrderItemRemoved, events.SubjectOrderItems)
		evt.OrderID = orderID.String()
		evt.BatchID = removed.BatchID.String()
		evt.ItemIDs = []string{itemID.String()}
		if !deleted {
			evt.Status = string(status.Cancelled)
		}
		evt.Buckets = bucketNames(removed.Status)
		evt.Stations = []string{removed.Station}
		s.emit(ctx, evt)
	}
	return s.repo.Get(ctx, orderID)
}

// Split moves items, or part of their quantity, into a new order. A partial
// split creates a new row under the same batch id.
func (s *Service) Split(ctx context.Context, orderID uuid.UUID, req SplitOrderRequest) (*SplitResult, error) {
	parts := make(map[uuid.UUID]int, len(req.Parts))
	for _, p := range req.Parts {
		id, err := parseID(p.ItemID)
		if err != nil {
			return nil, err
		}
		if _, dup := parts[id]; dup {
			return nil, ErrSplitDuplicate
		}
		if p.Quantity < 1 {
			return nil, ErrSplitQuantity
		}
		parts[id] = p.Quantity
	}

	now := s.clock()
	var created Order
	var touched []Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !source.IsOpen() {
			return ErrOrderNotOpen
		}

		label := source.TableLabel
		if req.TableLabel != nil && *req.TableLabel != "" {
			label = *req.TableLabel
		}
		created = Order{
			ID:         uuid.New(),
			TableLabel: label,
			Status:     OrderStatusOpen,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		var moveIDs []uuid.UUID
		var newRows []Item
		remaining := 0
		for _, it := range source.ActiveItems() {
			qty, ok := parts[it.ID]
			if !ok {
				remaining++
				continue
			}
			delete(parts, it.ID)
			switch {
			case qty > it.Quantity:
				return ErrSplitQuantity
			case qty == it.Quantity:
				moveIDs = append(moveIDs, it.ID)
				moved := it
				moved.OrderID = created.ID
				touched = append(touched, moved)
			default:
				remaining++
				src, _ := source.Item(it.ID)
				src.Quantity -= qty
				src.UpdatedAt = now
				if err := tx.UpdateItem(ctx, *src); err != nil {
					return err
				}
				clone := *src
				clone.ID = uuid.New()
				clone.OrderID = created.ID
				clone.Quantity = qty
				clone.CreatedAt = now
				newRows = append(newRows, clone)
				touched = append(touched, *src, clone)
			}
		}
		if len(parts) > 0 {
			return ErrItemNotFound
		}
		if remaining == 0 {
			return ErrSplitEverything
		}

		if err := tx.InsertOrder(ctx, created); err != nil {
			return fmt.Errorf("insert split order: %w", err)
		}
		if err := tx.MoveItems(ctx, moveIDs, created.ID); err != nil {
			return err
		}
		if err := tx.InsertItems(ctx, newRows); err != nil {
			return err
		}
		if err := s.touch(ctx, tx, source, now); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "order.split", Entity: "order", EntityID: orderID.String(),
			Meta: map[string]any{"new_order_id": created.ID.String(), "moved": len(moveIDs), "partial": len(newRows)},
		})
	})
	if err != nil {
		return nil, err
	}

	evt := events.New(events.TypeOrderSplit, events.SubjectOrderItems)
	evt.OrderID = orderID.String()
	evt.ItemIDs = itemIDs(touched)
	evt.Buckets = bucketNames(itemStatuses(touched)...)
	evt.Stations = stations(touched)
	if evt, err = evt.WithPayload(map[string]string{"new_order_id": created.ID.String()}); err == nil {
		s.emit(ctx, evt)
	}

	source, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	target, err := s.repo.Get(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	return &SplitResult{Source: source, Created: target}, nil
}

// Merge moves every active item of the sources into the target. Sources are
// closed as cancelled and point at the target.
func (s *Service) Merge(ctx context.Context, targetID uuid.UUID, req MergeOrdersRequest) (*Order, error) {
	sourceIDs := make([]uuid.UUID, 0, len(req.SourceOrderIDs))
	seen := make(map[uuid.UUID]bool, len(req.SourceOrderIDs))
	for _, raw := range req.SourceOrderIDs {
		id, err := parseID(raw)
		if err != nil {
			return nil, err
		}
		if id == targetID {
			return nil, ErrMergeSelf
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		sourceIDs = append(sourceIDs, id)
	}
	// Lock in a stable order so two concurrent merges cannot deadlock.
	lockOrder := append([]uuid.UUID{targetID}, sourceIDs...)
	sort.Slice(lockOrder, func(i, j int) bool { return lockOrder[i].String() < lockOrder[j].String() })

	now := s.clock()
	var moved []Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked := make(map[uuid.UUID]*Order, len(lockOrder))
		for _, id := range lockOrder {
			o, err := tx.LockOrder(ctx, id)
			if err != nil {
				return err
			}
			if !o.IsOpen() {
				return fmt.Errorf("%w: %s", ErrOrderNotOpen, id)
			}
			locked[id] = o
		}
		for _, id := range sourceIDs {
			src := locked[id]
			var ids []uuid.UUID
			for _, it := range src.ActiveItems() {
				ids = append(ids, it.ID)
				it.OrderID = targetID
				moved = append(moved, it)
			}
			if err := tx.MoveItems(ctx, ids, targetID); err != nil {
				return err
			}
			src.Status = OrderStatusCancelled
			target := targetID
			src.MergedInto = &target
			if err := s.touch(ctx, tx, src, now); err != nil {
				return err
			}
		}
		if err := s.touch(ctx, tx, locked[targetID], now); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "order.merge", Entity: "order", EntityID: targetID.String(),
			Meta: map[string]any{"sources": idStrings(sourceIDs), "items": len(moved)},
		})
	})
	if err != nil {
		return nil, err
	}

	evt := events.New(events.TypeOrderMerged, events.SubjectOrderItems)
	evt.OrderID = targetID.String()
	evt.ItemIDs = itemIDs(moved)
	evt.Buckets = bucketNames(itemStatuses(moved)...)
	evt.Stations = stations(moved)
	if evt, err = evt.WithPayload(map[string][]string{"source_order_ids": idStrings(sourceIDs)}); err == nil {
		s.emit(ctx, evt)
	}
	return s.repo.Get(ctx, targetID)
}

// Cancel cancels every item still cancellable and closes the order. Orders
// with plated food must be served or recalled first.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	now := s.clock()
	var cancelled []Item
	var previous []status.Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.IsOpen() {
			return ErrOrderNotOpen
		}
		for _, it := range order.Items {
			if it.Status == status.Ready || it.Status == status.Served {
				return ErrOrderHasPlated
			}
		}
		for i := range order.Items {
			it := &order.Items[i]
			if it.Status == status.Cancelled {
				continue
			}
			previous = append(previous, it.Status)
			it.Status = status.Cancelled
			it.UpdatedAt = now
			if err := tx.UpdateItem(ctx, *it); err != nil {
				return err
			}
			cancelled = append(cancelled, *it)
		}
		order.Status = OrderStatusCancelled
		if err := s.touch(ctx, tx, order, now); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "order.cancel", Entity: "order", EntityID: orderID.String(),
			Meta: map[string]any{"items": len(cancelled)},
		})
	})
	if err != nil {
		return nil, err
	}

	evt := events.New(events.TypeOrderCancelled, events.SubjectOrderItems)
	evt.OrderID = orderID.String()
	evt.ItemIDs = itemIDs(cancelled)
	evt.Status = string(status.Cancelled)
	evt.Buckets = bucketNames(previous...)
	evt.Stations = stations(cancelled)
	s.emit(ctx, evt)
	return s.repo.Get(ctx, orderID)
}

func (s *Service) lockItem(ctx context.Context, tx TxRepository, orderID, itemID uuid.UUID) (*Order, *Item, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !order.IsOpen() {
		return nil, nil, ErrOrderNotOpen
	}
	item, ok := order.Item(itemID)
	if !ok {
		return nil, nil, ErrItemNotFound
	}
	return order, item, nil
}

func (s *Service) touch(ctx context.Context, tx TxRepository, order *Order, now time.Time) error {
	order.Version++
	order.UpdatedAt = now
	return tx.UpdateOrder(ctx, *order)
}

func (s *Service) buildItems(orderID, batchID uuid.UUID, inputs []ItemInput, now time.Time) ([]Item, error) {
	items := make([]Item, 0, len(inputs))
	for _, in := range inputs {
		if in.UnitPrice.IsNegative() {
			return nil, ErrNegativePrice
		}
		if in.Quantity < 1 {
			return nil, ErrInvalidQuantity
		}
		items = append(items, Item{
			ID:         uuid.New(),
			OrderID:    orderID,
			BatchID:    batchID,
			MenuItemID: in.MenuItemID,
			Name:       in.Name,
			Station:    in.Station,
			Quantity:   in.Quantity,
			UnitPrice:  in.UnitPrice.Round(2),
			Status:     status.Pending,
			Notes:      in.Notes,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return items, nil
}

// replayed resolves a batch id that was already applied. The redis cache is
// consulted first, postgres is authoritative.
func (s *Service) replayed(ctx context.Context, batchID uuid.UUID) (*Order, bool, error) {
	if s.batches != nil {
		ref, err := s.batches.Lookup(ctx, batchID.String())
		if err != nil {
			s.logger.Warn("batch cache lookup", slog.Any("error", err))
		} else if ref != "" {
			if orderID, err := uuid.Parse(ref); err == nil {
				order, err := s.repo.Get(ctx, orderID)
				return order, true, err
			}
		}
	}
	orderID, err := s.repo.LookupBatch(ctx, batchID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup batch: %w", err)
	}
	s.rememberBatch(ctx, batchID, orderID)
	order, err := s.repo.Get(ctx, orderID)
	return order, true, err
}

func (s *Service) sameOrder(order *Order, orderID uuid.UUID, err error) (*Order, error) {
	if err != nil {
		return nil, err
	}
	if order == nil || order.ID != orderID {
		return nil, ErrBatchReused
	}
	return order, nil
}

func (s *Service) rememberBatch(ctx context.Context, batchID, orderID uuid.UUID) {
	if s.batches == nil {
		return
	}
	if err := s.batches.Remember(ctx, batchID.String(), orderID.String()); err != nil {
		s.logger.Warn("batch cache remember", slog.Any("error", err))
	}
}

// emit publishes after commit. Failures are logged only: displays re-poll and
// converge without the event.
func (s *Service) emit(ctx context.Context, evt events.Event) {
	if s.board != nil && len(evt.Buckets) > 0 {
		if err := s.board.Bump(ctx); err != nil {
			s.logger.Warn("bump kitchen board cache", slog.Any("error", err))
		}
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish order event",
			slog.String("event_type", evt.Type),
			slog.String("order_id", evt.OrderID),
			slog.Any("error", err),
		)
	}
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
	}
	return id, nil
}

func itemIDs(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID.String())
	}
	return out
}

func itemStatuses(items []Item) []status.Status {
	out := make([]status.Status, 0, len(items))
	for _, it := range items {
		out = append(out, it.Status)
	}
	return out
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func stations(items []Item) []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range items {
		if it.Station == "" || seen[it.Station] {
			continue
		}
		seen[it.Station] = true
		out = append(out, it.Station)
	}
	sort.Strings(out)
	return out
}

func bucketNames(statuses ...status.Status) []string {
	buckets := status.AffectedBuckets(statuses...)
	out := make([]string, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, string(b))
	}
	return out
}
