package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tavola-pos/tavola/internal/platform/db"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

const idempotencyModule = "orders.batch"

// Repository is the read side plus the transaction entry point.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, int, error)
	LookupBatch(ctx context.Context, batchID uuid.UUID) (uuid.UUID, error)
}

// TxRepository exposes the writes performed under an order row lock.
type TxRepository interface {
	LockOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	InsertOrder(ctx context.Context, order Order) error
	UpdateOrder(ctx context.Context, order Order) error
	InsertItems(ctx context.Context, items []Item) error
	UpdateItem(ctx context.Context, item Item) error
	DeleteItem(ctx context.Context, id uuid.UUID) error
	MoveItems(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID) error
	ClaimBatch(ctx context.Context, batchID, orderID uuid.UUID) error
	Audit(ctx context.Context, log shared.AuditLog) error
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

type repository struct {
	db    dbtx
	pool  *pgxpool.Pool
	idem  *shared.IdempotencyStore
	audit *shared.AuditLogger
}

// NewRepository builds the postgres backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{
		db:    pool,
		pool:  pool,
		idem:  shared.NewIdempotencyStore(pool),
		audit: shared.NewAuditLogger(pool),
	}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{
			db:    tx,
			pool:  r.pool,
			idem:  r.idem.WithTx(tx),
			audit: r.audit.WithTx(tx),
		})
	})
}

const orderColumns = `id, table_label, status, notes, merged_into, version, created_at, updated_at`

const itemColumns = `id, order_id, batch_id, menu_item_id, name, station, quantity, unit_price::text, status, notes,
	created_at, updated_at, started_at, ready_at, served_at`

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.load(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *repository) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.load(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) load(ctx context.Context, query string, id uuid.UUID) (*Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	items, err := r.items(ctx, []uuid.UUID{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	if order.Items == nil {
		order.Items = []Item{}
	}
	return &order, nil
}

func (r *repository) items(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]Item, error) {
	rows, err := r.db.Query(ctx, `SELECT `+itemColumns+` FROM order_items WHERE order_id = ANY($1) ORDER BY created_at, id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]Item, len(orderIDs))
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	var conditions []string
	var args []any
	argPos := 1

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *filter.Status)
		argPos++
	}
	if filter.TableLabel != "" {
		conditions = append(conditions, fmt.Sprintf("table_label = $%d", argPos))
		args = append(args, filter.TableLabel)
		argPos++
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM orders "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, perPage := shared.Normalize(filter.Page, filter.PerPage)
	query := fmt.Sprintf("SELECT %s FROM orders %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		orderColumns, whereClause, argPos, argPos+1)
	args = append(args, perPage, shared.Offset(page, perPage))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	var list []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		list = append(list, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(list) == 0 {
		return []Order{}, total, nil
	}

	ids := make([]uuid.UUID, len(list))
	for i := range list {
		ids[i] = list[i].ID
	}
	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range list {
		list[i].Items = items[list[i].ID]
		if list[i].Items == nil {
			list[i].Items = []Item{}
		}
	}
	return list, total, nil
}

func (r *repository) LookupBatch(ctx context.Context, batchID uuid.UUID) (uuid.UUID, error) {
	ref, err := r.idem.Lookup(ctx, batchID.String(), idempotencyModule)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, err
	}
	return uuid.Parse(ref)
}

func (r *repository) ClaimBatch(ctx context.Context, batchID, orderID uuid.UUID) error {
	err := r.idem.CheckAndInsert(ctx, batchID.String(), idempotencyModule, orderID.String())
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return errBatchReplayed
	}
	return err
}

func (r *repository) InsertOrder(ctx context.Context, o Order) error {
	_, err := r.db.Exec(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.TableLabel, o.Status, o.Notes, o.MergedInto, o.Version, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r *repository) UpdateOrder(ctx context.Context, o Order) error {
	tag, err := r.db.Exec(ctx, `UPDATE orders SET table_label = $2, status = $3, notes = $4, merged_into = $5, version = $6, updated_at = $7 WHERE id = $1`,
		o.ID, o.TableLabel, o.Status, o.Notes, o.MergedInto, o.Version, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) InsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO order_items (id, order_id, batch_id, menu_item_id, name, station, quantity, unit_price,
			status, notes, created_at, updated_at, started_at, ready_at, served_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9, $10, $11, $12, $13, $14, $15)`,
			it.ID, it.OrderID, it.BatchID, it.MenuItemID, it.Name, it.Station, it.Quantity,
			it.UnitPrice.StringFixed(2), string(it.Status), it.Notes,
			it.CreatedAt, it.UpdatedAt, it.StartedAt, it.ReadyAt, it.ServedAt)
	}
	results := r.db.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (r *repository) UpdateItem(ctx context.Context, it Item) error {
	tag, err := r.db.Exec(ctx, `UPDATE order_items SET quantity = $2, status = $3, notes = $4, updated_at = $5,
		started_at = $6, ready_at = $7, served_at = $8 WHERE id = $1`,
		it.ID, it.Quantity, string(it.Status), it.Notes, it.UpdatedAt, it.StartedAt, it.ReadyAt, it.ServedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *repository) DeleteItem(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM order_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *repository) MoveItems(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE order_items SET order_id = $2, updated_at = $3 WHERE id = ANY($1)`, ids, orderID, time.Now().UTC())
	return err
}

func (r *repository) Audit(ctx context.Context, log shared.AuditLog) error {
	return r.audit.Record(ctx, log)
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var st string
	err := row.Scan(&o.ID, &o.TableLabel, &st, &o.Notes, &o.MergedInto, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	o.Status = OrderStatus(st)
	return o, err
}

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	var price, st string
	err := row.Scan(&it.ID, &it.OrderID, &it.BatchID, &it.MenuItemID, &it.Name, &it.Station, &it.Quantity,
		&price, &st, &it.Notes, &it.CreatedAt, &it.UpdatedAt, &it.StartedAt, &it.ReadyAt, &it.ServedAt)
	if err != nil {
		return it, err
	}
	it.Status = status.Status(st)
	it.UnitPrice, err = decimal.NewFromString(price)
	return it, err
}
