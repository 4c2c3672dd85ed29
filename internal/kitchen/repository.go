package kitchen

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tavola-pos/tavola/internal/platform/db"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

// Repository reads tickets and opens transactions.
type Repository interface {
	ListTickets(ctx context.Context, statuses []status.Status, station string) ([]Ticket, error)
	ListOverdue(ctx context.Context, startedBefore time.Time) ([]Ticket, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository performs batch transitions under row locks.
type TxRepository interface {
	LockTickets(ctx context.Context, ids []uuid.UUID) ([]Ticket, error)
	SaveStatuses(ctx context.Context, tickets []Ticket) error
	TouchOrders(ctx context.Context, orderIDs []uuid.UUID, at time.Time) error
	Audit(ctx context.Context, log shared.AuditLog) error
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

type repository struct {
	db    dbtx
	pool  *pgxpool.Pool
	audit *shared.AuditLogger
}

// NewRepository builds the postgres backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool, audit: shared.NewAuditLogger(pool)}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool, audit: r.audit.WithTx(tx)})
	})
}

const ticketColumns = `i.id, i.order_id, o.table_label, i.batch_id, i.menu_item_id, i.name, i.station, i.quantity,
	i.status, i.notes, i.created_at, i.updated_at, i.started_at, i.ready_at, i.served_at`

func (r *repository) ListTickets(ctx context.Context, statuses []status.Status, station string) ([]Ticket, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query := `SELECT ` + ticketColumns + ` FROM order_items i JOIN orders o ON o.id = i.order_id
		WHERE i.status = ANY($1)`
	args := []any{names}
	if station != "" {
		query += ` AND i.station = $2`
		args = append(args, station)
	}
	query += ` ORDER BY i.created_at, i.id`
	return r.query(ctx, query, args...)
}

func (r *repository) ListOverdue(ctx context.Context, startedBefore time.Time) ([]Ticket, error) {
	return r.query(ctx, `SELECT `+ticketColumns+` FROM order_items i JOIN orders o ON o.id = i.order_id
		WHERE i.status = $1 AND i.started_at < $2 ORDER BY i.started_at`, string(status.Preparing), startedBefore)
}

// LockTickets locks the items and their orders so that order edits and
// kitchen transitions serialize.
func (r *repository) LockTickets(ctx context.Context, ids []uuid.UUID) ([]Ticket, error) {
	return r.query(ctx, `SELECT `+ticketColumns+` FROM order_items i JOIN orders o ON o.id = i.order_id
		WHERE i.id = ANY($1) ORDER BY o.id, i.id FOR UPDATE OF o, i`, ids)
}

func (r *repository) SaveStatuses(ctx context.Context, tickets []Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tickets {
		batch.Queue(`UPDATE order_items SET status = $2, updated_at = $3, started_at = $4, ready_at = $5, served_at = $6
			WHERE id = $1`, t.ItemID, string(t.Status), t.UpdatedAt, t.StartedAt, t.ReadyAt, t.ServedAt)
	}
	results := r.db.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for _, t := range tickets {
		tag, err := results.Exec()
		if err != nil {
			return fmt.Errorf("update ticket %s: %w", t.ItemID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update ticket %s: no rows", t.ItemID)
		}
	}
	return nil
}

func (r *repository) TouchOrders(ctx context.Context, orderIDs []uuid.UUID, at time.Time) error {
	if len(orderIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE orders SET version = version + 1, updated_at = $2 WHERE id = ANY($1)`, orderIDs, at)
	return err
}

func (r *repository) Audit(ctx context.Context, log shared.AuditLog) error {
	return r.audit.Record(ctx, log)
}

func (r *repository) query(ctx context.Context, query string, args ...any) ([]Ticket, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := []Ticket{}
	for rows.Next() {
		var t Ticket
		var st string
		if err := rows.Scan(&t.ItemID, &t.OrderID, &t.TableLabel, &t.BatchID, &t.MenuItemID, &t.Name, &t.Station,
			&t.Quantity, &st, &t.Notes, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.ReadyAt, &t.ServedAt); err != nil {
			return nil, err
		}
		t.Status = status.Status(st)
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}
