package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tavola-pos/tavola/internal/platform/db"
	"github.com/tavola-pos/tavola/internal/shared"
)

// Repository reads invoices and opens transactions.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
}

// TxRepository holds the writes of invoicing and settlement.
type TxRepository interface {
	LockOrder(ctx context.Context, id uuid.UUID) (*BillableOrder, error)
	CloseOrder(ctx context.Context, id uuid.UUID, at time.Time) error
	NextNumber(ctx context.Context, day time.Time) (int, error)
	InsertInvoice(ctx context.Context, inv Invoice) error
	LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error
	InsertPayment(ctx context.Context, p Payment) error
	Audit(ctx context.Context, log shared.AuditLog) error
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
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

func (r *repository) LockOrder(ctx context.Context, id uuid.UUID) (*BillableOrder, error) {
	order := BillableOrder{ID: id}
	var st string
	err := r.db.QueryRow(ctx, `SELECT table_label, status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&order.TableLabel, &st)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	order.Open = st == "OPEN"

	rows, err := r.db.Query(ctx, `SELECT id, name, quantity, unit_price::text, status FROM order_items
		WHERE order_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it BillableItem
		var price string
		if err := rows.Scan(&it.ID, &it.Name, &it.Quantity, &price, &it.Status); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("item %s price: %w", it.ID, err)
		}
		order.Items = append(order.Items, it)
	}
	return &order, rows.Err()
}

func (r *repository) CloseOrder(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE orders SET status = 'CLOSED', version = version + 1, updated_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *repository) NextNumber(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `INSERT INTO invoice_sequences (day, last) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last = invoice_sequences.last + 1 RETURNING last`, day.Format("2006-01-02")).Scan(&n)
	return n, err
}

func (r *repository) InsertInvoice(ctx context.Context, inv Invoice) error {
	_, err := r.db.Exec(ctx, `INSERT INTO invoices (id, order_id, number, table_label, status, currency, subtotal, tax_rate, tax, total, paid, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8::text::numeric, $9::text::numeric, $10::text::numeric, $11::text::numeric, $12)`,
		inv.ID, inv.OrderID, inv.Number, inv.TableLabel, string(inv.Status), inv.Currency,
		inv.Subtotal.StringFixed(2), inv.TaxRate.String(), inv.Tax.StringFixed(2), inv.Total.StringFixed(2), inv.Paid.StringFixed(2), inv.IssuedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrInvoiceExists
		}
		return err
	}
	for _, l := range inv.Lines {
		if _, err := r.db.Exec(ctx, `INSERT INTO invoice_lines (invoice_id, item_id, name, quantity, unit_price, amount)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric)`,
			inv.ID, l.ItemID, l.Name, l.Quantity, l.UnitPrice.StringFixed(2), l.Amount.StringFixed(2)); err != nil {
			return fmt.Errorf("insert invoice line: %w", err)
		}
	}
	return nil
}

func (r *repository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.loadInvoice(ctx, id, false)
}

func (r *repository) LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.loadInvoice(ctx, id, true)
}

func (r *repository) loadInvoice(ctx context.Context, id uuid.UUID, lock bool) (*Invoice, error) {
	query := `SELECT id, order_id, number, table_label, status, currency, subtotal::text, tax_rate::text, tax::text,
		total::text, paid::text, issued_at, voided_at FROM invoices WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var inv Invoice
	var st string
	var amounts [5]string
	err := r.db.QueryRow(ctx, query, id).Scan(&inv.ID, &inv.OrderID, &inv.Number, &inv.TableLabel, &st, &inv.Currency,
		&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4], &inv.IssuedAt, &inv.VoidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Status = InvoiceStatus(st)
	targets := []*decimal.Decimal{&inv.Subtotal, &inv.TaxRate, &inv.Tax, &inv.Total, &inv.Paid}
	for i, raw := range amounts {
		if *targets[i], err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("invoice %s amount: %w", id, err)
		}
	}

	if inv.Lines, err = r.lines(ctx, id); err != nil {
		return nil, err
	}
	if inv.Payments, err = r.payments(ctx, id); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repository) lines(ctx context.Context, invoiceID uuid.UUID) ([]Line, error) {
	rows, err := r.db.Query(ctx, `SELECT item_id, name, quantity, unit_price::text, amount::text FROM invoice_lines
		WHERE invoice_id = $1 ORDER BY line_no`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []Line{}
	for rows.Next() {
		var l Line
		var price, amount string
		if err := rows.Scan(&l.ItemID, &l.Name, &l.Quantity, &price, &amount); err != nil {
			return nil, err
		}
		l.UnitPrice = decimal.RequireFromString(price)
		l.Amount = decimal.RequireFromString(amount)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repository) payments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT id, invoice_id, method, amount::text, paid_at FROM payments
		WHERE invoice_id = $1 ORDER BY paid_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	payments := []Payment{}
	for rows.Next() {
		var p Payment
		var method, amount string
		if err := rows.Scan(&p.ID, &p.InvoiceID, &method, &amount, &p.PaidAt); err != nil {
			return nil, err
		}
		p.Method = PaymentMethod(method)
		p.Amount = decimal.RequireFromString(amount)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *repository) UpdateInvoice(ctx context.Context, inv Invoice) error {
	tag, err := r.db.Exec(ctx, `UPDATE invoices SET status = $2, paid = $3::text::numeric, voided_at = $4 WHERE id = $1`,
		inv.ID, string(inv.Status), inv.Paid.StringFixed(2), inv.VoidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *repository) InsertPayment(ctx context.Context, p Payment) error {
	_, err := r.db.Exec(ctx, `INSERT INTO payments (id, invoice_id, method, amount, paid_at) VALUES ($1, $2, $3, $4::text::numeric, $5)`,
		p.ID, p.InvoiceID, string(p.Method), p.Amount.StringFixed(2), p.PaidAt)
	return err
}

func (r *repository) Audit(ctx context.Context, log shared.AuditLog) error {
	return r.audit.Record(ctx, log)
}
