package apiclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/tavola-pos/tavola/internal/billing"
	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/orders"
	"github.com/tavola-pos/tavola/internal/status"
)

// ListOrdersParams filters ListOrders.
type ListOrdersParams struct {
	Status     string
	TableLabel string
	Page       int
	PerPage    int
}

// CreateOrder opens an order.
func (c *Client) CreateOrder(ctx context.Context, req orders.CreateOrderRequest) (*orders.Order, error) {
	var out orders.Order
	if err := c.do(ctx, http.MethodPost, "/orders", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOrders returns one page of orders.
func (c *Client) ListOrders(ctx context.Context, p ListOrdersParams) (*orders.ListOrdersResponse, error) {
	q := url.Values{}
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.TableLabel != "" {
		q.Set("table", p.TableLabel)
	}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(p.PerPage))
	}
	var out orders.ListOrdersResponse
	if err := c.do(ctx, http.MethodGet, "/orders", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches one order with its items.
func (c *Client) GetOrder(ctx context.Context, id uuid.UUID) (*orders.Order, error) {
	var out orders.Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+id.String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddItems sends a batch of items. Replaying the same batch id is harmless.
func (c *Client) AddItems(ctx context.Context, orderID uuid.UUID, req orders.AddItemsRequest) (*orders.Order, error) {
	var out orders.Order
	if err := c.do(ctx, http.MethodPost, "/orders/"+orderID.String()+"/items", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangeQuantity sets the quantity of one item.
func (c *Client) ChangeQuantity(ctx context.Context, orderID, itemID uuid.UUID, qty int) (*orders.Order, error) {
	var out orders.Order
	path := "/orders/" + orderID.String() + "/items/" + itemID.String()
	if err := c.do(ctx, http.MethodPatch, path, nil, orders.ChangeQuantityRequest{Quantity: qty}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveItem deletes or cancels one item.
func (c *Client) RemoveItem(ctx context.Context, orderID, itemID uuid.UUID) (*orders.Order, error) {
	var out orders.Order
	path := "/orders/" + orderID.String() + "/items/" + itemID.String()
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SplitOrder moves quantities into a new order.
func (c *Client) SplitOrder(ctx context.Context, orderID uuid.UUID, req orders.SplitOrderRequest) (*orders.SplitResult, error) {
	var out orders.SplitResult
	if err := c.do(ctx, http.MethodPost, "/orders/"+orderID.String()+"/split", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MergeOrders folds the source orders into targetID.
func (c *Client) MergeOrders(ctx context.Context, targetID uuid.UUID, req orders.MergeOrdersRequest) (*orders.Order, error) {
	var out orders.Order
	if err := c.do(ctx, http.MethodPost, "/orders/"+targetID.String()+"/merge", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels every item of an order.
func (c *Client) CancelOrder(ctx context.Context, orderID uuid.UUID) (*orders.Order, error) {
	var out orders.Order
	if err := c.do(ctx, http.MethodPost, "/orders/"+orderID.String()+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTickets reads one kitchen bucket, optionally for a single station.
func (c *Client) ListTickets(ctx context.Context, bucket status.Bucket, station string) (*kitchen.Board, error) {
	q := url.Values{"bucket": {string(bucket)}}
	if station != "" {
		q.Set("station", station)
	}
	var out kitchen.Board
	if err := c.do(ctx, http.MethodGet, "/kitchen/tickets", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTicketStatus moves a batch of items to target. The server applies
// all of them or none.
func (c *Client) UpdateTicketStatus(ctx context.Context, itemIDs []uuid.UUID, target status.Status) (*kitchen.UpdateStatusResult, error) {
	req := kitchen.UpdateStatusRequest{Status: string(target), ItemIDs: make([]string, len(itemIDs))}
	for i, id := range itemIDs {
		req.ItemIDs[i] = id.String()
	}
	var out kitchen.UpdateStatusResult
	if err := c.do(ctx, http.MethodPatch, "/kitchen/tickets/status", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueInvoice bills the served items of an order.
func (c *Client) IssueInvoice(ctx context.Context, req billing.IssueInvoiceRequest) (*billing.Invoice, error) {
	var out billing.Invoice
	if err := c.do(ctx, http.MethodPost, "/invoices", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInvoice fetches an invoice with lines and payments.
func (c *Client) GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	var out billing.Invoice
	if err := c.do(ctx, http.MethodGet, "/invoices/"+id.String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WriteReceipt streams the plain text receipt of an invoice into w.
func (c *Client) WriteReceipt(ctx context.Context, id uuid.UUID, w io.Writer) error {
	return c.do(ctx, http.MethodGet, "/invoices/"+id.String()+"/receipt", nil, nil, w)
}

// RecordPayment pays part or all of an invoice.
func (c *Client) RecordPayment(ctx context.Context, id uuid.UUID, req billing.RecordPaymentRequest) (*billing.Invoice, error) {
	var out billing.Invoice
	if err := c.do(ctx, http.MethodPost, "/invoices/"+id.String()+"/payments", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VoidInvoice voids an unpaid invoice.
func (c *Client) VoidInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	var out billing.Invoice
	if err := c.do(ctx, http.MethodPost, "/invoices/"+id.String()+"/void", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
