package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/orders"
	"github.com/tavola-pos/tavola/internal/platform/httpx"
	"github.com/tavola-pos/tavola/internal/status"
)

func newTestClient(t *testing.T, mount func(r chi.Router)) *Client {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/api/v1", mount)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api/v1/", WithActor("kds-grill"))
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	_, err = New("ftp://example.com")
	require.Error(t, err)
}

func TestGetOrderSendsActorAndDecodes(t *testing.T) {
	id := uuid.New()
	c := newTestClient(t, func(r chi.Router) {
		r.Get("/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "kds-grill", r.Header.Get("X-Actor"))
			require.Equal(t, id.String(), chi.URLParam(r, "id"))
			httpx.JSON(w, http.StatusOK, orders.Order{ID: id, TableLabel: "T4", Status: orders.OrderStatusOpen, Items: []orders.Item{}})
		})
	})

	order, err := c.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "T4", order.TableLabel)
	require.Equal(t, orders.OrderStatusOpen, order.Status)
}

func TestListTicketsEncodesQuery(t *testing.T) {
	c := newTestClient(t, func(r chi.Router) {
		r.Get("/kitchen/tickets", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "PREPARING", r.URL.Query().Get("bucket"))
			require.Equal(t, "grill", r.URL.Query().Get("station"))
			httpx.JSON(w, http.StatusOK, kitchen.Board{
				Bucket:  status.BucketPreparing,
				Station: "grill",
				Tickets: []kitchen.Ticket{{ItemID: uuid.New(), Name: "Burger", Status: status.Preparing}},
			})
		})
	})

	board, err := c.ListTickets(context.Background(), status.BucketPreparing, "grill")
	require.NoError(t, err)
	require.Len(t, board.Tickets, 1)
	require.Equal(t, "Burger", board.Tickets[0].Name)
}

func TestUpdateTicketStatusConflict(t *testing.T) {
	item := uuid.New()
	c := newTestClient(t, func(r chi.Router) {
		r.Patch("/kitchen/tickets/status", func(w http.ResponseWriter, r *http.Request) {
			var req kitchen.UpdateStatusRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, []string{item.String()}, req.ItemIDs)
			require.Equal(t, "SERVED", req.Status)
			httpx.RespondError(w, &kitchen.TransitionError{
				Target:   string(status.Served),
				Rejected: []kitchen.Rejection{{ItemID: item.String(), From: string(status.Preparing), Reason: kitchen.ReasonIllegalTransition}},
			})
		})
	})

	_, err := c.UpdateTicketStatus(context.Background(), []uuid.UUID{item}, status.Served)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	require.True(t, apiErr.IsConflict())
	require.Equal(t, "Conflict", apiErr.Title)
	require.NotEmpty(t, apiErr.Message())
	require.Contains(t, apiErr.Extensions, "rejected")
}

func TestErrorMessageFallbacks(t *testing.T) {
	c := newTestClient(t, func(r chi.Router) {
		r.Get("/orders", func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("status") {
			case "title":
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "")
			case "empty":
				w.WriteHeader(http.StatusServiceUnavailable)
			default:
				http.Error(w, "upstream exploded", http.StatusBadGateway)
			}
		})
	})

	_, err := c.ListOrders(context.Background(), ListOrdersParams{Status: "title"})
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, "Bad Request", apiErr.Message())

	_, err = c.ListOrders(context.Background(), ListOrdersParams{Status: "empty"})
	apiErr, ok = AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, "Service Unavailable", apiErr.Message())

	_, err = c.ListOrders(context.Background(), ListOrdersParams{Status: "plain"})
	apiErr, ok = AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, "upstream exploded", apiErr.Message())
	require.Contains(t, apiErr.Error(), "502")
}

func TestWriteReceipt(t *testing.T) {
	id := uuid.New()
	c := newTestClient(t, func(r chi.Router) {
		r.Get("/invoices/{id}/receipt", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("TOTAL USD 34.10\n"))
		})
	})

	var buf bytes.Buffer
	require.NoError(t, c.WriteReceipt(context.Background(), id, &buf))
	require.Equal(t, "TOTAL USD 34.10\n", buf.String())
}
