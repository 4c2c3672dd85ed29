package kitchen

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tavola-pos/tavola/internal/platform/httpx"
	"github.com/tavola-pos/tavola/internal/status"
)

// Handler exposes the kitchen ticket API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes attaches kitchen routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/tickets", h.listTickets)
	r.Patch("/tickets/status", h.updateStatus)
}

func (h *Handler) listTickets(w http.ResponseWriter, r *http.Request) {
	bucket, err := status.ParseBucket(r.URL.Query().Get("bucket"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	board, err := h.service.ListTickets(r.Context(), bucket, r.URL.Query().Get("station"))
	if err != nil {
		h.logger.Error("list tickets", slog.String("bucket", string(bucket)), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, board)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.UpdateStatus(r.Context(), req)
	if err != nil {
		h.logger.Warn("update ticket status",
			slog.String("status", req.Status),
			slog.Int("items", len(req.ItemIDs)),
			slog.Any("error", err),
		)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
