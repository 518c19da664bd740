package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/inventory"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/recon"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/redisx"
)

type AdminHandler struct {
	Repo      *orders.Repo
	Allocator *inventory.Allocator
	Ledger    *recon.LedgerRepo
	Queue     *recon.QueueRepo
	Fees      orders.FeeSpec
	Redis     *redis.Client
	Log       *zap.Logger
}

func (h *AdminHandler) Register(r *chi.Mux, auth Middleware) {
	r.Group(func(g chi.Router) {
		g.Use(auth, RequireAdmin)
		g.Get("/admin/webhook-events", h.listWebhookEvents)
		g.Get("/admin/inventory-transactions", h.listTransactions)
		g.Get("/admin/reconciliation-queue", h.listQueue)
		g.Post("/admin/reconciliation-queue/{orderID}/resolve", h.resolveQueue)
		g.Post("/admin/inventory/{id}/restock", h.restock)
		g.Post("/admin/orders/{id}/quote", h.setQuote)
		g.Post("/admin/orders/{id}/status", h.updateStatus)
	})
}

func (h *AdminHandler) listWebhookEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := h.Ledger.List(r.Context(), q.Get("verified"), q.Get("processed"), queryLimit(r, 100))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *AdminHandler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txs, err := h.Allocator.ListTransactions(r.Context(), q.Get("inventory_id"), q.Get("order_id"), queryLimit(r, 100))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *AdminHandler) listQueue(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	entries, err := h.Queue.List(r.Context(), includeResolved, queryLimit(r, 100))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *AdminHandler) resolveQueue(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := h.Queue.Resolve(r.Context(), orderID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "resolved": "true"})
}

type restockReq struct {
	Size string `json:"size"`
	Qty  int    `json:"qty"`
	Note string `json:"note,omitempty"`
}

func (h *AdminHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Qty <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "qty must be positive"})
		return
	}
	if req.Size == "" {
		req.Size = inventory.SizeOneSize
	}
	inventoryID := chi.URLParam(r, "id")
	if err := h.Allocator.Restock(r.Context(), inventoryID, req.Size, req.Qty, req.Note); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"inventory_id": inventoryID, "size": req.Size})
}

type quoteReq struct {
	SubtotalCents int64 `json:"subtotal_cents"`
}

func (h *AdminHandler) setQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.SubtotalCents <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subtotal_cents must be positive"})
		return
	}
	orderID := chi.URLParam(r, "id")
	if err := h.Repo.SetQuote(r.Context(), orderID, req.SubtotalCents, h.Fees); err != nil {
		h.respondOrderError(w, err)
		return
	}
	h.invalidateStatus(r, orderID)
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": string(orders.StatusQuoteSent)})
}

type statusReq struct {
	Status string `json:"status"`
}

// updateStatus moves an order along its lifecycle. Cancelling an order with
// held stock returns the hold to the shelf first; consumed stock cannot be
// silently restored and has to go through a restock.
func (h *AdminHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	to := orders.Status(req.Status)
	o, err := h.Repo.ByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	if !orders.CanTransition(o.Kind, o.Status, to) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("cannot move %s order from %s to %s", o.Kind, o.Status, to),
		})
		return
	}

	if to == orders.StatusCancelled && o.InventoryAllocated {
		switch o.AllocationMode {
		case orders.AllocHold:
			if err := h.Allocator.Release(r.Context(), o.ID); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
		case orders.AllocConsume:
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "stock already consumed; restock inventory before cancelling",
			})
			return
		}
	}

	if err := h.Repo.UpdateStatus(r.Context(), o, to); err != nil {
		if errors.Is(err, orders.ErrBadTransition) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.invalidateStatus(r, o.ID)
	writeJSON(w, http.StatusOK, map[string]string{"order_id": o.ID, "status": string(to)})
}

func (h *AdminHandler) invalidateStatus(r *http.Request, orderID string) {
	_ = h.Redis.Del(r.Context(), fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err()
}

func (h *AdminHandler) respondOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
	case errors.Is(err, orders.ErrBadTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func queryLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return def
}
