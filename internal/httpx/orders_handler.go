package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/inventory"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/paymongo"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/recon"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/redisx"
)

type OrdersHandler struct {
	Repo      *orders.Repo
	Allocator *inventory.Allocator
	Engine    Reconciler
	Gateway   *paymongo.Client
	Redis     *redis.Client
	Fees      orders.FeeSpec

	SuccessURL string
	CancelURL  string
	Log        *zap.Logger
}

func (h *OrdersHandler) Register(r *chi.Mux, auth Middleware) {
	r.Group(func(g chi.Router) {
		g.Use(auth)
		g.Post("/checkout", h.createCheckout)
		g.Post("/orders/custom", h.createCustomOrder)
		g.Post("/orders/{id}/checkout-session", h.createPaymentSession)
		g.Get("/orders/{id}", h.getOrder)
		g.Get("/sync/{id}", h.syncOrder)
		g.Post("/sync/{id}", h.syncOrder)
	})
}

type checkoutReq struct {
	Items       []orders.ItemInput `json:"items"`
	VoucherCode string             `json:"voucher_code,omitempty"`
}

type checkoutResp struct {
	OrderID     string `json:"order_id"`
	CheckoutURL string `json:"checkout_url"`
	TotalCents  int64  `json:"total_cents"`
}

// createCheckout prices the cart server-side, holds stock, and opens a
// gateway checkout session. Amounts submitted by the client are ignored.
func (h *OrdersHandler) createCheckout(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty cart"})
		return
	}

	o, err := h.Repo.CreateProductCheckout(r.Context(), p.Sub, req.Items, req.VoucherCode, h.Fees)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Checkout-time hold: stock is parked in reserved until payment lands,
	// then committed by the reconciliation engine.
	if _, err := h.Allocator.Allocate(r.Context(), o, orders.AllocHold); err != nil {
		var insufficient *inventory.InsufficientStockError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   "insufficient stock",
				"details": insufficient.Details,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	session, err := h.openSession(r, o, o.TotalCents, "Order "+o.ID)
	if err != nil {
		// The hold must not outlive a checkout that never reached the
		// gateway.
		if rerr := h.Allocator.Release(r.Context(), o.ID); rerr != nil {
			h.Log.Error("release after session failure", zap.String("order_id", o.ID), zap.Error(rerr))
		}
		h.respondGatewayError(w, err)
		return
	}

	h.invalidateStatus(r, o.ID)
	writeJSON(w, http.StatusCreated, checkoutResp{
		OrderID:     o.ID,
		CheckoutURL: session.CheckoutURL,
		TotalCents:  o.TotalCents,
	})
}

type customOrderReq struct {
	Items []orders.LineItem `json:"items"`
}

func (h *OrdersHandler) createCustomOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req customOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing items"})
		return
	}
	for i := range req.Items {
		// Quote pricing is the admin's job; nothing monetary is accepted here.
		req.Items[i].UnitPriceCents = 0
		if req.Items[i].Qty <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid qty"})
			return
		}
	}
	o, err := h.Repo.CreateCustomOrder(r.Context(), p.Sub, req.Items)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"order_id": o.ID, "status": string(o.Status)})
}

type paymentSessionReq struct {
	// full | downpayment | balance
	Option string `json:"option"`
}

// createPaymentSession opens a gateway session for a quoted custom order.
// The amount is derived from the stored totals, never from the client; the
// classifier later infers which option was exercised from the amount alone.
func (h *OrdersHandler) createPaymentSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	o, err := h.Repo.ByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	if o.OwnerID != p.Sub && !p.IsAdmin() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your order"})
		return
	}
	if o.Kind != orders.KindCustom || o.TotalCents <= 0 {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "order has no payable quote"})
		return
	}
	if orders.IsTerminal(o.Kind, o.Status) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "order is closed"})
		return
	}

	var req paymentSessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	var amount int64
	var label string
	switch req.Option {
	case "full":
		amount, label = o.TotalCents, "Full payment"
	case "downpayment":
		amount, label = o.TotalCents/2, "50% down-payment"
	case "balance":
		if !o.DownPaymentPaid || o.BalancePaid {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "no outstanding balance"})
			return
		}
		amount, label = o.TotalCents-o.TotalCents/2, "Remaining balance"
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "option must be full, downpayment or balance"})
		return
	}

	session, err := h.openSession(r, o, amount, fmt.Sprintf("%s for order %s", label, o.ID))
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}
	h.invalidateStatus(r, o.ID)
	writeJSON(w, http.StatusCreated, checkoutResp{
		OrderID:     o.ID,
		CheckoutURL: session.CheckoutURL,
		TotalCents:  amount,
	})
}

func (h *OrdersHandler) openSession(r *http.Request, o *orders.Order, amountCents int64, description string) (*paymongo.CheckoutSession, error) {
	items := []paymongo.CheckoutLineItem{{
		Name:        description,
		AmountCents: amountCents,
		Currency:    "PHP",
		Quantity:    1,
	}}
	session, err := h.Gateway.CreateCheckoutSession(r.Context(), paymongo.CheckoutSessionReq{
		LineItems:   items,
		Description: description,
		SuccessURL:  h.SuccessURL,
		CancelURL:   h.CancelURL,
		ReferenceID: o.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := h.Repo.SetPaymentSession(r.Context(), o.ID, session.ID); err != nil {
		return nil, err
	}
	skey := fmt.Sprintf(redisx.KeyCheckoutSession, session.ID)
	_ = h.Redis.Set(r.Context(), skey, o.ID, redisx.TTLCheckoutSession).Err()
	return session, nil
}

// getOrder serves the eventually-consistent status read path, cache first.
func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(r.Context(), key).Result(); err == nil && s != "" {
		var doc orders.StatusDoc
		if json.Unmarshal([]byte(s), &doc) == nil {
			if doc.OwnerID != p.Sub && !p.IsAdmin() {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your order"})
				return
			}
			writeJSON(w, http.StatusOK, doc)
			return
		}
	}

	doc, err := h.Repo.Status(r.Context(), orderID)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	if doc.OwnerID != p.Sub && !p.IsAdmin() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your order"})
		return
	}
	if b, err := json.Marshal(doc); err == nil {
		_ = h.Redis.Set(r.Context(), key, b, redisx.TTLStatusCache).Err()
	}
	writeJSON(w, http.StatusOK, doc)
}

// syncOrder is the fallback path when a webhook was lost: ask the gateway
// directly and drive the exact same reconciliation pipeline. Racing an
// in-flight webhook is safe; allocation is guarded at the order.
func (h *OrdersHandler) syncOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	o, err := h.Repo.ByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	if o.OwnerID != p.Sub && !p.IsAdmin() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your order"})
		return
	}
	if o.PaymentSessionID == "" {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "order has no payment session"})
		return
	}

	session, err := h.Gateway.RetrieveCheckoutSession(r.Context(), o.PaymentSessionID)
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}

	res, err := h.Engine.Reconcile(r.Context(), recon.Input{
		Source:    "sync",
		OrderID:   o.ID,
		SessionID: o.PaymentSessionID,
		PaidCents: session.PaidCents,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.invalidateStatus(r, o.ID)
	doc, err := h.Repo.Status(r.Context(), o.ID)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":     res.Outcome,
		"allocated":   res.Allocated,
		"discrepancy": res.Discrepancy,
		"order":       doc,
	})
}

// invalidateStatus drops the cached doc so the next read sees committed state.
func (h *OrdersHandler) invalidateStatus(r *http.Request, orderID string) {
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	_ = h.Redis.Del(r.Context(), key).Err()
}

func (h *OrdersHandler) respondOrderError(w http.ResponseWriter, err error) {
	if errors.Is(err, orders.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (h *OrdersHandler) respondGatewayError(w http.ResponseWriter, err error) {
	if errors.Is(err, paymongo.ErrGatewayUnavailable) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment gateway unavailable"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
