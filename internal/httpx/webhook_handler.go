package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/paymongo"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/recon"
)

// Reconciler is the slice of the engine the HTTP layer needs.
type Reconciler interface {
	Reconcile(ctx context.Context, in recon.Input) (recon.Result, error)
}

// EventLedger is the slice of the idempotency ledger the receiver writes.
type EventLedger interface {
	Record(ctx context.Context, ev *recon.WebhookEvent) (existed bool, err error)
	MarkProcessed(ctx context.Context, externalID, result string) error
}

type WebhookHandler struct {
	Ledger    EventLedger
	Engine    Reconciler
	Secret    string
	SigHeader string
	LiveMode  bool
	Log       *zap.Logger
}

func (h *WebhookHandler) Register(r *chi.Mux) {
	// Public endpoint: authenticity is entirely signature-based.
	r.Post("/webhook", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	verified := false
	if h.Secret == "" {
		// Operational risk, not a silent bypass: without a secret every
		// delivery is processed unverified.
		h.Log.Error("PAYMONGO_WEBHOOK_SECRET not configured; processing webhook UNVERIFIED")
	} else {
		verified = paymongo.VerifySignature(h.Secret, r.Header.Get(h.SigHeader), body, h.LiveMode)
	}

	ev, parseErr := paymongo.ParseEvent(body)
	externalID := ev.ID
	if externalID == "" {
		externalID = "unparsed-" + uuid.NewString()
	}

	// Persist before doing anything else so even malformed or
	// failed-verification deliveries are auditable.
	_, err = h.Ledger.Record(r.Context(), &recon.WebhookEvent{
		ExternalID: externalID,
		EventType:  ev.Type,
		RawPayload: body,
		Verified:   verified,
	})
	if err != nil {
		h.Log.Error("persist webhook event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	if parseErr != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	if !verified && h.Secret != "" {
		// 200 so the gateway does not build a retry storm; the event sits
		// unprocessed in the ledger for manual review.
		h.Log.Warn("webhook signature verification failed",
			zap.String("external_id", externalID),
			zap.String("event_type", ev.Type))
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "verified": false})
		return
	}

	if ev.Type != paymongo.EventCheckoutPaid && ev.Type != paymongo.EventPaymentPaid {
		_ = h.Ledger.MarkProcessed(r.Context(), externalID, "ignored:"+ev.Type)
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	res, err := h.Engine.Reconcile(r.Context(), recon.Input{
		Source:     "webhook",
		ExternalID: externalID,
		SessionID:  ev.SessionID,
		PaidCents:  ev.PaidCents,
		TraceID:    middleware.GetReqID(r.Context()),
	})
	if errors.Is(err, recon.ErrOrderNotFound) {
		// The order may live in another environment; acknowledge so the
		// gateway stops retrying, keep the ledger row for review.
		_ = h.Ledger.MarkProcessed(r.Context(), externalID, "order_not_found")
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": "order_not_found"})
		return
	}
	if err != nil {
		// Processing failed mid-pipeline: let the gateway redeliver; the
		// idempotency guards make the retry safe.
		h.Log.Error("webhook reconciliation failed",
			zap.String("external_id", externalID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failure"})
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received":    true,
		"outcome":     res.Outcome,
		"allocated":   res.Allocated,
		"discrepancy": res.Discrepancy,
	})
}
