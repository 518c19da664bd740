package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/payments"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/paymongo"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/recon"
)

type fakeReconciler struct {
	calls []recon.Input
	res   recon.Result
	err   error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, in recon.Input) (recon.Result, error) {
	f.calls = append(f.calls, in)
	return f.res, f.err
}

type fakeEventLedger struct {
	recorded  []*recon.WebhookEvent
	processed map[string]string
}

func (f *fakeEventLedger) Record(ctx context.Context, ev *recon.WebhookEvent) (bool, error) {
	f.recorded = append(f.recorded, ev)
	return false, nil
}

func (f *fakeEventLedger) MarkProcessed(ctx context.Context, externalID, result string) error {
	if f.processed == nil {
		f.processed = map[string]string{}
	}
	f.processed[externalID] = result
	return nil
}

const testWebhookSecret = "whsk_test_123"

func paidEventBody(eventID, sessionID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"data": {
			"id": %q,
			"attributes": {
				"type": "checkout_session.payment.paid",
				"data": {
					"id": %q,
					"attributes": {
						"payments": [{"attributes": {"amount": %d, "status": "paid"}}]
					}
				}
			}
		}
	}`, eventID, sessionID, amount))
}

func signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	ts := "1700000000"
	mac := paymongo.ComputeSignature(testWebhookSecret, ts, body)
	req.Header.Set("Paymongo-Signature", fmt.Sprintf("t=%s,te=%s,li=", ts, mac))
	return req
}

func newWebhookHandler(engine *fakeReconciler, ledger *fakeEventLedger) *WebhookHandler {
	return &WebhookHandler{
		Ledger:    ledger,
		Engine:    engine,
		Secret:    testWebhookSecret,
		SigHeader: "Paymongo-Signature",
		Log:       zap.NewNop(),
	}
}

func TestWebhookValidSignature(t *testing.T) {
	engine := &fakeReconciler{res: recon.Result{
		Outcome:   payments.OutcomeFullPayment,
		Allocated: true,
	}}
	ledger := &fakeEventLedger{}
	h := newWebhookHandler(engine, ledger)

	body := paidEventBody("evt_1", "cs_1", 100000)
	rec := httptest.NewRecorder()
	h.handle(rec, signedRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(engine.calls) != 1 {
		t.Fatalf("engine calls = %d", len(engine.calls))
	}
	in := engine.calls[0]
	if in.ExternalID != "evt_1" || in.SessionID != "cs_1" || in.PaidCents != 100000 || in.Source != "webhook" {
		t.Fatalf("engine input = %+v", in)
	}
	if len(ledger.recorded) != 1 || !ledger.recorded[0].Verified {
		t.Fatalf("event not recorded as verified: %+v", ledger.recorded)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["outcome"] != string(payments.OutcomeFullPayment) || resp["allocated"] != true {
		t.Fatalf("response = %v", resp)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	engine := &fakeReconciler{}
	ledger := &fakeEventLedger{}
	h := newWebhookHandler(engine, ledger)

	body := paidEventBody("evt_2", "cs_2", 100000)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Paymongo-Signature", "t=1700000000,te=deadbeef,li=")
	rec := httptest.NewRecorder()
	h.handle(rec, req)

	// 200 so the gateway does not retry, but nothing may be processed.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(engine.calls) != 0 {
		t.Fatalf("engine must not run on a bad signature")
	}
	// The delivery is still in the ledger for review, marked unverified.
	if len(ledger.recorded) != 1 || ledger.recorded[0].Verified {
		t.Fatalf("unverified event not recorded: %+v", ledger.recorded)
	}
}

func TestWebhookUnparseableBody(t *testing.T) {
	engine := &fakeReconciler{}
	ledger := &fakeEventLedger{}
	h := newWebhookHandler(engine, ledger)

	body := []byte(`{"not":"a paymongo event"}`)
	rec := httptest.NewRecorder()
	h.handle(rec, signedRequest(t, body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(engine.calls) != 0 {
		t.Fatalf("engine must not run on garbage")
	}
	// Audit row exists even for garbage, with a synthetic id.
	if len(ledger.recorded) != 1 || ledger.recorded[0].ExternalID == "" {
		t.Fatalf("unparsed event not recorded: %+v", ledger.recorded)
	}
}

func TestWebhookIgnoredEventType(t *testing.T) {
	engine := &fakeReconciler{}
	ledger := &fakeEventLedger{}
	h := newWebhookHandler(engine, ledger)

	body := []byte(`{"data":{"id":"evt_3","attributes":{"type":"payment.failed","data":{"id":"pay_1","attributes":{}}}}}`)
	rec := httptest.NewRecorder()
	h.handle(rec, signedRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(engine.calls) != 0 {
		t.Fatalf("non-paid events must not reach the engine")
	}
	if ledger.processed["evt_3"] != "ignored:payment.failed" {
		t.Fatalf("ignored event not marked: %v", ledger.processed)
	}
}

func TestWebhookProcessingFailureTellsGatewayToRetry(t *testing.T) {
	engine := &fakeReconciler{err: fmt.Errorf("db down")}
	ledger := &fakeEventLedger{}
	h := newWebhookHandler(engine, ledger)

	body := paidEventBody("evt_4", "cs_4", 100000)
	rec := httptest.NewRecorder()
	h.handle(rec, signedRequest(t, body))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the gateway redelivers", rec.Code)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	engine := &fakeReconciler{res: recon.Result{Duplicate: true}}
	ledger := &fakeEventLedger{}
	h := newWebhookHandler(engine, ledger)

	body := paidEventBody("evt_5", "cs_5", 100000)
	rec := httptest.NewRecorder()
	h.handle(rec, signedRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["duplicate"] != true {
		t.Fatalf("response = %v", resp)
	}
}

func TestWebhookOrderNotFound(t *testing.T) {
	engine := &fakeReconciler{err: recon.ErrOrderNotFound}
	ledger := &fakeEventLedger{}
	h := newWebhookHandler(engine, ledger)

	body := paidEventBody("evt_6", "cs_6", 100000)
	rec := httptest.NewRecorder()
	h.handle(rec, signedRequest(t, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, unknown orders must be acknowledged", rec.Code)
	}
	if ledger.processed["evt_6"] != "order_not_found" {
		t.Fatalf("ledger = %v", ledger.processed)
	}
}
