package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/inventory"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/payments"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/redisx"
)

type fakeStore struct {
	byID         map[string]*orders.Order
	applied      []orders.ClassificationUpdate
	unclassified []int64
	flagged      []string
}

func (s *fakeStore) ByID(ctx context.Context, id string) (*orders.Order, error) {
	o, ok := s.byID[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o, nil
}

func (s *fakeStore) ByPaymentSession(ctx context.Context, sessionID string) (*orders.Order, error) {
	for _, o := range s.byID {
		if o.PaymentSessionID == sessionID {
			return o, nil
		}
	}
	return nil, orders.ErrNotFound
}

func (s *fakeStore) ApplyClassification(ctx context.Context, o *orders.Order, u orders.ClassificationUpdate) error {
	s.applied = append(s.applied, u)
	if u.NextStatus != "" && orders.CanTransition(o.Kind, o.Status, u.NextStatus) {
		o.Status = u.NextStatus
	}
	if u.NextPaymentStatus != "" {
		o.PaymentStatus = u.NextPaymentStatus
	}
	o.DownPaymentPaid = o.DownPaymentPaid || u.SetDownPayment
	o.BalancePaid = o.BalancePaid || u.SetBalance
	o.LastPaidCents = u.PaidCents
	return nil
}

func (s *fakeStore) RecordUnclassified(ctx context.Context, orderID string, paidCents int64) error {
	s.unclassified = append(s.unclassified, paidCents)
	return nil
}

func (s *fakeStore) FlagDiscrepancy(ctx context.Context, orderID, note string) error {
	s.flagged = append(s.flagged, orderID)
	return nil
}

type fakeLedger struct {
	processed map[string]string
}

func (l *fakeLedger) IsProcessed(ctx context.Context, externalID string) (bool, error) {
	_, ok := l.processed[externalID]
	return ok, nil
}

func (l *fakeLedger) MarkProcessed(ctx context.Context, externalID, result string) error {
	if l.processed == nil {
		l.processed = map[string]string{}
	}
	l.processed[externalID] = result
	return nil
}

type fakeStock struct {
	allocErr     error
	allocCalls   int
	commitCalls  int
	lastMode     orders.AllocationMode
	lastOrderIDs []string
}

func (s *fakeStock) Allocate(ctx context.Context, o *orders.Order, mode orders.AllocationMode) (inventory.Result, error) {
	s.allocCalls++
	s.lastMode = mode
	s.lastOrderIDs = append(s.lastOrderIDs, o.ID)
	if s.allocErr != nil {
		return inventory.Result{}, s.allocErr
	}
	o.InventoryAllocated = true
	o.AllocationMode = mode
	return inventory.Result{Allocated: true, Mode: mode}, nil
}

func (s *fakeStock) CommitHold(ctx context.Context, o *orders.Order) error {
	s.commitCalls++
	o.AllocationMode = orders.AllocConsume
	return nil
}

type fakePublisher struct {
	msgs [][]byte
}

func (p *fakePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	p.msgs = append(p.msgs, value)
}

func newTestEngine(t *testing.T, store *fakeStore, ledger *fakeLedger, stock *fakeStock) (*Engine, *fakePublisher, *fakePublisher, *fakePublisher) {
	t.Helper()
	cls, err := payments.NewClassifier("0.05", "0.10", 100)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	ok := &fakePublisher{}
	rj := &fakePublisher{}
	al := &fakePublisher{}
	return &Engine{
		Orders:     store,
		Ledger:     ledger,
		Stock:      stock,
		Classifier: cls,
		Reconciled: ok,
		Rejected:   rj,
		Allocated:  al,
		Service:    "test",
		Log:        zap.NewNop(),
	}, ok, rj, al
}

func TestReconcileFullPayment(t *testing.T) {
	o := &orders.Order{
		ID:               "ord-1",
		Kind:             orders.KindCustom,
		OwnerID:          "user-1",
		Status:           orders.StatusQuoteSent,
		PaymentStatus:    orders.PaymentPending,
		TotalCents:       100000,
		PaymentSessionID: "cs_1",
	}
	store := &fakeStore{byID: map[string]*orders.Order{"ord-1": o}}
	ledger := &fakeLedger{}
	stock := &fakeStock{}
	eng, okPub, rjPub, allocPub := newTestEngine(t, store, ledger, stock)

	res, err := eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_1",
		SessionID:  "cs_1",
		PaidCents:  100000,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != payments.OutcomeFullPayment {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if !res.Allocated || res.Discrepancy {
		t.Fatalf("allocated=%v discrepancy=%v", res.Allocated, res.Discrepancy)
	}
	if stock.allocCalls != 1 || stock.lastMode != orders.AllocConsume {
		t.Fatalf("expected one consume allocation, got %d calls mode=%s", stock.allocCalls, stock.lastMode)
	}
	if o.Status != orders.StatusPendingFinalVerification {
		t.Fatalf("order status = %s", o.Status)
	}
	if len(okPub.msgs) != 1 {
		t.Fatalf("expected one reconciled event, got %d", len(okPub.msgs))
	}
	if len(allocPub.msgs) != 1 {
		t.Fatalf("expected one allocated event, got %d", len(allocPub.msgs))
	}
	if len(rjPub.msgs) != 0 {
		t.Fatalf("unexpected rejection events: %d", len(rjPub.msgs))
	}
	if ledger.processed["evt_1"] != string(payments.OutcomeFullPayment) {
		t.Fatalf("ledger result = %q", ledger.processed["evt_1"])
	}

	var env orders.Envelope
	if err := json.Unmarshal(okPub.msgs[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.EventType != orders.EventPaymentReconciled || env.CorrelationID != "ord-1" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestReconcileDuplicateEvent(t *testing.T) {
	store := &fakeStore{byID: map[string]*orders.Order{}}
	ledger := &fakeLedger{processed: map[string]string{"evt_1": "full_payment"}}
	stock := &fakeStock{}
	eng, okPub, _, _ := newTestEngine(t, store, ledger, stock)

	res, err := eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_1",
		SessionID:  "cs_1",
		PaidCents:  100000,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("duplicate not detected")
	}
	if stock.allocCalls != 0 || len(okPub.msgs) != 0 || len(store.applied) != 0 {
		t.Fatalf("duplicate must not touch anything")
	}
}

func TestReconcileInsufficientStock(t *testing.T) {
	o := &orders.Order{
		ID:            "ord-2",
		Kind:          orders.KindCustom,
		OwnerID:       "user-1",
		Status:        orders.StatusQuoteSent,
		PaymentStatus: orders.PaymentPending,
		TotalCents:    100000,
	}
	store := &fakeStore{byID: map[string]*orders.Order{"ord-2": o}}
	ledger := &fakeLedger{}
	stock := &fakeStock{allocErr: &inventory.InsufficientStockError{
		Details: []orders.ShortfallDetail{{InventoryID: "inv-1", Size: "m", Required: 2, Available: 0}},
	}}
	eng, okPub, rjPub, allocPub := newTestEngine(t, store, ledger, stock)

	res, err := eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_2",
		OrderID:    "ord-2",
		PaidCents:  100000,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// Payment state advances even though stock did not move.
	if res.Outcome != payments.OutcomeFullPayment || !res.Discrepancy {
		t.Fatalf("outcome=%s discrepancy=%v", res.Outcome, res.Discrepancy)
	}
	if o.PaymentStatus != orders.PaymentReceived {
		t.Fatalf("payment status must stay advanced, got %s", o.PaymentStatus)
	}
	if len(store.flagged) != 1 || store.flagged[0] != "ord-2" {
		t.Fatalf("discrepancy not flagged: %v", store.flagged)
	}
	if len(rjPub.msgs) != 1 {
		t.Fatalf("expected one rejection event, got %d", len(rjPub.msgs))
	}
	if len(okPub.msgs) != 0 {
		t.Fatalf("reconciled event must not fire on discrepancy")
	}
	if len(allocPub.msgs) != 0 {
		t.Fatalf("allocated event must not fire when stock did not move")
	}
}

func TestReconcileDownPaymentThenBalance(t *testing.T) {
	o := &orders.Order{
		ID:            "ord-3",
		Kind:          orders.KindCustom,
		OwnerID:       "user-1",
		Status:        orders.StatusQuoteSent,
		PaymentStatus: orders.PaymentPending,
		TotalCents:    100000,
	}
	store := &fakeStore{byID: map[string]*orders.Order{"ord-3": o}}
	ledger := &fakeLedger{}
	stock := &fakeStock{}
	eng, okPub, _, allocPub := newTestEngine(t, store, ledger, stock)

	res, err := eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_dp",
		OrderID:    "ord-3",
		PaidCents:  50000,
	})
	if err != nil {
		t.Fatalf("down-payment: %v", err)
	}
	if res.Outcome != payments.OutcomeDownPayment {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if stock.allocCalls != 0 || len(allocPub.msgs) != 0 {
		t.Fatalf("down payment must not move stock")
	}
	if !o.DownPaymentPaid || o.BalancePaid {
		t.Fatalf("flags after down payment: dp=%v bp=%v", o.DownPaymentPaid, o.BalancePaid)
	}

	// Admin walks the order to PENDING_BALANCE, then the balance arrives.
	o.Status = orders.StatusPendingBalance
	res, err = eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_bal",
		OrderID:    "ord-3",
		PaidCents:  50000,
	})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if res.Outcome != payments.OutcomeRemainingBalance {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if stock.allocCalls != 1 || stock.lastMode != orders.AllocConsume {
		t.Fatalf("balance completion must consume stock")
	}
	if o.Status != orders.StatusPendingFinalVerification || !o.BalancePaid {
		t.Fatalf("order after balance: status=%s bp=%v", o.Status, o.BalancePaid)
	}
	if len(okPub.msgs) != 2 {
		t.Fatalf("expected two reconciled events, got %d", len(okPub.msgs))
	}
	if len(allocPub.msgs) != 1 {
		t.Fatalf("expected one allocated event after balance, got %d", len(allocPub.msgs))
	}
}

func TestReconcileCommitsCheckoutHold(t *testing.T) {
	o := &orders.Order{
		ID:                 "ord-4",
		Kind:               orders.KindProduct,
		OwnerID:            "user-1",
		Status:             orders.StatusProcessing,
		PaymentStatus:      orders.PaymentPending,
		TotalCents:         123200,
		PaymentSessionID:   "cs_4",
		InventoryAllocated: true,
		AllocationMode:     orders.AllocHold,
	}
	store := &fakeStore{byID: map[string]*orders.Order{"ord-4": o}}
	ledger := &fakeLedger{}
	stock := &fakeStock{}
	eng, _, _, allocPub := newTestEngine(t, store, ledger, stock)

	res, err := eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_4",
		SessionID:  "cs_4",
		PaidCents:  123200,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stock.commitCalls != 1 || stock.allocCalls != 0 {
		t.Fatalf("held stock must be committed, not re-allocated: commit=%d alloc=%d",
			stock.commitCalls, stock.allocCalls)
	}
	if !res.Allocated {
		t.Fatalf("commit must report allocated")
	}
	if o.Status != orders.StatusAccepted {
		t.Fatalf("order status = %s", o.Status)
	}
	if len(allocPub.msgs) != 1 {
		t.Fatalf("expected one allocated event, got %d", len(allocPub.msgs))
	}
	var env orders.Envelope
	if err := json.Unmarshal(allocPub.msgs[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.EventType != orders.EventInventoryAllocated {
		t.Fatalf("event type = %s", env.EventType)
	}
	var payload orders.InventoryAllocatedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OrderID != "ord-4" || payload.Mode != orders.AllocConsume {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestReconcileUnclassifiedAmount(t *testing.T) {
	o := &orders.Order{
		ID:         "ord-5",
		Kind:       orders.KindCustom,
		Status:     orders.StatusQuoteSent,
		TotalCents: 100000,
	}
	store := &fakeStore{byID: map[string]*orders.Order{"ord-5": o}}
	ledger := &fakeLedger{}
	stock := &fakeStock{}
	eng, okPub, _, _ := newTestEngine(t, store, ledger, stock)

	res, err := eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_5",
		OrderID:    "ord-5",
		PaidCents:  70000,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != payments.OutcomeUnclassified {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(store.unclassified) != 1 || store.unclassified[0] != 70000 {
		t.Fatalf("raw amount not recorded: %v", store.unclassified)
	}
	if len(store.applied) != 0 || stock.allocCalls != 0 || len(okPub.msgs) != 0 {
		t.Fatalf("unclassified must not change state")
	}
	if ledger.processed["evt_5"] != string(payments.OutcomeUnclassified) {
		t.Fatalf("ledger result = %q", ledger.processed["evt_5"])
	}
}

func TestReconcileOrderNotFound(t *testing.T) {
	store := &fakeStore{byID: map[string]*orders.Order{}}
	eng, _, _, _ := newTestEngine(t, store, &fakeLedger{}, &fakeStock{})

	_, err := eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_6",
		SessionID:  "cs_unknown",
		PaidCents:  1000,
	})
	if err != ErrOrderNotFound {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestReconcileNothingPaidYet(t *testing.T) {
	o := &orders.Order{
		ID:         "ord-7",
		Kind:       orders.KindProduct,
		Status:     orders.StatusProcessing,
		TotalCents: 50000,
	}
	store := &fakeStore{byID: map[string]*orders.Order{"ord-7": o}}
	ledger := &fakeLedger{}
	eng, okPub, _, _ := newTestEngine(t, store, ledger, &fakeStock{})

	res, err := eng.Reconcile(context.Background(), Input{
		Source:  "sync",
		OrderID: "ord-7",
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != payments.OutcomeUnclassified || len(store.applied) != 0 || len(okPub.msgs) != 0 {
		t.Fatalf("zero paid must be a no-op, got %+v", res)
	}
	if len(ledger.processed) != 0 {
		t.Fatalf("sync path has no event id to ledger: %v", ledger.processed)
	}

	// The same zero-amount delivery over the webhook carries an event id; it
	// must be ledgered so the gateway stops retrying it.
	res, err = eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_7",
		OrderID:    "ord-7",
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != payments.OutcomeUnclassified || len(store.applied) != 0 {
		t.Fatalf("zero paid must not change order state, got %+v", res)
	}
	if ledger.processed["evt_7"] != "nothing_paid" {
		t.Fatalf("ledger result = %q, want nothing_paid", ledger.processed["evt_7"])
	}

	// Redelivery of the ledgered event short-circuits.
	res, err = eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_7",
		OrderID:    "ord-7",
	})
	if err != nil || !res.Duplicate {
		t.Fatalf("redelivery: res=%+v err=%v", res, err)
	}
}

func TestReconcileResolvesSessionFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// The order carries no payment_session_id, so the Postgres scan cannot
	// find it; only the cached session mapping written at checkout can.
	o := &orders.Order{
		ID:            "ord-8",
		Kind:          orders.KindCustom,
		OwnerID:       "user-1",
		Status:        orders.StatusQuoteSent,
		PaymentStatus: orders.PaymentPending,
		TotalCents:    100000,
	}
	mr.Set(fmt.Sprintf(redisx.KeyCheckoutSession, "cs_8"), "ord-8")

	store := &fakeStore{byID: map[string]*orders.Order{"ord-8": o}}
	eng, _, _, _ := newTestEngine(t, store, &fakeLedger{}, &fakeStock{})
	eng.Redis = rdb

	res, err := eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_8",
		SessionID:  "cs_8",
		PaidCents:  100000,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != payments.OutcomeFullPayment || res.Order.ID != "ord-8" {
		t.Fatalf("res = %+v", res)
	}

	// With the cached mapping gone the same session is unresolvable.
	mr.Del(fmt.Sprintf(redisx.KeyCheckoutSession, "cs_8"))
	_, err = eng.Reconcile(context.Background(), Input{
		Source:     "webhook",
		ExternalID: "evt_9",
		SessionID:  "cs_8",
		PaidCents:  100000,
	})
	if err != ErrOrderNotFound {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}
