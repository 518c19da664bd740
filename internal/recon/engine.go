package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/inventory"
	kafkax "github.com/Kramxie/FundamentalApparel-sub000/internal/kafka"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/payments"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/redisx"
)

type OrderStore interface {
	ByID(ctx context.Context, id string) (*orders.Order, error)
	ByPaymentSession(ctx context.Context, sessionID string) (*orders.Order, error)
	ApplyClassification(ctx context.Context, o *orders.Order, u orders.ClassificationUpdate) error
	RecordUnclassified(ctx context.Context, orderID string, paidCents int64) error
	FlagDiscrepancy(ctx context.Context, orderID, note string) error
}

type Ledger interface {
	IsProcessed(ctx context.Context, externalID string) (bool, error)
	MarkProcessed(ctx context.Context, externalID, result string) error
}

type StockMover interface {
	Allocate(ctx context.Context, o *orders.Order, mode orders.AllocationMode) (inventory.Result, error)
	CommitHold(ctx context.Context, o *orders.Order) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Engine drives the whole reconciliation pipeline: ledger check, amount
// classification, state transition, stock allocation, side-effect events.
// The webhook receiver and the fallback sync poller both enter here; the
// two at-most-once guards (external event id, order-level allocated flag)
// make redundant entry harmless.
type Engine struct {
	Orders     OrderStore
	Ledger     Ledger
	Stock      StockMover
	Classifier payments.Classifier

	Reconciled Publisher // payment.reconciled
	Rejected   Publisher // inventory.allocation_rejected
	Allocated  Publisher // inventory.allocated

	Redis   *redis.Client // dedup fast path; Postgres ledger stays the truth
	Service string
	Log     *zap.Logger
}

type Input struct {
	Source     string // "webhook" or "sync"
	ExternalID string // gateway event id; empty for sync
	SessionID  string
	OrderID    string // set on the sync path
	PaidCents  int64
	TraceID    string
}

type Result struct {
	Duplicate   bool
	Outcome     payments.Outcome
	Allocated   bool
	Discrepancy bool
	Order       *orders.Order
}

func (e *Engine) Reconcile(ctx context.Context, in Input) (Result, error) {
	if in.ExternalID != "" {
		if dup, err := e.seen(ctx, in.ExternalID); err != nil {
			return Result{}, err
		} else if dup {
			e.Log.Info("duplicate event short-circuited",
				zap.String("external_id", in.ExternalID), zap.String("source", in.Source))
			return Result{Duplicate: true}, nil
		}
	}

	o, err := e.loadOrder(ctx, in)
	if err != nil {
		return Result{}, err
	}

	// Nothing paid yet (sync before the customer finished checkout, or a
	// non-payment event type): nothing to classify. The delivery is still
	// ledgered so the gateway does not keep retrying it.
	if in.PaidCents <= 0 {
		return Result{Outcome: payments.OutcomeUnclassified, Order: o}, e.finish(ctx, in, "nothing_paid")
	}

	cls := e.Classifier.Classify(o, in.PaidCents)
	classificationsTotal.WithLabelValues(string(cls.Outcome)).Inc()

	res := Result{Outcome: cls.Outcome, Order: o}

	if cls.Outcome == payments.OutcomeUnclassified {
		e.Log.Warn("paid amount unclassifiable, queued for manual reconciliation",
			zap.String("order_id", o.ID),
			zap.Int64("paid_cents", in.PaidCents),
			zap.Int64("total_cents", o.TotalCents))
		if err := e.Orders.RecordUnclassified(ctx, o.ID, in.PaidCents); err != nil {
			return Result{}, err
		}
		return res, e.finish(ctx, in, string(cls.Outcome))
	}

	if err := e.Orders.ApplyClassification(ctx, o, cls.Update); err != nil {
		return Result{}, err
	}

	if cls.Allocate {
		allocated, discrepancy, err := e.moveStock(ctx, o)
		if err != nil {
			return Result{}, err
		}
		res.Allocated = allocated
		res.Discrepancy = discrepancy
	}

	// Side effects fire only after the stock question is settled, and never
	// when allocation failed: the discrepancy queue handles that case.
	if !res.Discrepancy {
		e.publishReconciled(ctx, o, cls, in)
	}

	result := string(cls.Outcome)
	if res.Discrepancy {
		result += ",stock_discrepancy"
	}
	return res, e.finish(ctx, in, result)
}

// moveStock performs the consume-mode movement, or finalizes a
// checkout-time hold. InsufficientStock deliberately does not roll back the
// payment classification: the customer has paid, so the order keeps its new
// payment state and the gap goes to the admin queue.
func (e *Engine) moveStock(ctx context.Context, o *orders.Order) (allocated, discrepancy bool, err error) {
	if o.InventoryAllocated {
		if o.AllocationMode == orders.AllocHold {
			if err := e.Stock.CommitHold(ctx, o); err != nil {
				return false, false, err
			}
			allocationsTotal.WithLabelValues("commit_hold", "ok").Inc()
			e.publishAllocated(ctx, o)
			return true, false, nil
		}
		return false, false, nil // consume already happened; guard held
	}

	_, err = e.Stock.Allocate(ctx, o, orders.AllocConsume)
	var insufficient *inventory.InsufficientStockError
	if errors.As(err, &insufficient) {
		allocationsTotal.WithLabelValues("consume", "insufficient_stock").Inc()
		e.Log.Error("payment received but stock unavailable",
			zap.String("order_id", o.ID),
			zap.String("shortfall", insufficient.Error()))
		note := fmt.Sprintf("allocation failed: %v", insufficient)
		if ferr := e.Orders.FlagDiscrepancy(ctx, o.ID, note); ferr != nil {
			return false, false, ferr
		}
		e.publishRejected(ctx, o.ID, insufficient)
		return false, true, nil
	}
	if err != nil {
		return false, false, err
	}
	allocationsTotal.WithLabelValues("consume", "ok").Inc()
	e.publishAllocated(ctx, o)
	return true, false, nil
}

func (e *Engine) loadOrder(ctx context.Context, in Input) (*orders.Order, error) {
	if in.OrderID != "" {
		o, err := e.Orders.ByID(ctx, in.OrderID)
		if errors.Is(err, orders.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return o, err
	}
	// Checkout wrote session_id -> order_id to redis; resolving through it
	// skips the payment_session_id scan. A miss falls through to Postgres.
	if e.Redis != nil && in.SessionID != "" {
		skey := fmt.Sprintf(redisx.KeyCheckoutSession, in.SessionID)
		if orderID, err := e.Redis.Get(ctx, skey).Result(); err == nil && orderID != "" {
			o, err := e.Orders.ByID(ctx, orderID)
			if err == nil {
				return o, nil
			}
			if !errors.Is(err, orders.ErrNotFound) {
				return nil, err
			}
		}
	}
	o, err := e.Orders.ByPaymentSession(ctx, in.SessionID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (e *Engine) seen(ctx context.Context, externalID string) (bool, error) {
	if e.Redis != nil {
		dkey := fmt.Sprintf(redisx.KeyDedup, "recon", externalID)
		if exists, _ := redisx.Exists(ctx, e.Redis, dkey); exists {
			return true, nil
		}
	}
	return e.Ledger.IsProcessed(ctx, externalID)
}

func (e *Engine) finish(ctx context.Context, in Input, result string) error {
	if in.ExternalID == "" {
		return nil
	}
	if err := e.Ledger.MarkProcessed(ctx, in.ExternalID, result); err != nil {
		return err
	}
	if e.Redis != nil {
		dkey := fmt.Sprintf(redisx.KeyDedup, "recon", in.ExternalID)
		_ = e.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	}
	return nil
}

func (e *Engine) publishReconciled(ctx context.Context, o *orders.Order, cls payments.Classification, in Input) {
	if e.Reconciled == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventPaymentReconciled,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Service,
		TraceID:       in.TraceID,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(orders.PaymentReconciledPayload{
			OrderID:        o.ID,
			OwnerID:        o.OwnerID,
			Kind:           o.Kind,
			Classification: string(cls.Outcome),
			PaidCents:      in.PaidCents,
			VoucherCode:    o.VoucherCode,
			Items:          o.Items,
		}),
	}
	e.Reconciled.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventPaymentReconciled)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (e *Engine) publishAllocated(ctx context.Context, o *orders.Order) {
	if e.Allocated == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventInventoryAllocated,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Service,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(orders.InventoryAllocatedPayload{
			OrderID: o.ID,
			Mode:    o.AllocationMode,
			Items:   o.AllocatedItems,
		}),
	}
	e.Allocated.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventInventoryAllocated)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (e *Engine) publishRejected(ctx context.Context, orderID string, insufficient *inventory.InsufficientStockError) {
	if e.Rejected == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventAllocationRejected,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Service,
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.AllocationRejectedPayload{
			OrderID: orderID,
			Reason:  "OUT_OF_STOCK",
			Details: insufficient.Details,
		}),
	}
	e.Rejected.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventAllocationRejected)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
