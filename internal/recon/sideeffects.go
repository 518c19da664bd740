package recon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/Kramxie/FundamentalApparel-sub000/internal/kafka"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
	"github.com/Kramxie/FundamentalApparel-sub000/internal/redisx"
)

// SideEffects runs the post-reconciliation work that must not sit on the
// webhook request path: cart pruning, voucher consumption, receipt rows,
// and the admin discrepancy queue. Everything here is idempotent (keyed
// deletes and upserts plus an event-id dedup) because Kafka redelivers.
type SideEffects struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
	Log   *zap.Logger
}

// HandlePaymentReconciled consumes payment.reconciled.
func (s *SideEffects) HandlePaymentReconciled(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventPaymentReconciled {
		return nil
	}
	if s.alreadyDone(ctx, orders.TopicPaymentReconciled, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentReconciledPayload](env.Payload)
	if err != nil {
		return err
	}

	productIDs := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		productIDs = append(productIDs, it.ProductID)
	}
	if len(productIDs) > 0 {
		if _, err := s.DB.Exec(ctx, `
			DELETE FROM cart_items WHERE owner_id=$1 AND product_id = ANY($2)`,
			p.OwnerID, productIDs); err != nil {
			return err
		}
	}

	if p.VoucherCode != "" {
		if _, err := s.DB.Exec(ctx, `
			UPDATE vouchers SET consumed=true, consumed_at=now()
			WHERE code=$1 AND NOT consumed`, p.VoucherCode); err != nil {
			return err
		}
	}

	// One receipt per (order, classification): a down-payment and its later
	// balance each get their own row.
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO receipts(id, order_id, owner_id, classification, amount_cents)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id, classification) DO NOTHING`,
		uuid.NewString(), p.OrderID, p.OwnerID, p.Classification, p.PaidCents); err != nil {
		return err
	}

	s.markDone(ctx, orders.TopicPaymentReconciled, env.EventID)
	s.Log.Info("post-payment side effects applied",
		zap.String("order_id", p.OrderID),
		zap.String("classification", p.Classification))
	return nil
}

// HandleAllocationRejected consumes inventory.allocation_rejected and feeds
// the admin reconciliation queue.
func (s *SideEffects) HandleAllocationRejected(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventAllocationRejected {
		return nil
	}
	if s.alreadyDone(ctx, orders.TopicAllocationRejected, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.AllocationRejectedPayload](env.Payload)
	if err != nil {
		return err
	}
	details, err := json.Marshal(p.Details)
	if err != nil {
		return err
	}
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO reconciliation_queue(order_id, reason, details)
		VALUES ($1,$2,$3)
		ON CONFLICT (order_id) DO UPDATE SET reason=$2, details=$3, updated_at=now()`,
		p.OrderID, p.Reason, details); err != nil {
		return err
	}

	s.markDone(ctx, orders.TopicAllocationRejected, env.EventID)
	s.Log.Warn("allocation discrepancy queued for admins",
		zap.String("order_id", p.OrderID),
		zap.String("reason", p.Reason))
	return nil
}

func (s *SideEffects) alreadyDone(ctx context.Context, topic, eventID string) bool {
	key := fmt.Sprintf(redisx.KeySideEffect, topic, eventID)
	exists, _ := redisx.Exists(ctx, s.Redis, key)
	return exists
}

func (s *SideEffects) markDone(ctx context.Context, topic, eventID string) {
	key := fmt.Sprintf(redisx.KeySideEffect, topic, eventID)
	_ = s.Redis.Set(ctx, key, "1", redisx.TTLSideEffect).Err()
}

// QueueEntry is one row of the admin discrepancy queue.
type QueueEntry struct {
	OrderID   string                   `json:"order_id"`
	Reason    string                   `json:"reason"`
	Details   []orders.ShortfallDetail `json:"details,omitempty"`
	Resolved  bool                     `json:"resolved"`
	CreatedAt string                   `json:"created_at"`
}

type QueueRepo struct{ DB *pgxpool.Pool }

func (r *QueueRepo) List(ctx context.Context, includeResolved bool, limit int) ([]QueueEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, reason, details, resolved, created_at::text
		FROM reconciliation_queue
		WHERE ($1 OR NOT resolved)
		ORDER BY created_at DESC LIMIT $2`, includeResolved, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueEntry
	for rows.Next() {
		var q QueueEntry
		var details []byte
		if err := rows.Scan(&q.OrderID, &q.Reason, &details, &q.Resolved, &q.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &q.Details)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *QueueRepo) Resolve(ctx context.Context, orderID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE reconciliation_queue SET resolved=true, updated_at=now() WHERE order_id=$1`, orderID)
	return err
}
