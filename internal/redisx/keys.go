package redisx

import "time"

const (
	// Dedup of webhook/sync processing: dedup:{service}:{id} (id = gateway event id)
	KeyDedup = "dedup:%s:%s"

	// Cache of order status docs: order_status:{order_id} -> {"lifecycle_status":...,"payment_status":...}
	KeyOrderStatus = "order_status:%s"

	// Checkout reference by gateway session id: checkout:session:{session_id} -> order_id.
	// Shared across instances; replaces any process-local map.
	KeyCheckoutSession = "checkout:session:%s"

	// Idempotent worker side effects: sideeffect:{topic}:{event_id}
	KeySideEffect = "sideeffect:%s:%s"
)

var (
	TTLDedup           = 48 * time.Hour
	TTLStatusCache     = 5 * time.Minute
	TTLCheckoutSession = 24 * time.Hour
	TTLSideEffect      = 48 * time.Hour
)
