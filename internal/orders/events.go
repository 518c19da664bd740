package orders

import (
	"encoding/json"
	"time"
)

const (
	EventPaymentReconciled  = "PaymentReconciled"
	EventAllocationRejected = "AllocationRejected"
	EventInventoryAllocated = "InventoryAllocated"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- Payload types per event ----

// PaymentReconciledPayload drives the post-payment side effects: cart
// pruning, voucher consumption, receipt creation.
type PaymentReconciledPayload struct {
	OrderID        string     `json:"order_id"`
	OwnerID        string     `json:"owner_id"`
	Kind           Kind       `json:"kind"`
	Classification string     `json:"classification"`
	PaidCents      int64      `json:"paid_cents"`
	VoucherCode    string     `json:"voucher_code,omitempty"`
	Items          []LineItem `json:"items"`
}

// AllocationRejectedPayload lands on the admin reconciliation queue:
// money arrived but stock could not be moved.
type AllocationRejectedPayload struct {
	OrderID string            `json:"order_id"`
	Reason  string            `json:"reason"`
	Details []ShortfallDetail `json:"details,omitempty"`
}

type ShortfallDetail struct {
	InventoryID string `json:"inventory_id"`
	Size        string `json:"size"`
	Required    int    `json:"required"`
	Available   int    `json:"available"`
}

type InventoryAllocatedPayload struct {
	OrderID string          `json:"order_id"`
	Mode    AllocationMode  `json:"mode"`
	Items   []AllocatedItem `json:"items"`
}
