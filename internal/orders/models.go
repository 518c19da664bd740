package orders

import "time"

// Kind distinguishes the two order variants. Product orders come from the
// catalog cart; custom orders are quoted apparel jobs with an optional 50%
// down-payment flow.
type Kind string

const (
	KindProduct Kind = "product"
	KindCustom  Kind = "custom"
)

// AllocationMode records how stock was moved for this order.
// hold     - stock decremented into reserved (checkout-time)
// consume  - final decrement (post-payment)
// released - a hold that was compensated back
type AllocationMode string

const (
	AllocNone     AllocationMode = ""
	AllocHold     AllocationMode = "hold"
	AllocConsume  AllocationMode = "consume"
	AllocReleased AllocationMode = "released"
)

type Order struct {
	ID      string
	Kind    Kind
	OwnerID string

	Status        Status
	PaymentStatus PaymentStatus

	SubtotalCents    int64
	DeliveryFeeCents int64
	VATCents         int64
	TotalCents       int64

	// Gateway checkout-session id; the correlation key for webhook events.
	PaymentSessionID string

	DownPaymentPaid bool
	BalancePaid     bool

	InventoryAllocated bool
	AllocationMode     AllocationMode
	AllocatedItems     []AllocatedItem

	// Set when money arrived but stock could not be moved, or when a paid
	// amount matched no band. Surfaced on the admin reconciliation queue.
	NeedsReconciliation bool
	ReconciliationNote  string

	// Last raw paid amount that could not be classified.
	LastPaidCents int64

	VoucherCode string

	Items []LineItem

	CreatedAt time.Time
	UpdatedAt time.Time
}

type LineItem struct {
	ProductID      string `json:"product_id"`
	InventoryID    string `json:"inventory_id"`
	Name           string `json:"name"`
	Size           string `json:"size,omitempty"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// AllocatedItem is the per-inventory snapshot written when stock moves.
type AllocatedItem struct {
	InventoryID string         `json:"inventory_id"`
	Sizes       map[string]int `json:"sizes"`
	Qty         int            `json:"qty"`
}
