package inventory

import "time"

// SizeOneSize is the bucket for items that do not track sizes. The per-size
// invariant (sum of size counts == aggregate quantity) holds either way.
const SizeOneSize = "one_size"

type StockStatus string

const (
	StatusInStock    StockStatus = "in_stock"
	StatusLowStock   StockStatus = "low_stock"
	StatusOutOfStock StockStatus = "out_of_stock"
)

type Item struct {
	ID                string         `json:"id"`
	ProductID         string         `json:"product_id,omitempty"`
	Name              string         `json:"name"`
	Quantity          int            `json:"quantity"`
	Reserved          int            `json:"reserved"`
	Sizes             map[string]int `json:"sizes"`
	ReservedSizes     map[string]int `json:"reserved_sizes"`
	LowStockThreshold int            `json:"low_stock_threshold"`
	Status            StockStatus    `json:"status"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// StatusFor derives the stock badge from the aggregate count.
func StatusFor(quantity, threshold int) StockStatus {
	switch {
	case quantity <= 0:
		return StatusOutOfStock
	case quantity <= threshold:
		return StatusLowStock
	default:
		return StatusInStock
	}
}

type TransactionKind string

const (
	KindAllocate TransactionKind = "allocate"
	KindRelease  TransactionKind = "release"
	KindRestore  TransactionKind = "restore"
	KindAdjust   TransactionKind = "adjust"
)

// Transaction is one row of the append-only movement ledger. Rows are never
// mutated; manual reversals read them back.
type Transaction struct {
	ID          string          `json:"id"`
	InventoryID string          `json:"inventory_id"`
	OrderID     string          `json:"order_id,omitempty"`
	SignedQty   int             `json:"signed_qty"` // negative = allocate, positive = release/restore
	Kind        TransactionKind `json:"kind"`
	Sizes       map[string]int  `json:"sizes,omitempty"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
