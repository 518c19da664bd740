package inventory

import (
	"fmt"
	"sort"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
)

// Breakdown maps inventory id -> size -> quantity to move.
type Breakdown map[string]map[string]int

// BreakdownFromItems folds order line items into per-inventory, per-size
// quantities. Items without a linked inventory record are skipped (custom
// jobs sourcing their own material); sizeless items land in the one_size
// bucket. Quantities must be positive.
func BreakdownFromItems(items []orders.LineItem) (Breakdown, error) {
	b := Breakdown{}
	for _, it := range items {
		if it.InventoryID == "" {
			continue
		}
		if it.Qty <= 0 {
			return nil, fmt.Errorf("invalid qty %d for inventory %s", it.Qty, it.InventoryID)
		}
		size := it.Size
		if size == "" {
			size = SizeOneSize
		}
		if b[it.InventoryID] == nil {
			b[it.InventoryID] = map[string]int{}
		}
		b[it.InventoryID][size] += it.Qty
	}
	return b, nil
}

// InventoryIDs returns the keys in a stable order so row locks are always
// taken in the same sequence.
func (b Breakdown) InventoryIDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b Breakdown) totalFor(inventoryID string) int {
	n := 0
	for _, q := range b[inventoryID] {
		n += q
	}
	return n
}

// Snapshot converts the breakdown into the allocated_items form stored on
// the order.
func (b Breakdown) Snapshot() []orders.AllocatedItem {
	out := make([]orders.AllocatedItem, 0, len(b))
	for _, id := range b.InventoryIDs() {
		sizes := map[string]int{}
		for s, q := range b[id] {
			sizes[s] = q
		}
		out = append(out, orders.AllocatedItem{InventoryID: id, Sizes: sizes, Qty: b.totalFor(id)})
	}
	return out
}
