package inventory

import (
	"reflect"
	"testing"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
)

func TestBreakdownFromItems(t *testing.T) {
	items := []orders.LineItem{
		{ProductID: "p1", InventoryID: "inv-a", Size: "m", Qty: 2},
		{ProductID: "p1", InventoryID: "inv-a", Size: "m", Qty: 1},
		{ProductID: "p2", InventoryID: "inv-a", Size: "l", Qty: 1},
		{ProductID: "p3", InventoryID: "inv-b", Qty: 4},
		{ProductID: "custom-fabric", InventoryID: "", Qty: 1},
	}
	b, err := BreakdownFromItems(items)
	if err != nil {
		t.Fatalf("BreakdownFromItems: %v", err)
	}

	want := Breakdown{
		"inv-a": {"m": 3, "l": 1},
		"inv-b": {SizeOneSize: 4},
	}
	if !reflect.DeepEqual(b, want) {
		t.Fatalf("breakdown = %v, want %v", b, want)
	}

	if ids := b.InventoryIDs(); !reflect.DeepEqual(ids, []string{"inv-a", "inv-b"}) {
		t.Fatalf("ids = %v", ids)
	}
	if b.totalFor("inv-a") != 4 {
		t.Fatalf("totalFor(inv-a) = %d", b.totalFor("inv-a"))
	}
}

func TestBreakdownRejectsNonPositiveQty(t *testing.T) {
	_, err := BreakdownFromItems([]orders.LineItem{
		{ProductID: "p1", InventoryID: "inv-a", Size: "m", Qty: 0},
	})
	if err == nil {
		t.Fatalf("zero qty must be rejected")
	}
}

func TestBreakdownSnapshotRoundTrip(t *testing.T) {
	b := Breakdown{
		"inv-b": {SizeOneSize: 2},
		"inv-a": {"s": 1, "m": 2},
	}
	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	// Deterministic ordering by inventory id.
	if snap[0].InventoryID != "inv-a" || snap[1].InventoryID != "inv-b" {
		t.Fatalf("snapshot order: %v", snap)
	}
	if snap[0].Qty != 3 || snap[1].Qty != 2 {
		t.Fatalf("snapshot totals: %v", snap)
	}
	if snap[0].Sizes["m"] != 2 || snap[1].Sizes[SizeOneSize] != 2 {
		t.Fatalf("snapshot sizes: %v", snap)
	}
}
