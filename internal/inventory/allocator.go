package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
)

// InsufficientStockError names every size that could not cover the request.
// The whole allocation is aborted; no partial decrement is ever committed.
type InsufficientStockError struct {
	Details []orders.ShortfallDetail
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s/%s need %d have %d", d.InventoryID, d.Size, d.Required, d.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

var (
	ErrNotHeld      = errors.New("order has no hold-mode allocation")
	ErrItemNotFound = errors.New("inventory item not found")
)

type Result struct {
	Allocated        bool
	AlreadyAllocated bool
	Mode             orders.AllocationMode
	Items            []orders.AllocatedItem
}

// Allocator moves stock through atomic transactions. Row locks on the
// inventories table (taken in sorted id order) are the only synchronization;
// no gateway call ever happens inside one of these transactions.
type Allocator struct {
	DB  *pgxpool.Pool
	Log *zap.Logger
}

// Allocate converts an order's line items into per-size stock decrements,
// all-or-nothing, guarded by the order's inventory_allocated flag. Calling
// it again for the same order is a no-op returning the recorded snapshot.
// Hold mode parks the decremented stock in reserved; consume is final.
func (a *Allocator) Allocate(ctx context.Context, o *orders.Order, mode orders.AllocationMode) (Result, error) {
	breakdown, err := BreakdownFromItems(o.Items)
	if err != nil {
		return Result{}, err
	}
	if len(breakdown) == 0 {
		return Result{}, nil
	}

	tx, err := a.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the order row first: the allocated flag is the at-most-once guard
	// against webhook vs. manual-sync races.
	var allocated bool
	var recordedMode orders.AllocationMode
	var snapshot []byte
	err = tx.QueryRow(ctx, `
		SELECT inventory_allocated, allocation_mode, COALESCE(allocated_items,'[]')
		FROM orders WHERE id=$1 FOR UPDATE`, o.ID).Scan(&allocated, &recordedMode, &snapshot)
	if err != nil {
		return Result{}, err
	}
	if allocated {
		var items []orders.AllocatedItem
		_ = json.Unmarshal(snapshot, &items)
		return Result{AlreadyAllocated: true, Mode: recordedMode, Items: items}, nil
	}

	var shortfalls []orders.ShortfallDetail
	type invState struct {
		newQty    int
		threshold int
		productID string
	}
	states := map[string]invState{}

	for _, invID := range breakdown.InventoryIDs() {
		var qty, reserved, threshold int
		var productID string
		err := tx.QueryRow(ctx, `
			SELECT quantity, reserved, low_stock_threshold, COALESCE(product_id,'')
			FROM inventories WHERE id=$1 FOR UPDATE`, invID).Scan(&qty, &reserved, &threshold, &productID)
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, fmt.Errorf("%w: %s", ErrItemNotFound, invID)
		}
		if err != nil {
			return Result{}, err
		}

		for size, need := range breakdown[invID] {
			var have int
			err := tx.QueryRow(ctx, `
				SELECT quantity FROM inventory_sizes
				WHERE inventory_id=$1 AND size=$2 FOR UPDATE`, invID, size).Scan(&have)
			if errors.Is(err, pgx.ErrNoRows) {
				have = 0
			} else if err != nil {
				return Result{}, err
			}
			if have < need {
				shortfalls = append(shortfalls, orders.ShortfallDetail{
					InventoryID: invID, Size: size, Required: need, Available: have,
				})
			}
		}
		states[invID] = invState{newQty: qty - breakdown.totalFor(invID), threshold: threshold, productID: productID}
	}

	if len(shortfalls) > 0 {
		return Result{}, &InsufficientStockError{Details: shortfalls} // rollback via defer
	}

	hold := mode == orders.AllocHold
	for _, invID := range breakdown.InventoryIDs() {
		total := breakdown.totalFor(invID)
		for size, need := range breakdown[invID] {
			ct, err := tx.Exec(ctx, `
				UPDATE inventory_sizes
				SET quantity = quantity - $3,
				    reserved = reserved + CASE WHEN $4 THEN $3 ELSE 0 END
				WHERE inventory_id=$1 AND size=$2 AND quantity >= $3`,
				invID, size, need, hold)
			if err != nil {
				return Result{}, err
			}
			if ct.RowsAffected() != 1 {
				// Guarded decrement failed despite the lock; abort rather
				// than commit a partial movement.
				return Result{}, &InsufficientStockError{Details: []orders.ShortfallDetail{
					{InventoryID: invID, Size: size, Required: need},
				}}
			}
		}
		st := states[invID]
		_, err := tx.Exec(ctx, `
			UPDATE inventories
			SET quantity = quantity - $2,
			    reserved = reserved + CASE WHEN $3 THEN $2 ELSE 0 END,
			    status = $4, updated_at = now()
			WHERE id=$1`,
			invID, total, hold, StatusFor(st.newQty, st.threshold))
		if err != nil {
			return Result{}, err
		}
		if err := appendTransaction(ctx, tx, Transaction{
			InventoryID: invID,
			OrderID:     o.ID,
			SignedQty:   -total,
			Kind:        KindAllocate,
			Sizes:       breakdown[invID],
			Note:        string(mode),
		}); err != nil {
			return Result{}, err
		}
		if err := resyncProduct(ctx, tx, st.productID, st.newQty); err != nil {
			return Result{}, err
		}
	}

	items := breakdown.Snapshot()
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return Result{}, err
	}
	// Same transaction as the decrements: a crash cannot leave stock moved
	// without the guard set.
	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET inventory_allocated=true, allocation_mode=$2, allocated_items=$3, updated_at=now()
		WHERE id=$1`, o.ID, mode, itemsJSON)
	if err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}

	o.InventoryAllocated = true
	o.AllocationMode = mode
	o.AllocatedItems = items
	a.Log.Info("inventory allocated",
		zap.String("order_id", o.ID),
		zap.String("mode", string(mode)),
		zap.Int("inventories", len(items)))
	return Result{Allocated: true, Mode: mode, Items: items}, nil
}

// CommitHold finalizes a checkout-time hold once payment completes: the
// reserved counts are drained, stock itself was already decremented.
func (a *Allocator) CommitHold(ctx context.Context, o *orders.Order) error {
	tx, err := a.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	items, err := lockHeldOrder(ctx, tx, o.ID)
	if err != nil {
		return err
	}
	for _, it := range items {
		for size, q := range it.Sizes {
			if _, err := tx.Exec(ctx, `
				UPDATE inventory_sizes SET reserved = GREATEST(reserved - $3, 0)
				WHERE inventory_id=$1 AND size=$2`, it.InventoryID, size, q); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE inventories SET reserved = GREATEST(reserved - $2, 0), updated_at=now()
			WHERE id=$1`, it.InventoryID, it.Qty); err != nil {
			return err
		}
		if err := appendTransaction(ctx, tx, Transaction{
			InventoryID: it.InventoryID,
			OrderID:     o.ID,
			SignedQty:   0,
			Kind:        KindAdjust,
			Sizes:       it.Sizes,
			Note:        "hold committed on payment",
		}); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET allocation_mode=$2, updated_at=now() WHERE id=$1`,
		o.ID, orders.AllocConsume); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.AllocationMode = orders.AllocConsume
	return nil
}

// Release compensates a hold-mode allocation (cart abandoned, order
// cancelled before payment): stock goes back, a release row is appended.
func (a *Allocator) Release(ctx context.Context, orderID string) error {
	tx, err := a.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	items, err := lockHeldOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	for _, it := range items {
		var threshold int
		var productID string
		var qty int
		err := tx.QueryRow(ctx, `
			SELECT quantity, low_stock_threshold, COALESCE(product_id,'')
			FROM inventories WHERE id=$1 FOR UPDATE`, it.InventoryID).Scan(&qty, &threshold, &productID)
		if err != nil {
			return err
		}
		for size, q := range it.Sizes {
			if _, err := tx.Exec(ctx, `
				UPDATE inventory_sizes
				SET quantity = quantity + $3, reserved = GREATEST(reserved - $3, 0)
				WHERE inventory_id=$1 AND size=$2`, it.InventoryID, size, q); err != nil {
				return err
			}
		}
		newQty := qty + it.Qty
		if _, err := tx.Exec(ctx, `
			UPDATE inventories
			SET quantity = quantity + $2, reserved = GREATEST(reserved - $2, 0),
			    status=$3, updated_at=now()
			WHERE id=$1`, it.InventoryID, it.Qty, StatusFor(newQty, threshold)); err != nil {
			return err
		}
		if err := appendTransaction(ctx, tx, Transaction{
			InventoryID: it.InventoryID,
			OrderID:     orderID,
			SignedQty:   it.Qty,
			Kind:        KindRelease,
			Sizes:       it.Sizes,
		}); err != nil {
			return err
		}
		if err := resyncProduct(ctx, tx, productID, newQty); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET allocation_mode=$2, updated_at=now() WHERE id=$1`,
		orderID, orders.AllocReleased); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	a.Log.Info("hold released", zap.String("order_id", orderID))
	return nil
}

// Restock is the explicit admin path for adding stock back.
func (a *Allocator) Restock(ctx context.Context, inventoryID, size string, qty int, note string) error {
	if qty <= 0 {
		return fmt.Errorf("restock qty must be positive")
	}
	if size == "" {
		size = SizeOneSize
	}
	tx, err := a.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var curQty, threshold int
	var productID string
	err = tx.QueryRow(ctx, `
		SELECT quantity, low_stock_threshold, COALESCE(product_id,'')
		FROM inventories WHERE id=$1 FOR UPDATE`, inventoryID).Scan(&curQty, &threshold, &productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrItemNotFound, inventoryID)
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO inventory_sizes(inventory_id, size, quantity, reserved)
		VALUES ($1,$2,$3,0)
		ON CONFLICT (inventory_id, size) DO UPDATE SET quantity = inventory_sizes.quantity + $3`,
		inventoryID, size, qty); err != nil {
		return err
	}
	newQty := curQty + qty
	if _, err := tx.Exec(ctx, `
		UPDATE inventories SET quantity=$2, status=$3, updated_at=now() WHERE id=$1`,
		inventoryID, newQty, StatusFor(newQty, threshold)); err != nil {
		return err
	}
	if err := appendTransaction(ctx, tx, Transaction{
		InventoryID: inventoryID,
		SignedQty:   qty,
		Kind:        KindRestore,
		Sizes:       map[string]int{size: qty},
		Note:        note,
	}); err != nil {
		return err
	}
	if err := resyncProduct(ctx, tx, productID, newQty); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockHeldOrder(ctx context.Context, tx pgx.Tx, orderID string) ([]orders.AllocatedItem, error) {
	var allocated bool
	var mode orders.AllocationMode
	var snapshot []byte
	err := tx.QueryRow(ctx, `
		SELECT inventory_allocated, allocation_mode, COALESCE(allocated_items,'[]')
		FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&allocated, &mode, &snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !allocated || mode != orders.AllocHold {
		return nil, ErrNotHeld
	}
	var items []orders.AllocatedItem
	if err := json.Unmarshal(snapshot, &items); err != nil {
		return nil, fmt.Errorf("decode allocated_items: %w", err)
	}
	return items, nil
}

func appendTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error {
	sizes, err := json.Marshal(t.Sizes)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO inventory_transactions(id, inventory_id, order_id, signed_qty, kind, sizes, note)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,NULLIF($7,''))`,
		uuid.NewString(), t.InventoryID, t.OrderID, t.SignedQty, t.Kind, sizes, t.Note)
	return err
}

func resyncProduct(ctx context.Context, tx pgx.Tx, productID string, countInStock int) error {
	if productID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE products SET count_in_stock=$2, updated_at=now() WHERE id=$1`,
		productID, countInStock)
	return err
}

// ListTransactions is the audit read path for manual reconciliation.
func (a *Allocator) ListTransactions(ctx context.Context, inventoryID, orderID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := a.DB.Query(ctx, `
		SELECT id, inventory_id, COALESCE(order_id,''), signed_qty, kind, sizes, COALESCE(note,''), created_at
		FROM inventory_transactions
		WHERE ($1='' OR inventory_id=$1) AND ($2='' OR order_id=$2)
		ORDER BY created_at DESC LIMIT $3`, inventoryID, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var sizes []byte
		if err := rows.Scan(&t.ID, &t.InventoryID, &t.OrderID, &t.SignedQty, &t.Kind, &sizes, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(sizes) > 0 {
			_ = json.Unmarshal(sizes, &t.Sizes)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
