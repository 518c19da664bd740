package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type ItemInput struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size,omitempty"`
	Qty       int    `json:"qty"`
}

// FeeSpec carries the server-side pricing knobs. Client-submitted amounts
// are never trusted; everything is recomputed from the products table.
type FeeSpec struct {
	DeliveryFeeCents int64
	VATRate          decimal.Decimal
}

type Repo struct{ DB *pgxpool.Pool }

var (
	ErrNotFound      = errors.New("order not found")
	ErrBadTransition = errors.New("invalid status transition")
)

const orderColumns = `id, kind, owner_id, status, payment_status,
	subtotal_cents, delivery_fee_cents, vat_cents, total_cents,
	COALESCE(payment_session_id,''), down_payment_paid, balance_paid,
	inventory_allocated, allocation_mode, COALESCE(allocated_items,'[]'),
	needs_reconciliation, COALESCE(reconciliation_note,''), last_paid_cents,
	COALESCE(voucher_code,''), created_at, updated_at`

// CreateProductCheckout prices the cart server-side and persists the order
// plus its line items in one transaction. Status starts at PROCESSING with
// payment PENDING; the gateway session is attached afterwards.
func (r *Repo) CreateProductCheckout(ctx context.Context, ownerID string, items []ItemInput, voucherCode string, fees FeeSpec) (*Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("empty cart")
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// price from products, resolve linked inventory
	productIDs := make([]any, 0, len(items))
	params := ""
	for i, it := range items {
		if i > 0 {
			params += ","
		}
		params += fmt.Sprintf("$%d", i+1)
		productIDs = append(productIDs, it.ProductID)
	}
	rows, err := tx.Query(ctx, `
		SELECT p.id, p.name, p.price_cents, COALESCE(i.id,'')
		FROM products p
		LEFT JOIN inventories i ON i.product_id = p.id
		WHERE p.id IN (`+params+`)`, productIDs...)
	if err != nil {
		return nil, err
	}
	type priced struct {
		name        string
		priceCents  int64
		inventoryID string
	}
	prices := map[string]priced{}
	for rows.Next() {
		var id string
		var p priced
		if err := rows.Scan(&id, &p.name, &p.priceCents, &p.inventoryID); err != nil {
			return nil, err
		}
		prices[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	o := &Order{
		ID:            uuid.NewString(),
		Kind:          KindProduct,
		OwnerID:       ownerID,
		Status:        StatusProcessing,
		PaymentStatus: PaymentPending,
		VoucherCode:   voucherCode,
	}
	for _, it := range items {
		p, ok := prices[it.ProductID]
		if !ok {
			return nil, fmt.Errorf("product not found: %s", it.ProductID)
		}
		if it.Qty <= 0 {
			return nil, fmt.Errorf("invalid qty for product %s", it.ProductID)
		}
		o.SubtotalCents += p.priceCents * int64(it.Qty)
		o.Items = append(o.Items, LineItem{
			ProductID:      it.ProductID,
			InventoryID:    p.inventoryID,
			Name:           p.name,
			Size:           it.Size,
			Qty:            it.Qty,
			UnitPriceCents: p.priceCents,
		})
	}

	if voucherCode != "" {
		var discount int64
		err := tx.QueryRow(ctx, `SELECT discount_cents FROM vouchers WHERE code=$1 AND NOT consumed`, voucherCode).Scan(&discount)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if discount > o.SubtotalCents {
			discount = o.SubtotalCents
		}
		o.SubtotalCents -= discount
	}

	o.DeliveryFeeCents = fees.DeliveryFeeCents
	o.VATCents = vatCents(o.SubtotalCents, fees.VATRate)
	o.TotalCents = o.SubtotalCents + o.DeliveryFeeCents + o.VATCents

	if err := insertOrder(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// CreateCustomOrder opens a quote request. Amounts stay zero until an admin
// sends the quote.
func (r *Repo) CreateCustomOrder(ctx context.Context, ownerID string, items []LineItem) (*Order, error) {
	o := &Order{
		ID:            uuid.NewString(),
		Kind:          KindCustom,
		OwnerID:       ownerID,
		Status:        StatusPendingQuote,
		PaymentStatus: PaymentPending,
		Items:         items,
	}
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := insertOrder(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// SetQuote prices a custom order and moves it to QUOTE_SENT.
func (r *Repo) SetQuote(ctx context.Context, orderID string, subtotalCents int64, fees FeeSpec) error {
	vat := vatCents(subtotalCents, fees.VATRate)
	total := subtotalCents + fees.DeliveryFeeCents + vat
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET subtotal_cents=$2, delivery_fee_cents=$3, vat_cents=$4, total_cents=$5,
		    status=$6, updated_at=now()
		WHERE id=$1 AND kind=$7 AND status=$8`,
		orderID, subtotalCents, fees.DeliveryFeeCents, vat, total,
		StatusQuoteSent, KindCustom, StatusPendingQuote)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrBadTransition
	}
	return nil
}

func insertOrder(ctx context.Context, tx pgx.Tx, o *Order) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orders(id, kind, owner_id, status, payment_status,
			subtotal_cents, delivery_fee_cents, vat_cents, total_cents,
			voucher_code)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''))`,
		o.ID, o.Kind, o.OwnerID, o.Status, o.PaymentStatus,
		o.SubtotalCents, o.DeliveryFeeCents, o.VATCents, o.TotalCents,
		o.VoucherCode)
	if err != nil {
		return err
	}
	for _, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, inventory_id, name, size, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			o.ID, it.ProductID, it.InventoryID, it.Name, it.Size, it.Qty, it.UnitPriceCents)
		if err != nil {
			return err
		}
	}
	return nil
}

func vatCents(subtotalCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(subtotalCents).Mul(rate).Round(0).IntPart()
}

func (r *Repo) ByID(ctx context.Context, id string) (*Order, error) {
	return r.fetchOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

// ByPaymentSession correlates a gateway notification back to its order.
func (r *Repo) ByPaymentSession(ctx context.Context, sessionID string) (*Order, error) {
	return r.fetchOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_session_id=$1`, sessionID)
}

func (r *Repo) fetchOne(ctx context.Context, q string, arg any) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	items, err := r.loadItems(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

func (r *Repo) loadItems(ctx context.Context, orderID string) ([]LineItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, COALESCE(inventory_id,''), name, COALESCE(size,''), qty, unit_price_cents
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LineItem
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ProductID, &it.InventoryID, &it.Name, &it.Size, &it.Qty, &it.UnitPriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var allocated []byte
	err := row.Scan(&o.ID, &o.Kind, &o.OwnerID, &o.Status, &o.PaymentStatus,
		&o.SubtotalCents, &o.DeliveryFeeCents, &o.VATCents, &o.TotalCents,
		&o.PaymentSessionID, &o.DownPaymentPaid, &o.BalancePaid,
		&o.InventoryAllocated, &o.AllocationMode, &allocated,
		&o.NeedsReconciliation, &o.ReconciliationNote, &o.LastPaidCents,
		&o.VoucherCode, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(allocated) > 0 {
		if err := json.Unmarshal(allocated, &o.AllocatedItems); err != nil {
			return nil, fmt.Errorf("decode allocated_items: %w", err)
		}
	}
	return &o, nil
}

// SetPaymentSession attaches (or replaces) the gateway session. A custom
// order legitimately gets a second session when the balance is paid after a
// down-payment; webhook correlation always uses the latest one.
func (r *Repo) SetPaymentSession(ctx context.Context, orderID, sessionID string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET payment_session_id=$2, updated_at=now()
		WHERE id=$1`, orderID, sessionID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// ClassificationUpdate is the state delta produced by the payment
// classifier. Boolean flags only ever move forward; an empty status means
// "leave it alone".
type ClassificationUpdate struct {
	SetDownPayment    bool
	SetBalance        bool
	NextStatus        Status
	NextPaymentStatus PaymentStatus
	PaidCents         int64
}

// ApplyClassification applies the delta with an optimistic guard on the
// current status, so two deliveries racing each other collapse to one
// effective update. Applying the same delta twice is a no-op because the
// precondition state has moved on.
func (r *Repo) ApplyClassification(ctx context.Context, o *Order, u ClassificationUpdate) error {
	next := o.Status
	if u.NextStatus != "" && u.NextStatus != o.Status {
		if !CanTransition(o.Kind, o.Status, u.NextStatus) {
			// Already advanced past the target (e.g. duplicate delivery);
			// nothing to do.
			return nil
		}
		next = u.NextStatus
	}
	nextPay := o.PaymentStatus
	if u.NextPaymentStatus != "" {
		nextPay = u.NextPaymentStatus
	}

	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET down_payment_paid = down_payment_paid OR $2,
		    balance_paid      = balance_paid OR $3,
		    status            = $4,
		    payment_status    = $5,
		    last_paid_cents   = $6,
		    updated_at        = now()
		WHERE id=$1 AND status=$7`,
		o.ID, u.SetDownPayment, u.SetBalance, next, nextPay, u.PaidCents, o.Status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// Lost the race; the other path already applied an equivalent or
		// later transition.
		return nil
	}
	o.Status = next
	o.PaymentStatus = nextPay
	o.DownPaymentPaid = o.DownPaymentPaid || u.SetDownPayment
	o.BalancePaid = o.BalancePaid || u.SetBalance
	o.LastPaidCents = u.PaidCents
	return nil
}

// RecordUnclassified stores the raw amount without touching any flags and
// puts the order on the manual reconciliation queue.
func (r *Repo) RecordUnclassified(ctx context.Context, orderID string, paidCents int64) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET last_paid_cents=$2, needs_reconciliation=true,
		    reconciliation_note='unclassifiable paid amount', updated_at=now()
		WHERE id=$1`, orderID, paidCents)
	return err
}

// FlagDiscrepancy marks the money-received-but-no-stock condition.
func (r *Repo) FlagDiscrepancy(ctx context.Context, orderID, note string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET needs_reconciliation=true, reconciliation_note=$2, updated_at=now()
		WHERE id=$1`, orderID, note)
	return err
}

// UpdateStatus is the explicit user/admin lifecycle move (quote sent,
// production started, cancellation, completion after final verification).
func (r *Repo) UpdateStatus(ctx context.Context, o *Order, to Status) error {
	if !CanTransition(o.Kind, o.Status, to) {
		return ErrBadTransition
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now()
		WHERE id=$1 AND status=$3`, o.ID, to, o.Status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrBadTransition
	}
	o.Status = to
	return nil
}

// StatusDoc is the eventually-consistent read surface: nothing stronger
// than what is committed.
type StatusDoc struct {
	ID                  string        `json:"id"`
	OwnerID             string        `json:"owner_id"`
	Kind                Kind          `json:"kind"`
	LifecycleStatus     Status        `json:"lifecycle_status"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	DownPaymentPaid     bool          `json:"down_payment_paid"`
	BalancePaid         bool          `json:"balance_paid"`
	InventoryAllocated  bool          `json:"inventory_allocated"`
	NeedsReconciliation bool          `json:"needs_reconciliation"`
	TotalCents          int64         `json:"total_cents"`
}

func (r *Repo) Status(ctx context.Context, orderID string) (*StatusDoc, error) {
	var d StatusDoc
	err := r.DB.QueryRow(ctx, `
		SELECT id, owner_id, kind, status, payment_status, down_payment_paid, balance_paid,
		       inventory_allocated, needs_reconciliation, total_cents
		FROM orders WHERE id=$1`, orderID).Scan(
		&d.ID, &d.OwnerID, &d.Kind, &d.LifecycleStatus, &d.PaymentStatus, &d.DownPaymentPaid,
		&d.BalancePaid, &d.InventoryAllocated, &d.NeedsReconciliation, &d.TotalCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}
