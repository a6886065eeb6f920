package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/stock"
)

const orderColumns = `id, remote_order_id, payment_session_id, status, line_items,
	subtotal, discount, total, currency, coupon_code, coupon_single_use,
	customer_id, customer_email, customer_name, customer_phone, shipping_address,
	payment_id, tracking_link, claimed_effects, created_at, expires_at, settled_at`

const (
	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByRemoteIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE remote_order_id = $1`

	lockOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	updateOrderPaymentSQL = `UPDATE orders
		SET status = $2, payment_id = $3, tracking_link = $4, settled_at = $5, updated_at = now()
		WHERE id = $1`

	claimEffectSQL = `UPDATE orders
		SET claimed_effects = array_append(claimed_effects, $2::text), updated_at = now()
		WHERE id = $1 AND NOT ($2::text = ANY (claimed_effects))`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store backed by PostgreSQL. Transitions lock
// the order row with SELECT ... FOR UPDATE.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create persists a new order. Line items and the shipping address are
// serialized to JSON for the JSONB columns.
func (s *OrderStore) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	addressJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}

	effects := make([]string, len(o.ClaimedEffects))
	for i, e := range o.ClaimedEffects {
		effects[i] = string(e)
	}

	_, err = s.pool.Exec(ctx, createOrderSQL,
		o.ID, o.RemoteOrderID, o.PaymentSessionID, string(o.Status), itemsJSON,
		o.Subtotal, o.Discount, o.Total, o.Currency, o.CouponCode, o.CouponSingleUse,
		o.Customer.ID, o.Customer.Email, o.Customer.Name, o.Customer.Phone, addressJSON,
		o.PaymentID, o.TrackingLink, effects, o.CreatedAt, o.ExpiresAt, o.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns an order by its id.
func (s *OrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	return queryOrder(ctx, s.pool, getOrderSQL, id)
}

// GetByRemoteID returns the order created for a gateway order id.
func (s *OrderStore) GetByRemoteID(ctx context.Context, remoteOrderID string) (*order.Order, error) {
	return queryOrder(ctx, s.pool, getOrderByRemoteIDSQL, remoteOrderID)
}

// Transition implements order.Store. Stock and redemption writes made via
// the Tx share the order's database transaction.
func (s *OrderStore) Transition(ctx context.Context, id string, fn order.TransitionFunc) (*order.Order, bool, error) {
	var (
		result  *order.Order
		applied bool
	)
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		current, err := queryOrder(ctx, tx, lockOrderSQL, id)
		if err != nil {
			return err
		}

		next, err := fn(ctx, orderTx{q: tx}, current)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		if _, err := tx.Exec(ctx, updateOrderPaymentSQL,
			id, string(next.Status), next.PaymentID, next.TrackingLink, next.SettledAt,
		); err != nil {
			return fmt.Errorf("updating order %q: %w", id, err)
		}

		stored := current.Clone()
		stored.Status = next.Status
		stored.PaymentID = next.PaymentID
		stored.TrackingLink = next.TrackingLink
		stored.SettledAt = next.SettledAt
		result, applied = stored, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

// ClaimEffect implements order.Store.
func (s *OrderStore) ClaimEffect(ctx context.Context, id string, e order.Effect) (bool, error) {
	tag, err := s.pool.Exec(ctx, claimEffectSQL, id, string(e))
	if err != nil {
		return false, fmt.Errorf("claiming %s for order %q: %w", e, id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking order %q: %w", id, err)
	}
	if !exists {
		return false, order.ErrNotFound
	}
	return false, nil
}

// orderTx routes ledger and tracker calls through the transition's pgx.Tx.
type orderTx struct {
	q querier
}

func (t orderTx) Stock() stock.Ledger         { return &StockLedger{q: t.q} }
func (t orderTx) Redemptions() coupon.Tracker { return &RedemptionTracker{q: t.q} }

func queryOrder(ctx context.Context, q querier, sql, arg string) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	return o, nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o           order.Order
		status      string
		itemsJSON   []byte
		addressJSON []byte
		effects     []string
		settledAt   *time.Time
	)
	err := row.Scan(
		&o.ID, &o.RemoteOrderID, &o.PaymentSessionID, &status, &itemsJSON,
		&o.Subtotal, &o.Discount, &o.Total, &o.Currency, &o.CouponCode, &o.CouponSingleUse,
		&o.Customer.ID, &o.Customer.Email, &o.Customer.Name, &o.Customer.Phone, &addressJSON,
		&o.PaymentID, &o.TrackingLink, &effects, &o.CreatedAt, &o.ExpiresAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if err := json.Unmarshal(addressJSON, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshaling shipping address: %w", err)
	}

	o.Status = order.Status(status)
	o.SettledAt = settledAt
	o.ClaimedEffects = make([]order.Effect, len(effects))
	for i, e := range effects {
		o.ClaimedEffects[i] = order.Effect(e)
	}
	return &o, nil
}
