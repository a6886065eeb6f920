package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/domain/stock"
)

const (
	getProductsByIDsSQL = `SELECT id, name, price, category, image_thumbnail
		FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, name, price, category, image_thumbnail)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
			category = EXCLUDED.category, image_thumbnail = EXCLUDED.image_thumbnail`

	// SET expressions see the old row, so is_available is computed from
	// the same value the new quantity is.
	decrementStockSQL = `UPDATE stock_counters
		SET quantity = quantity - $2, is_available = quantity - $2 > 0, updated_at = now()
		WHERE product_id = $1
		RETURNING quantity`

	readStockSQL = `SELECT quantity FROM stock_counters WHERE product_id = $1`

	readStocksSQL = `SELECT product_id, quantity FROM stock_counters WHERE product_id = ANY($1)`

	restockSQL = `INSERT INTO stock_counters (product_id, quantity, is_available, updated_at)
		VALUES ($1, $2, $2 > 0, now())
		ON CONFLICT (product_id) DO UPDATE SET quantity = EXCLUDED.quantity,
			is_available = EXCLUDED.is_available, updated_at = now()`

	getCouponByCodeSQL = `SELECT code, discount_type, value, min_items, description,
		valid_from, valid_until, single_use, max_discount
		FROM coupons WHERE UPPER(code) = UPPER($1) AND active = TRUE`

	upsertCouponSQL = `INSERT INTO coupons (code, discount_type, value, min_items, description,
			valid_from, valid_until, single_use, max_discount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value, min_items = EXCLUDED.min_items,
			description = EXCLUDED.description, valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until, single_use = EXCLUDED.single_use,
			max_discount = EXCLUDED.max_discount, active = TRUE`

	redeemCouponSQL = `INSERT INTO coupon_redemptions (user_id, code, order_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, code) DO NOTHING`

	isRedeemedSQL = `SELECT EXISTS (SELECT 1 FROM coupon_redemptions WHERE user_id = $1 AND code = $2)`
)

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ stock.Ledger       = (*StockLedger)(nil)
	_ coupon.Repository  = (*CouponRepository)(nil)
	_ coupon.Tracker     = (*RedemptionTracker)(nil)
)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Upsert inserts or replaces a catalog entry.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	_, err := r.pool.Exec(ctx, upsertProductSQL, p.ID, p.Name, p.Price, p.Category, p.Thumbnail)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Category, &p.Thumbnail)
	return p, err
}

// StockLedger implements stock.Ledger on the stock_counters table.
type StockLedger struct {
	q querier
}

// NewStockLedger returns a StockLedger that uses the given pool.
func NewStockLedger(pool *pgxpool.Pool) *StockLedger {
	return &StockLedger{q: pool}
}

// Decrement subtracts amount in a single statement. The counter may go
// negative.
func (l *StockLedger) Decrement(ctx context.Context, productID string, amount int) (int, error) {
	var left int32
	if err := l.q.QueryRow(ctx, decrementStockSQL, productID, amount).Scan(&left); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, stock.ErrUnknownProduct
		}
		return 0, fmt.Errorf("decrementing stock of %q: %w", productID, err)
	}
	return int(left), nil
}

// Read returns the current counter of a product.
func (l *StockLedger) Read(ctx context.Context, productID string) (int, error) {
	var qty int32
	if err := l.q.QueryRow(ctx, readStockSQL, productID).Scan(&qty); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, stock.ErrUnknownProduct
		}
		return 0, fmt.Errorf("reading stock of %q: %w", productID, err)
	}
	return int(qty), nil
}

// ReadMany returns the counters that exist among productIDs.
func (l *StockLedger) ReadMany(ctx context.Context, productIDs []string) (map[string]int, error) {
	rows, err := l.q.Query(ctx, readStocksSQL, productIDs)
	if err != nil {
		return nil, fmt.Errorf("reading stock: %w", err)
	}
	counters, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (stock.Counter, error) {
		var (
			c   stock.Counter
			qty int32
		)
		err := row.Scan(&c.ProductID, &qty)
		c.Quantity = int(qty)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading stock: %w", err)
	}

	out := make(map[string]int, len(counters))
	for _, c := range counters {
		out[c.ProductID] = c.Quantity
	}
	return out, nil
}

// Restock sets the counter to an absolute quantity.
func (l *StockLedger) Restock(ctx context.Context, productID string, quantity int) error {
	if _, err := l.q.Exec(ctx, restockSQL, productID, quantity); err != nil {
		return fmt.Errorf("restocking %q: %w", productID, err)
	}
	return nil
}

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up an active coupon by its code (case-insensitive).
// Returns coupon.ErrInvalidCoupon when no matching active coupon exists.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Rule, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanCouponRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrInvalidCoupon
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &rule, nil
}

// Upsert inserts or replaces a coupon and reactivates it.
func (r *CouponRepository) Upsert(ctx context.Context, rule coupon.Rule) error {
	_, err := r.pool.Exec(ctx, upsertCouponSQL,
		coupon.Normalize(rule.Code), string(rule.DiscountType), rule.Value, rule.MinItems,
		rule.Description, rule.ValidFrom, rule.ValidUntil, rule.SingleUse, rule.MaxDiscount,
	)
	if err != nil {
		return fmt.Errorf("upserting coupon %q: %w", rule.Code, err)
	}
	return nil
}

func scanCouponRule(row pgx.CollectableRow) (coupon.Rule, error) {
	var (
		rule         coupon.Rule
		discountType string
		minItems     int32
		validFrom    *time.Time
		validUntil   *time.Time
		maxDiscount  decimal.Decimal
	)
	err := row.Scan(
		&rule.Code, &discountType, &rule.Value, &minItems, &rule.Description,
		&validFrom, &validUntil, &rule.SingleUse, &maxDiscount,
	)
	rule.DiscountType = coupon.DiscountType(discountType)
	rule.MinItems = int(minItems)
	rule.ValidFrom = validFrom
	rule.ValidUntil = validUntil
	rule.MaxDiscount = maxDiscount
	return rule, err
}

// RedemptionTracker implements coupon.Tracker on coupon_redemptions. The
// primary key on (user_id, code) decides concurrent redemptions.
type RedemptionTracker struct {
	q querier
}

// NewRedemptionTracker returns a RedemptionTracker that uses the given pool.
func NewRedemptionTracker(pool *pgxpool.Pool) *RedemptionTracker {
	return &RedemptionTracker{q: pool}
}

// TryRedeem records the redemption and reports whether this call created it.
func (t *RedemptionTracker) TryRedeem(ctx context.Context, userID, code, orderID string) (bool, error) {
	tag, err := t.q.Exec(ctx, redeemCouponSQL, userID, coupon.Normalize(code), orderID)
	if err != nil {
		return false, fmt.Errorf("redeeming coupon %q: %w", code, err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsRedeemed reports whether userID already redeemed code.
func (t *RedemptionTracker) IsRedeemed(ctx context.Context, userID, code string) (bool, error) {
	var ok bool
	if err := t.q.QueryRow(ctx, isRedeemedSQL, userID, coupon.Normalize(code)).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking redemption of %q: %w", code, err)
	}
	return ok, nil
}
