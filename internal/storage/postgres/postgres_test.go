//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/customer"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/domain/stock"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("shop"),
		tcpostgres.WithUsername("shop"),
		tcpostgres.WithPassword("shop"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(pool))
	// Applying twice is a no-op.
	require.NoError(t, RunMigrations(pool))
	return pool
}

func seedCatalog(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	products := NewProductRepository(pool)
	ledger := NewStockLedger(pool)

	require.NoError(t, products.Upsert(ctx, product.Product{ID: "A", Name: "Linen Shirt", Price: decimal.NewFromInt(500)}))
	require.NoError(t, products.Upsert(ctx, product.Product{ID: "B", Name: "Canvas Tote", Price: decimal.RequireFromString("199.99")}))
	require.NoError(t, ledger.Restock(ctx, "A", 10))
	require.NoError(t, ledger.Restock(ctx, "B", 1))
	require.NoError(t, NewCouponRepository(pool).Upsert(ctx, coupon.Rule{
		Code:         "welcome5",
		DiscountType: coupon.DiscountPercentage,
		Value:        decimal.NewFromInt(5),
		SingleUse:    true,
	}))
}

func newOrder(id string) *order.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &order.Order{
		ID:            id,
		RemoteOrderID: "remote-" + id,
		Status:        order.StatusUnsettled,
		Items: []order.LineItem{
			{ProductID: "A", Name: "Linen Shirt", Size: "M", Quantity: 2, UnitPrice: decimal.NewFromInt(500)},
		},
		Subtotal:        decimal.NewFromInt(1000),
		Discount:        decimal.NewFromInt(50),
		Total:           decimal.NewFromInt(950),
		Currency:        "INR",
		CouponCode:      "WELCOME5",
		CouponSingleUse: true,
		Customer:        customer.Ref{ID: "u1", Email: "u1@example.com", Name: "Ann"},
		ShippingAddress: order.Address{Line1: "1 Main St", City: "Pune", PostalCode: "411001", Country: "IN"},
		ClaimedEffects:  []order.Effect{},
		CreatedAt:       now,
		ExpiresAt:       now.Add(15 * time.Minute),
	}
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	seedCatalog(t, pool)

	products, err := NewProductRepository(pool).GetByIDs(ctx, []string{"A", "B", "missing"})
	require.NoError(t, err)
	assert.Len(t, products, 2)

	ledger := NewStockLedger(pool)
	counters, err := ledger.ReadMany(ctx, []string{"A", "B", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 10, "B": 1}, counters)

	_, err = ledger.Decrement(ctx, "missing", 1)
	require.ErrorIs(t, err, stock.ErrUnknownProduct)

	rule, err := NewCouponRepository(pool).FindByCode(ctx, "Welcome5")
	require.NoError(t, err)
	assert.Equal(t, "WELCOME5", rule.Code)
	assert.True(t, rule.SingleUse)

	_, err = NewCouponRepository(pool).FindByCode(ctx, "NOPE")
	require.ErrorIs(t, err, coupon.ErrInvalidCoupon)
}

func TestStockLedger_ConcurrentDecrementGoesNegative(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	seedCatalog(t, pool)
	ledger := NewStockLedger(pool)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Decrement(ctx, "B", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	qty, err := ledger.Read(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, -2, qty)
}

func TestOrderStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	store := NewOrderStore(pool)

	o := newOrder("o1")
	require.NoError(t, store.Create(ctx, o))

	got, err := store.GetByRemoteID(ctx, "remote-o1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.Items[0].ProductID, got.Items[0].ProductID)
	assert.True(t, o.Items[0].UnitPrice.Equal(got.Items[0].UnitPrice))
	assert.True(t, o.Total.Equal(got.Total))
	assert.Equal(t, o.ShippingAddress, got.ShippingAddress)
	assert.Equal(t, o.Customer, got.Customer)
	assert.Empty(t, got.ClaimedEffects)
	assert.Nil(t, got.SettledAt)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderStore_TransitionIsSerializedAndAtomic(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	seedCatalog(t, pool)
	store := NewOrderStore(pool)
	require.NoError(t, store.Create(ctx, newOrder("o1")))

	pay := func(ctx context.Context, tx order.Tx, current *order.Order) (*order.Order, error) {
		if current.Status == order.StatusPaid {
			return nil, nil
		}
		if _, err := tx.Redemptions().TryRedeem(ctx, current.Customer.ID, current.CouponCode, current.ID); err != nil {
			return nil, err
		}
		for _, item := range current.Items {
			if _, err := tx.Stock().Decrement(ctx, item.ProductID, item.Quantity); err != nil {
				return nil, err
			}
		}
		next := current.Clone()
		next.Status = order.StatusPaid
		next.PaymentID = "pay-1"
		now := time.Now()
		next.SettledAt = &now
		return next, nil
	}

	var (
		wg      sync.WaitGroup
		applied atomic.Int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Transition(ctx, "o1", pay)
			if assert.NoError(t, err) && ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())
	qty, err := NewStockLedger(pool).Read(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 8, qty)
	redeemed, err := NewRedemptionTracker(pool).IsRedeemed(ctx, "u1", "welcome5")
	require.NoError(t, err)
	assert.True(t, redeemed)

	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, got.Status)
	assert.Equal(t, "pay-1", got.PaymentID)
	assert.NotNil(t, got.SettledAt)
}

func TestOrderStore_OppositeLineOrderDoesNotDeadlock(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	seedCatalog(t, pool)
	store := NewOrderStore(pool)

	const rounds = 20
	var ids []string
	for i := range rounds {
		for j, items := range [][]order.LineItem{
			{{ProductID: "A", Quantity: 1}, {ProductID: "B", Quantity: 1}},
			{{ProductID: "B", Quantity: 1}, {ProductID: "A", Quantity: 1}},
		} {
			o := newOrder(fmt.Sprintf("o-%d-%d", i, j))
			o.CouponCode = ""
			o.CouponSingleUse = false
			o.Items = items
			require.NoError(t, store.Create(ctx, o))
			ids = append(ids, o.ID)
		}
	}

	pay := func(ctx context.Context, tx order.Tx, current *order.Order) (*order.Order, error) {
		for _, d := range current.Demand() {
			if _, err := tx.Stock().Decrement(ctx, d.ProductID, d.Quantity); err != nil {
				return nil, err
			}
		}
		next := current.Clone()
		next.Status = order.StatusPaid
		return next, nil
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Transition(ctx, id, pay)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	counters, err := NewStockLedger(pool).ReadMany(ctx, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 10 - 2*rounds, "B": 1 - 2*rounds}, counters)
}

func TestOrderStore_TransitionRollsBack(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	seedCatalog(t, pool)
	store := NewOrderStore(pool)
	require.NoError(t, store.Create(ctx, newOrder("o1")))

	boom := errors.New("boom")
	_, _, err := store.Transition(ctx, "o1", func(ctx context.Context, tx order.Tx, current *order.Order) (*order.Order, error) {
		if _, err := tx.Stock().Decrement(ctx, "A", 2); err != nil {
			return nil, err
		}
		if _, err := tx.Redemptions().TryRedeem(ctx, "u1", "WELCOME5", "o1"); err != nil {
			return nil, err
		}
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	qty, err := NewStockLedger(pool).Read(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 10, qty)
	redeemed, err := NewRedemptionTracker(pool).IsRedeemed(ctx, "u1", "WELCOME5")
	require.NoError(t, err)
	assert.False(t, redeemed)
}

func TestOrderStore_ClaimEffect(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	store := NewOrderStore(pool)
	require.NoError(t, store.Create(ctx, newOrder("o1")))

	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimEffect(ctx, "o1", order.EffectConfirmation)
			if assert.NoError(t, err) && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, []order.Effect{order.EffectConfirmation}, got.ClaimedEffects)

	_, err = store.ClaimEffect(ctx, "missing", order.EffectCart)
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestCustomerDirectory_Upsert(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)
	dir := NewCustomerDirectory(pool)
	ref := customer.Ref{ID: "u1", Email: "u1@example.com", Name: "Ann"}

	for i, want := range []bool{true, false, false} {
		created, err := dir.Upsert(ctx, ref, fmt.Sprintf("o%d", min(i, 1)))
		require.NoError(t, err)
		assert.Equal(t, want, created, "call %d", i)
	}

	ref.Name = "Ann Lee"
	_, err := dir.Upsert(ctx, ref, "")
	require.NoError(t, err)

	c, err := dir.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ann Lee", c.Name)
	assert.Equal(t, []string{"o0", "o1"}, c.OrderIDs)

	_, err = dir.Get(ctx, "u2")
	require.ErrorIs(t, err, customer.ErrNotFound)
}
