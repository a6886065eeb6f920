package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shopfront/internal/domain/cart"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func snapshot(userID string) cart.Snapshot {
	return cart.Snapshot{
		UserID: userID,
		Email:  userID + "@example.com",
		Name:   "Ann",
		Items: []cart.Item{
			{ProductID: "A", Title: "Linen Shirt", Size: "M", Quantity: 2, Price: decimal.RequireFromString("499.50")},
		},
	}
}

func TestCartStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	store := NewCartStore(client, 0)

	sess, err := store.Touch(ctx, snapshot("u1"), base)
	require.NoError(t, err)
	assert.Equal(t, cart.StatusActive, sess.Status)
	assert.Equal(t, base, sess.CreatedAt)
	assert.Equal(t, base, sess.LastActivity)
	assert.True(t, decimal.NewFromInt(999).Equal(sess.Total), "got %s", sess.Total)
	require.Len(t, sess.Items, 1)
	assert.Equal(t, "Linen Shirt", sess.Items[0].Title)

	ok, err := store.RecordMilestone(ctx, "u1", "1h", base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.RecordMilestone(ctx, "u1", "1h", base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "milestones are recorded once")

	sess, err = store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, cart.StatusAbandoned, sess.Status)
	assert.Equal(t, base.Add(time.Hour), sess.AbandonedAt)
	assert.Equal(t, []string{"1h"}, sess.EmailsSent)

	sess, err = store.Touch(ctx, snapshot("u1"), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, cart.StatusRecovered, sess.Status)
	assert.Equal(t, []string{"1h"}, sess.EmailsSent)

	require.NoError(t, store.MarkPurchased(ctx, "u1", base.Add(4*time.Hour)))
	sess, err = store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, cart.StatusPurchased, sess.Status)
	assert.Equal(t, base.Add(4*time.Hour), sess.PurchasedAt)

	// A purchase starts the next session from scratch.
	sess, err = store.Touch(ctx, snapshot("u1"), base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, cart.StatusActive, sess.Status)
	assert.Empty(t, sess.EmailsSent)
	assert.True(t, sess.PurchasedAt.IsZero())
	assert.Equal(t, base.Add(5*time.Hour), sess.CreatedAt)
}

func TestCartStore_Missing(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	store := NewCartStore(client, 0)

	_, err := store.Load(ctx, "ghost")
	require.ErrorIs(t, err, cart.ErrNotFound)
	_, err = store.RecordMilestone(ctx, "ghost", "1h", base)
	require.ErrorIs(t, err, cart.ErrNotFound)
	require.NoError(t, store.MarkPurchased(ctx, "ghost", base))
}

func TestCartStore_ListInactive(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	store := NewCartStore(client, 0)

	for i := range 5 {
		_, err := store.Touch(ctx, snapshot(fmt.Sprintf("u%d", i)), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkPurchased(ctx, "u1", base))
	_, err := store.RecordMilestone(ctx, "u2", "1h", base)
	require.NoError(t, err)
	_, err = store.Touch(ctx, snapshot("u2"), base.Add(2*time.Minute))
	require.NoError(t, err) // recovered, leaves the index

	cutoff := base.Add(3 * time.Minute)
	page, next, err := store.ListInactive(ctx, cutoff, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, -1, next)
	var ids []string
	for _, sess := range page {
		ids = append(ids, sess.UserID)
	}
	assert.Equal(t, []string{"u0", "u3"}, ids)

	page, next, err = store.ListInactive(ctx, cutoff, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "u3", page[0].UserID)
	assert.Equal(t, 2, next)
}

func TestCartStore_ListInactiveSkipsNothingAfterPruning(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	store := NewCartStore(client, 0)

	for i := range 6 {
		_, err := store.Touch(ctx, snapshot(fmt.Sprintf("u%d", i)), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	// Sessions that expired while still indexed.
	require.NoError(t, client.Del(ctx, sessionKey("u0"), sessionKey("u1"), sessionKey("u3")).Err())

	var ids []string
	for offset := 0; offset >= 0; {
		page, next, err := store.ListInactive(ctx, base.Add(time.Hour), offset, 2)
		require.NoError(t, err)
		for _, sess := range page {
			ids = append(ids, sess.UserID)
		}
		offset = next
	}
	assert.Equal(t, []string{"u2", "u4", "u5"}, ids)

	n, err := client.ZCard(ctx, engageableKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestCartStore_ExpiredSessionsLeaveIndex(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	store := NewCartStore(client, time.Hour)

	_, err := store.Touch(ctx, snapshot("u1"), base)
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	page, _, err := store.ListInactive(ctx, base.Add(time.Hour), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	n, err := client.ZCard(ctx, engageableKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	limiter := NewRateLimiter(client, 2, time.Minute)
	now := time.Date(2025, 6, 1, 10, 0, 10, 0, time.UTC)

	for i := range 2 {
		q, err := limiter.Allow(ctx, "10.0.0.1", now)
		require.NoError(t, err)
		assert.True(t, q.Allowed, "request %d", i)
		assert.Equal(t, 1-i, q.Remaining)
		assert.Equal(t, base.Add(time.Minute), q.ResetAt)
	}

	q, err := limiter.Allow(ctx, "10.0.0.1", now)
	require.NoError(t, err)
	assert.False(t, q.Allowed)
	assert.Zero(t, q.Remaining)

	q, err = limiter.Allow(ctx, "10.0.0.2", now)
	require.NoError(t, err)
	assert.True(t, q.Allowed, "keys are independent")

	q, err = limiter.Allow(ctx, "10.0.0.1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, q.Allowed, "next window starts fresh")

	mr.FastForward(2 * time.Minute)
	assert.Empty(t, mr.Keys(), "windows expire")
}
