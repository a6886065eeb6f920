// Package redis keeps cart sessions and rate limit counters in Redis.
//
// A session lives in the hash cart:{user} with its email log in the sorted
// set cart:{user}:emails (scored by send time). The sorted set carts:engageable
// indexes engageable sessions by last activity in milliseconds, which is what
// the reminder sweep pages through.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/cart"
)

const engageableKey = "carts:engageable"

// DefaultRetention is how long an untouched session is kept.
const DefaultRetention = 30 * 24 * time.Hour

var _ cart.Store = (*CartStore)(nil)

// Touch resets purchased or missing sessions, recovers abandoned ones and
// keeps the engageable index in sync with the resulting status.
var touchScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if (not status) or status == 'purchased' then
	redis.call('DEL', KEYS[1], KEYS[2])
	redis.call('HSET', KEYS[1], 'created_at', ARGV[6])
	status = 'active'
elseif status == 'abandoned' then
	status = 'recovered'
end
redis.call('HSET', KEYS[1],
	'user_id', ARGV[1], 'email', ARGV[2], 'name', ARGV[3],
	'items', ARGV[4], 'total', ARGV[5], 'status', status, 'last_activity', ARGV[6])
if status == 'active' or status == 'abandoned' then
	redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
else
	redis.call('ZREM', KEYS[3], ARGV[1])
end
redis.call('EXPIRE', KEYS[1], ARGV[7])
redis.call('EXPIRE', KEYS[2], ARGV[7])
return status
`)

// The first recorded milestone marks an active session abandoned.
var recordMilestoneScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[1]) == 0 then
	return 0
end
redis.call('EXPIRE', KEYS[2], ARGV[3])
if redis.call('ZCARD', KEYS[2]) == 1 and redis.call('HGET', KEYS[1], 'status') == 'active' then
	redis.call('HSET', KEYS[1], 'status', 'abandoned', 'abandoned_at', ARGV[2])
end
return 1
`)

var markPurchasedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'purchased', 'purchased_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// CartStore implements cart.Store on Redis.
type CartStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewCartStore returns a CartStore. A zero retention uses DefaultRetention.
func NewCartStore(client redis.UniversalClient, retention time.Duration) *CartStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &CartStore{client: client, retention: retention}
}

func sessionKey(userID string) string { return "cart:" + userID }
func emailsKey(userID string) string  { return "cart:" + userID + ":emails" }

// Touch implements cart.Store.
func (s *CartStore) Touch(ctx context.Context, snap cart.Snapshot, at time.Time) (*cart.Session, error) {
	items, err := json.Marshal(snap.Items)
	if err != nil {
		return nil, errors.Wrap(err, "marshal items")
	}

	err = touchScript.Run(ctx, s.client,
		[]string{sessionKey(snap.UserID), emailsKey(snap.UserID), engageableKey},
		snap.UserID, snap.Email, snap.Name, string(items), snap.Total().String(),
		at.UnixMilli(), int64(s.retention/time.Second),
	).Err()
	if err != nil {
		return nil, errors.Wrapf(err, "touch cart %s", snap.UserID)
	}
	return s.Load(ctx, snap.UserID)
}

// Load implements cart.Store.
func (s *CartStore) Load(ctx context.Context, userID string) (*cart.Session, error) {
	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, sessionKey(userID))
	emails := pipe.ZRange(ctx, emailsKey(userID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "load cart %s", userID)
	}
	return decodeSession(userID, fields.Val(), emails.Val())
}

// ListInactive implements cart.Store. Index entries whose session already
// expired are removed on the way, and next is moved back by as many entries.
func (s *CartStore) ListInactive(ctx context.Context, cutoff time.Time, offset, limit int) ([]cart.Session, int, error) {
	ids, err := s.client.ZRangeByScore(ctx, engageableKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(cutoff.UnixMilli(), 10),
		Offset: int64(offset),
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, -1, errors.Wrap(err, "range engageable carts")
	}
	if len(ids) == 0 {
		return nil, -1, nil
	}

	pipe := s.client.Pipeline()
	fields := make([]*redis.MapStringStringCmd, len(ids))
	emails := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		fields[i] = pipe.HGetAll(ctx, sessionKey(id))
		emails[i] = pipe.ZRange(ctx, emailsKey(id), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, -1, errors.Wrap(err, "load carts")
	}

	var (
		out   = make([]cart.Session, 0, len(ids))
		stale []any
	)
	for i, id := range ids {
		sess, err := decodeSession(id, fields[i].Val(), emails[i].Val())
		if errors.Is(err, cart.ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, -1, err
		}
		if sess.Status.Engageable() {
			out = append(out, *sess)
		}
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, engageableKey, stale...).Err(); err != nil {
			return nil, -1, errors.Wrap(err, "drop expired carts")
		}
	}

	next := offset + len(ids) - len(stale)
	if len(ids) < limit {
		next = -1
	}
	return out, next, nil
}

// RecordMilestone implements cart.Store.
func (s *CartStore) RecordMilestone(ctx context.Context, userID, tag string, at time.Time) (bool, error) {
	res, err := recordMilestoneScript.Run(ctx, s.client,
		[]string{sessionKey(userID), emailsKey(userID)},
		tag, at.UnixMilli(), int64(s.retention/time.Second),
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "record %s for cart %s", tag, userID)
	}
	switch res {
	case -1:
		return false, cart.ErrNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

// MarkPurchased implements cart.Store.
func (s *CartStore) MarkPurchased(ctx context.Context, userID string, at time.Time) error {
	err := markPurchasedScript.Run(ctx, s.client,
		[]string{sessionKey(userID), engageableKey},
		userID, at.UnixMilli(),
	).Err()
	if err != nil {
		return errors.Wrapf(err, "mark cart %s purchased", userID)
	}
	return nil
}

func decodeSession(userID string, fields map[string]string, emails []string) (*cart.Session, error) {
	if len(fields) == 0 {
		return nil, cart.ErrNotFound
	}

	sess := &cart.Session{
		UserID:     userID,
		Email:      fields["email"],
		Name:       fields["name"],
		Status:     cart.Status(fields["status"]),
		EmailsSent: emails,
	}
	if raw := fields["items"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Items); err != nil {
			return nil, errors.Wrapf(err, "decode items of cart %s", userID)
		}
	}
	if raw := fields["total"]; raw != "" {
		total, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "decode total of cart %s", userID)
		}
		sess.Total = total
	}

	for name, dst := range map[string]*time.Time{
		"last_activity": &sess.LastActivity,
		"abandoned_at":  &sess.AbandonedAt,
		"purchased_at":  &sess.PurchasedAt,
		"created_at":    &sess.CreatedAt,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s of cart %s", name, userID)
		}
		*dst = time.UnixMilli(ms).UTC()
	}
	return sess, nil
}
