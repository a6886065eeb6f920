package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/xenking/shopfront/internal/domain/cart"
)

// Touch implements cart.Store.
func (s *Store) Touch(_ context.Context, snap cart.Snapshot, at time.Time) (*cart.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.carts[snap.UserID]
	if !ok || sess.Status == cart.StatusPurchased {
		sess = &cart.Session{UserID: snap.UserID, Status: cart.StatusActive, CreatedAt: at}
		s.carts[snap.UserID] = sess
	} else if sess.Status == cart.StatusAbandoned {
		sess.Status = cart.StatusRecovered
	}
	sess.Email = snap.Email
	sess.Name = snap.Name
	sess.Items = slices.Clone(snap.Items)
	sess.Total = snap.Total()
	sess.LastActivity = at
	return copySession(sess), nil
}

// Load implements cart.Store.
func (s *Store) Load(_ context.Context, userID string) (*cart.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.carts[userID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	return copySession(sess), nil
}

// ListInactive implements cart.Store.
func (s *Store) ListInactive(_ context.Context, cutoff time.Time, offset, limit int) ([]cart.Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []cart.Session
	for _, sess := range s.carts {
		if sess.Status.Engageable() && !sess.LastActivity.After(cutoff) {
			all = append(all, *copySession(sess))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].LastActivity.Equal(all[j].LastActivity) {
			return all[i].UserID < all[j].UserID
		}
		return all[i].LastActivity.Before(all[j].LastActivity)
	})

	if offset >= len(all) {
		return nil, -1, nil
	}
	end := min(offset+limit, len(all))
	next := end
	if end == len(all) {
		next = -1
	}
	return all[offset:end], next, nil
}

// RecordMilestone implements cart.Store.
func (s *Store) RecordMilestone(_ context.Context, userID, tag string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.carts[userID]
	if !ok {
		return false, cart.ErrNotFound
	}
	if sess.Sent(tag) {
		return false, nil
	}
	sess.EmailsSent = append(sess.EmailsSent, tag)
	if len(sess.EmailsSent) == 1 && sess.Status == cart.StatusActive {
		sess.Status = cart.StatusAbandoned
		sess.AbandonedAt = at
	}
	return true, nil
}

// MarkPurchased implements cart.Store.
func (s *Store) MarkPurchased(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.carts[userID]; ok {
		sess.Status = cart.StatusPurchased
		sess.PurchasedAt = at
	}
	return nil
}

func copySession(sess *cart.Session) *cart.Session {
	cp := *sess
	cp.Items = slices.Clone(sess.Items)
	cp.EmailsSent = slices.Clone(sess.EmailsSent)
	return &cp
}
