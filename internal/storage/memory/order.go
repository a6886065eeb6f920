package memory

import (
	"context"
	"slices"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/customer"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/stock"
)

// Create implements order.Store.
func (s *Store) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.ID] = o.Clone()
	s.remote[o.RemoteOrderID] = o.ID
	return nil
}

// Get implements order.Store.
func (s *Store) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

// GetByRemoteID implements order.Store.
func (s *Store) GetByRemoteID(ctx context.Context, remoteOrderID string) (*order.Order, error) {
	s.mu.Lock()
	id, ok := s.remote[remoteOrderID]
	s.mu.Unlock()
	if !ok {
		return nil, order.ErrNotFound
	}
	return s.Get(ctx, id)
}

// Transition implements order.Store. Ledger and tracker writes made through
// the Tx are undone when fn fails.
func (s *Store) Transition(ctx context.Context, id string, fn order.TransitionFunc) (*order.Order, bool, error) {
	l := s.orderLock(id)
	l.Lock()
	defer l.Unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	t := &tx{s: s}
	next, err := fn(ctx, t, current)
	if err != nil {
		t.rollback()
		return nil, false, err
	}
	if next == nil {
		return current, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.orders[id]
	stored.Status = next.Status
	stored.PaymentID = next.PaymentID
	stored.TrackingLink = next.TrackingLink
	stored.SettledAt = next.SettledAt
	return stored.Clone(), true, nil
}

// ClaimEffect implements order.Store.
func (s *Store) ClaimEffect(_ context.Context, id string, e order.Effect) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, order.ErrNotFound
	}
	if o.Claimed(e) {
		return false, nil
	}
	o.ClaimedEffects = append(o.ClaimedEffects, e)
	return true, nil
}

type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) Stock() stock.Ledger         { return txLedger{t} }
func (t *tx) Redemptions() coupon.Tracker { return txTracker{t} }

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

type txLedger struct{ t *tx }

func (l txLedger) Decrement(ctx context.Context, productID string, amount int) (int, error) {
	qty, err := l.t.s.Decrement(ctx, productID, amount)
	if err != nil {
		return 0, err
	}
	l.t.undo = append(l.t.undo, func() {
		_, _ = l.t.s.Decrement(context.Background(), productID, -amount)
	})
	return qty, nil
}

func (l txLedger) Read(ctx context.Context, productID string) (int, error) {
	return l.t.s.Read(ctx, productID)
}

func (l txLedger) ReadMany(ctx context.Context, productIDs []string) (map[string]int, error) {
	return l.t.s.ReadMany(ctx, productIDs)
}

func (l txLedger) Restock(ctx context.Context, productID string, quantity int) error {
	prev, err := l.t.s.Read(ctx, productID)
	if err != nil {
		return err
	}
	l.t.undo = append(l.t.undo, func() {
		_ = l.t.s.Restock(context.Background(), productID, prev)
	})
	return l.t.s.Restock(ctx, productID, quantity)
}

type txTracker struct{ t *tx }

func (r txTracker) TryRedeem(ctx context.Context, userID, code, orderID string) (bool, error) {
	ok, err := r.t.s.TryRedeem(ctx, userID, code, orderID)
	if err != nil || !ok {
		return ok, err
	}
	r.t.undo = append(r.t.undo, func() { r.t.s.unredeem(userID, code) })
	return true, nil
}

func (r txTracker) IsRedeemed(ctx context.Context, userID, code string) (bool, error) {
	return r.t.s.IsRedeemed(ctx, userID, code)
}

// Upsert implements customer.Directory.
func (s *Store) Upsert(_ context.Context, ref customer.Ref, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[ref.ID]
	if !ok {
		c = &customer.Customer{ExternalID: ref.ID}
		s.customers[ref.ID] = c
	}
	c.Email, c.Name, c.Phone = ref.Email, ref.Name, ref.Phone
	if orderID != "" && !slices.Contains(c.OrderIDs, orderID) {
		c.OrderIDs = append(c.OrderIDs, orderID)
	}
	return !ok, nil
}

// Customer returns a copy of the directory record for externalID.
func (s *Store) Customer(_ context.Context, externalID string) (*customer.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[externalID]
	if !ok {
		return nil, customer.ErrNotFound
	}
	cp := *c
	cp.OrderIDs = slices.Clone(c.OrderIDs)
	return &cp, nil
}
