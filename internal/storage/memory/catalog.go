package memory

import (
	"context"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/domain/stock"
)

// GetByIDs implements product.Repository.
func (s *Store) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Decrement implements stock.Ledger.
func (s *Store) Decrement(_ context.Context, productID string, amount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qty, ok := s.stock[productID]
	if !ok {
		return 0, stock.ErrUnknownProduct
	}
	qty -= amount
	s.stock[productID] = qty
	return qty, nil
}

// Read implements stock.Ledger.
func (s *Store) Read(_ context.Context, productID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qty, ok := s.stock[productID]
	if !ok {
		return 0, stock.ErrUnknownProduct
	}
	return qty, nil
}

// ReadMany implements stock.Ledger.
func (s *Store) ReadMany(_ context.Context, productIDs []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		if qty, ok := s.stock[id]; ok {
			out[id] = qty
		}
	}
	return out, nil
}

// Restock implements stock.Ledger.
func (s *Store) Restock(_ context.Context, productID string, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[productID] = quantity
	return nil
}

// FindByCode implements coupon.Repository.
func (s *Store) FindByCode(_ context.Context, code string) (*coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.coupons[coupon.Normalize(code)]
	if !ok {
		return nil, coupon.ErrInvalidCoupon
	}
	return &r, nil
}

// TryRedeem implements coupon.Tracker.
func (s *Store) TryRedeem(_ context.Context, userID, code, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := redemptionKey{userID: userID, code: coupon.Normalize(code)}
	if _, ok := s.redemptions[key]; ok {
		return false, nil
	}
	s.redemptions[key] = orderID
	return true, nil
}

// IsRedeemed implements coupon.Tracker.
func (s *Store) IsRedeemed(_ context.Context, userID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.redemptions[redemptionKey{userID: userID, code: coupon.Normalize(code)}]
	return ok, nil
}

// RedemptionCount returns the number of recorded coupon redemptions.
func (s *Store) RedemptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redemptions)
}

// unredeem drops a redemption when its transaction rolls back.
func (s *Store) unredeem(userID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.redemptions, redemptionKey{userID: userID, code: coupon.Normalize(code)})
}
