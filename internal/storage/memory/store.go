// Package memory implements every storage port in process memory. It backs
// the domain tests and local runs without Postgres or Redis.
package memory

import (
	"sync"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/customer"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/domain/stock"
)

var (
	_ product.Repository = (*Store)(nil)
	_ stock.Ledger       = (*Store)(nil)
	_ coupon.Repository  = (*Store)(nil)
	_ coupon.Tracker     = (*Store)(nil)
	_ customer.Directory = (*Store)(nil)
	_ order.Store        = (*Store)(nil)
	_ cart.Store         = (*Store)(nil)
)

// Store keeps all entities behind one mutex. Order transitions additionally
// hold a per-order lock for their whole duration.
type Store struct {
	mu          sync.Mutex
	products    map[string]product.Product
	stock       map[string]int
	coupons     map[string]coupon.Rule
	redemptions map[redemptionKey]string
	customers   map[string]*customer.Customer
	orders      map[string]*order.Order
	remote      map[string]string
	carts       map[string]*cart.Session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type redemptionKey struct {
	userID string
	code   string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		products:    make(map[string]product.Product),
		stock:       make(map[string]int),
		coupons:     make(map[string]coupon.Rule),
		redemptions: make(map[redemptionKey]string),
		customers:   make(map[string]*customer.Customer),
		orders:      make(map[string]*order.Order),
		remote:      make(map[string]string),
		carts:       make(map[string]*cart.Session),
		locks:       make(map[string]*sync.Mutex),
	}
}

// PutProduct adds or replaces a catalog product.
func (s *Store) PutProduct(p product.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutCoupon adds or replaces a coupon rule.
func (s *Store) PutCoupon(r coupon.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Code = coupon.Normalize(r.Code)
	s.coupons[r.Code] = r
}

func (s *Store) orderLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}
