// Package memory is an in-process orders.Store used for local runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/buddiz/checkout/internal/orders"
)

// Store keeps orders and products in maps guarded by a single mutex, so every
// conditional write and transaction is serialized.
type Store struct {
	mu       sync.Mutex
	orders   map[orders.OrderKey]orders.Order
	products map[string]orders.Product
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		orders:   make(map[orders.OrderKey]orders.Order),
		products: make(map[string]orders.Product),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetOrder returns a copy that callers may modify freely.
func (s *Store) GetOrder(_ context.Context, key orders.OrderKey) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[key]
	if !ok {
		return nil, orders.ErrRecordNotFound
	}
	return cloneOrder(order), nil
}

// PutOrder stores a copy of order.
func (s *Store) PutOrder(_ context.Context, order *orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[order.Key()] = *cloneOrder(*order)
	return nil
}

// GetProduct returns a copy of the product.
func (s *Store) GetProduct(_ context.Context, productID string) (*orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, orders.ErrRecordNotFound
	}
	return &product, nil
}

// PutProduct stores a copy of product.
func (s *Store) PutProduct(_ context.Context, product *orders.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[product.ID] = *product
	return nil
}

// ConditionalUpdate is a TransactWrite of one update.
func (s *Store) ConditionalUpdate(ctx context.Context, update orders.Update) error {
	return s.TransactWrite(ctx, []orders.Update{update})
}

// TransactWrite stages every update against a scratch copy and only publishes
// the copy when all conditions hold.
func (s *Store) TransactWrite(_ context.Context, updates []orders.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stagedProducts := make(map[string]orders.Product)
	stagedOrders := make(map[orders.OrderKey]orders.Order)

	for i, u := range updates {
		switch u.Kind {
		case orders.UpdateDecrementStock:
			product, ok := stagedProducts[u.ProductID]
			if !ok {
				product, ok = s.products[u.ProductID]
			}
			if !ok || product.Stock < u.Quantity {
				return &orders.ConditionFailedError{Index: i, Update: u}
			}
			product.Stock -= u.Quantity
			stagedProducts[u.ProductID] = product

		case orders.UpdateOrderStatus:
			order, ok := stagedOrders[u.Order]
			if !ok {
				order, ok = s.orders[u.Order]
			}
			if !ok || (u.From != "" && order.Status != u.From) {
				return &orders.ConditionFailedError{Index: i, Update: u}
			}
			order.Status = u.To
			order.UpdatedAt = s.now()
			if u.CaptureID != "" {
				order.CaptureID = u.CaptureID
			}
			stagedOrders[u.Order] = order

		default:
			return &orders.ConditionFailedError{Index: i, Update: u}
		}
	}

	for id, p := range stagedProducts {
		s.products[id] = p
	}
	for key, o := range stagedOrders {
		s.orders[key] = o
	}
	return nil
}

func cloneOrder(o orders.Order) *orders.Order {
	o.Items = append([]orders.LineItem(nil), o.Items...)
	return &o
}
