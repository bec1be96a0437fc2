package orders

import (
	"context"
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by a Store when the requested record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// Store is the document store holding orders and product stock.
// Implementations must honour the conditions carried by each Update and apply a
// TransactWrite as all-or-nothing.
type Store interface {
	GetOrder(ctx context.Context, key OrderKey) (*Order, error)
	PutOrder(ctx context.Context, order *Order) error
	GetProduct(ctx context.Context, productID string) (*Product, error)
	PutProduct(ctx context.Context, product *Product) error

	// ConditionalUpdate applies a single conditional write.
	ConditionalUpdate(ctx context.Context, update Update) error

	// TransactWrite applies every update or none of them.
	TransactWrite(ctx context.Context, updates []Update) error
}

// UpdateKind discriminates the conditional writes a Store understands.
type UpdateKind int

const (
	// UpdateDecrementStock subtracts Quantity from a product, requiring stock >= Quantity.
	UpdateDecrementStock UpdateKind = iota + 1
	// UpdateOrderStatus sets To on an existing order, requiring status == From when From is set.
	UpdateOrderStatus
)

// Update is one conditional write.
type Update struct {
	Kind UpdateKind

	ProductID string
	Quantity  int

	// Order is the target of a status change, and the consumer of a stock decrement when set.
	Order     OrderKey
	From      Status
	To        Status
	CaptureID string
}

// DecrementStock builds a conditional stock decrement.
func DecrementStock(productID string, quantity int) Update {
	return Update{Kind: UpdateDecrementStock, ProductID: productID, Quantity: quantity}
}

// TransitionStatus builds a conditional order status change.
func TransitionStatus(key OrderKey, from, to Status) Update {
	return Update{Kind: UpdateOrderStatus, Order: key, From: from, To: to}
}

// ForOrder attributes a stock decrement to the order that consumed it.
func (u Update) ForOrder(key OrderKey) Update {
	u.Order = key
	return u
}

// WithCaptureID records the capture reference alongside a status change.
func (u Update) WithCaptureID(id string) Update {
	u.CaptureID = id
	return u
}

func (u Update) String() string {
	switch u.Kind {
	case UpdateDecrementStock:
		return fmt.Sprintf("decrement stock of %s by %d", u.ProductID, u.Quantity)
	case UpdateOrderStatus:
		return fmt.Sprintf("order %s/%s %s -> %s", u.Order.ID, u.Order.UserID, u.From, u.To)
	default:
		return "unknown update"
	}
}

// ConditionFailedError reports which update of a write had its precondition rejected.
type ConditionFailedError struct {
	Index  int
	Update Update
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("condition failed on update %d (%s)", e.Index, e.Update)
}
