package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

// Order states. PENDING_APPROVAL moves to exactly one of Paid or Denied, both terminal.
const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusPaid            Status = "Paid"
	StatusDenied          Status = "Denied"
	// StatusProcessing is reserved for administrative tooling; no checkout action writes it.
	StatusProcessing Status = "Processing"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusDenied
}

// LineItem is one cart row, frozen into the order once the payment is authorized.
type LineItem struct {
	ProductID string          `json:"id" validate:"required"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"price" validate:"gte=0"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
}

// OrderKey is the composite key of an order record.
type OrderKey struct {
	ID     string
	UserID string
}

// Order represents a customer order.
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Items           []LineItem      `json:"items"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency"`
	Status          Status          `json:"status"`
	AuthorizationID string          `json:"authorizationId,omitempty"`
	CaptureID       string          `json:"captureId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NewOrder builds an order record stamped with the current time.
func NewOrder(id, userID string, items []LineItem, total decimal.Decimal, currency string, status Status) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:        id,
		UserID:    userID,
		Items:     items,
		Total:     total,
		Currency:  currency,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Key returns the composite key of the order.
func (o *Order) Key() OrderKey {
	return OrderKey{ID: o.ID, UserID: o.UserID}
}

// Product is a catalogue entry with its stock level.
type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

// StockDemand merges line items into a per-product quantity list, preserving first-seen order.
// A transaction may touch each product record only once.
func StockDemand(items []LineItem) []LineItem {
	index := make(map[string]int, len(items))
	out := make([]LineItem, 0, len(items))
	for _, it := range items {
		if i, ok := index[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out
}
