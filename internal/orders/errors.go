package orders

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors.
var (
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderNotPending         = errors.New("order is not pending approval")
	ErrAuthorizationIncomplete = errors.New("payment authorization not completed")
	ErrCaptureIncomplete       = errors.New("payment capture not completed")
	ErrSettlementInProgress    = errors.New("settlement already in progress")
	ErrCapabilityDisabled      = errors.New("capability disabled")
	ErrUnknownAction           = errors.New("unknown action")
)

// ValidationError is a client input error.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Fields, "; ")
}

// StockError names the product whose stock could not cover the requested quantity.
type StockError struct {
	ProductID string
	Quantity  int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (requested %d)", e.ProductID, e.Quantity)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// ReconciliationError marks a failure that happened after funds were captured.
// The captured payment is left in place and an operator must reconcile it.
type ReconciliationError struct {
	OrderID         string
	UserID          string
	AuthorizationID string
	CaptureID       string
	Err             error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("order %s captured but not settled: %v", e.OrderID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// UpstreamError wraps an error payload returned by the payment authority.
type UpstreamError struct {
	Op      string
	Details any
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
