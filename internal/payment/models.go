package payment

import "encoding/json"

// Order and authorization states reported by PayPal.
const (
	StatusCreated   = "CREATED"
	StatusCompleted = "COMPLETED"
	StatusPending   = "PENDING"
	StatusDeclined  = "DECLINED"
	StatusFailed    = "FAILED"
)

// IntentAuthorize asks PayPal to hold the funds until a later capture.
const IntentAuthorize = "AUTHORIZE"

// Amount is a money value in PayPal's wire format.
type Amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// Order is the payment-authority view of a checkout order.
type Order struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Authorization is the result of converting an approved order into held funds.
type Authorization struct {
	OrderID         string          `json:"orderId"`
	OrderStatus     string          `json:"orderStatus"`
	AuthorizationID string          `json:"authorizationId"`
	Status          string          `json:"status"`
	Amount          *Amount         `json:"amount,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// Capture is the result of capturing held funds.
type Capture struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Amount *Amount `json:"amount,omitempty"`
}

// OrderCapture is the result of capturing an order directly (no prior authorization).
type OrderCapture struct {
	OrderID   string          `json:"orderId"`
	Status    string          `json:"status"`
	CaptureID string          `json:"captureId"`
	Amount    *Amount         `json:"amount,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type createOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type purchaseUnit struct {
	Amount   *Amount   `json:"amount,omitempty"`
	Payments *payments `json:"payments,omitempty"`
}

type payments struct {
	Authorizations []paymentRecord `json:"authorizations,omitempty"`
	Captures       []paymentRecord `json:"captures,omitempty"`
}

type paymentRecord struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Amount *Amount `json:"amount,omitempty"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

// firstPayment returns the first authorization or capture of the first purchase unit.
func (r orderResponse) firstPayment(pick func(*payments) []paymentRecord) *paymentRecord {
	if len(r.PurchaseUnits) == 0 || r.PurchaseUnits[0].Payments == nil {
		return nil
	}
	records := pick(r.PurchaseUnits[0].Payments)
	if len(records) == 0 {
		return nil
	}
	return &records[0]
}

type captureAuthorizationRequest struct {
	FinalCapture bool `json:"final_capture"`
}
