package payment

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Issues PayPal reports when a capture was already performed.
const (
	IssueAuthorizationAlreadyCaptured = "AUTHORIZATION_ALREADY_CAPTURED"
	IssueOrderAlreadyCaptured         = "ORDER_ALREADY_CAPTURED"
)

// APIError is a non-success response from the payment authority.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
	Issue      string
	DebugID    string
	Body       json.RawMessage
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Name
	}
	if e.Issue != "" {
		return fmt.Sprintf("paypal error %d: %s (%s)", e.StatusCode, msg, e.Issue)
	}
	return fmt.Sprintf("paypal error %d: %s", e.StatusCode, msg)
}

type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`

	// OAuth endpoint shape
	OAuthError       string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if json.Valid(body) {
		apiErr.Body = append(json.RawMessage(nil), body...)
	} else if len(body) > 0 {
		apiErr.Body, _ = json.Marshal(string(body))
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return apiErr
	}
	apiErr.Name = eb.Name
	apiErr.Message = eb.Message
	apiErr.DebugID = eb.DebugID
	if len(eb.Details) > 0 {
		apiErr.Issue = eb.Details[0].Issue
	}
	if apiErr.Name == "" && eb.OAuthError != "" {
		apiErr.Name = eb.OAuthError
		apiErr.Message = eb.ErrorDescription
	}
	return apiErr
}

// IsAlreadyCaptured reports whether err signals that the funds were captured by an earlier call.
func IsAlreadyCaptured(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Issue == IssueAuthorizationAlreadyCaptured || apiErr.Issue == IssueOrderAlreadyCaptured
}
