package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds the PayPal REST credentials and endpoint.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client talks to the PayPal REST API. Every call exchanges the client credentials for a
// fresh bearer token; tokens are not cached between invocations.
type Client struct {
	http         *resty.Client
	clientID     string
	clientSecret string
	tracer       trace.Tracer
	logger       *zap.Logger
}

// NewClient creates a PayPal client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:         httpClient,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tracer:       otel.Tracer("paypal-client"),
		logger:       logger,
	}
}

// AccessToken performs the client-credentials exchange.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&tok).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("failed to request access token: %w", err)
	}
	if resp.IsError() {
		return "", newAPIError(resp.StatusCode(), resp.Body())
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access_token")
	}
	return tok.AccessToken, nil
}

// CreateOrder opens an authorization-intent order for amount.
func (c *Client) CreateOrder(ctx context.Context, amount Amount) (*Order, error) {
	ctx, span := c.tracer.Start(ctx, "paypal.CreateOrder")
	defer span.End()
	span.SetAttributes(attribute.String("amount", amount.Value), attribute.String("currency", amount.CurrencyCode))

	body := createOrderRequest{
		Intent:        IntentAuthorize,
		PurchaseUnits: []purchaseUnit{{Amount: &amount}},
	}

	var out orderResponse
	if err := c.post(ctx, "/v2/checkout/orders", "", body, &out); err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("order_id", out.ID))
	c.logger.Info("paypal order created", zap.String("order_id", out.ID), zap.String("amount", amount.Value))
	return &Order{ID: out.ID, Status: out.Status}, nil
}

// AuthorizeOrder converts an approved order into held funds.
func (c *Client) AuthorizeOrder(ctx context.Context, orderID string) (*Authorization, error) {
	ctx, span := c.tracer.Start(ctx, "paypal.AuthorizeOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	var raw json.RawMessage
	if err := c.post(ctx, "/v2/checkout/orders/{id}/authorize", orderID, nil, &raw); err != nil {
		recordError(span, err)
		return nil, err
	}

	var out orderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode authorize response: %w", err)
	}

	auth := &Authorization{OrderID: out.ID, OrderStatus: out.Status, Raw: raw}
	if rec := out.firstPayment(func(p *payments) []paymentRecord { return p.Authorizations }); rec != nil {
		auth.AuthorizationID = rec.ID
		auth.Status = rec.Status
		auth.Amount = rec.Amount
	}

	span.SetAttributes(
		attribute.String("order_status", auth.OrderStatus),
		attribute.String("authorization_id", auth.AuthorizationID),
	)
	return auth, nil
}

// CaptureAuthorization captures the full authorized amount (final capture).
// The request id is derived from the authorization so that a retried call is deduplicated by PayPal.
func (c *Client) CaptureAuthorization(ctx context.Context, authorizationID string) (*Capture, error) {
	ctx, span := c.tracer.Start(ctx, "paypal.CaptureAuthorization")
	defer span.End()
	span.SetAttributes(attribute.String("authorization_id", authorizationID))

	var out paymentRecord
	err := c.post(ctx, "/v2/payments/authorizations/{id}/capture", authorizationID,
		captureAuthorizationRequest{FinalCapture: true}, &out,
		withRequestID("capture-"+authorizationID))
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("capture_id", out.ID), attribute.String("capture_status", out.Status))
	return &Capture{ID: out.ID, Status: out.Status, Amount: out.Amount}, nil
}

// VoidAuthorization releases held funds without charging them.
func (c *Client) VoidAuthorization(ctx context.Context, authorizationID string) error {
	ctx, span := c.tracer.Start(ctx, "paypal.VoidAuthorization")
	defer span.End()
	span.SetAttributes(attribute.String("authorization_id", authorizationID))

	if err := c.post(ctx, "/v2/payments/authorizations/{id}/void", authorizationID, nil, nil); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// CaptureOrder captures an order immediately, without a separate authorization step.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*OrderCapture, error) {
	ctx, span := c.tracer.Start(ctx, "paypal.CaptureOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	var raw json.RawMessage
	if err := c.post(ctx, "/v2/checkout/orders/{id}/capture", orderID, nil, &raw); err != nil {
		recordError(span, err)
		return nil, err
	}

	var out orderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode capture response: %w", err)
	}

	capture := &OrderCapture{OrderID: out.ID, Status: out.Status, Raw: raw}
	if rec := out.firstPayment(func(p *payments) []paymentRecord { return p.Captures }); rec != nil {
		capture.CaptureID = rec.ID
		capture.Amount = rec.Amount
	}
	return capture, nil
}

type requestOption func(*resty.Request)

func withRequestID(id string) requestOption {
	return func(r *resty.Request) { r.SetHeader("PayPal-Request-Id", id) }
}

// post obtains a token and issues an authenticated JSON POST. result may be nil.
func (c *Client) post(ctx context.Context, path, id string, body, result any, opts ...requestOption) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json")
	if id != "" {
		req.SetPathParam("id", id)
	}
	if body != nil {
		req.SetBody(body)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("paypal request %s failed: %w", path, err)
	}
	if resp.IsError() {
		apiErr := newAPIError(resp.StatusCode(), resp.Body())
		c.logger.Warn("paypal returned an error",
			zap.String("path", path),
			zap.String("id", id),
			zap.Int("status", apiErr.StatusCode),
			zap.String("issue", apiErr.Issue),
			zap.String("debug_id", apiErr.DebugID),
		)
		return apiErr
	}
	if result == nil || resp.StatusCode() == http.StatusNoContent || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("failed to decode paypal response from %s: %w", path, err)
	}
	return nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
