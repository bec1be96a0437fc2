package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/payment"
)

// Actions accepted in the request envelope.
const (
	ActionCreateOrder        = "createOrder"
	ActionCreatePendingOrder = "createPendingOrder"
	ActionApproveOrder       = "approveOrder"
	ActionDenyOrder          = "denyOrder"
	ActionCaptureOrder       = "captureOrder"
)

// CheckoutService is the workflow driven by the inbound boundary.
type CheckoutService interface {
	CreateOrder(ctx context.Context, cart []LineItem) (*payment.Order, error)
	CreatePendingOrder(ctx context.Context, in PendingOrderInput) (*Order, error)
	ApproveOrder(ctx context.Context, in DecisionInput) (*Decision, error)
	DenyOrder(ctx context.Context, in DecisionInput) (*Decision, error)
	CaptureOrder(ctx context.Context, in PendingOrderInput) (*CaptureResult, error)
}

// Request is the inbound JSON envelope. Fields beyond Action depend on the action.
type Request struct {
	Action          string     `json:"action"`
	Cart            []LineItem `json:"cart"`
	OrderID         string     `json:"orderID"`
	UserEmail       string     `json:"userEmail"`
	AuthorizationID string     `json:"authorizationID"`
}

type cartRequest struct {
	Cart []LineItem `json:"cart" validate:"required,min=1,dive"`
}

type orderCartRequest struct {
	OrderID   string     `json:"orderID" validate:"required"`
	UserEmail string     `json:"userEmail" validate:"required,email"`
	Cart      []LineItem `json:"cart" validate:"required,min=1,dive"`
}

type approveRequest struct {
	OrderID         string `json:"orderID" validate:"required"`
	UserEmail       string `json:"userEmail" validate:"required,email"`
	AuthorizationID string `json:"authorizationID" validate:"required"`
}

type denyRequest struct {
	OrderID         string `json:"orderID" validate:"required"`
	UserEmail       string `json:"userEmail" validate:"required,email"`
	AuthorizationID string `json:"authorizationID"`
}

// Dispatcher routes an action envelope to the workflow and renders the response.
// It is shared by the HTTP server and the Lambda entry point.
type Dispatcher struct {
	useCase  CheckoutService
	validate *validator.Validate
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher with a validator that reports fields by their JSON names.
func NewDispatcher(useCase CheckoutService, tracer trace.Tracer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		useCase:  useCase,
		validate: newValidator(),
		tracer:   tracer,
		logger:   logger,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Dispatch decodes body, runs the requested action and returns the HTTP status and JSON body.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (int, gin.H) {
	ctx, span := d.tracer.Start(ctx, "checkout.dispatch")
	defer span.End()

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		verr := &ValidationError{Fields: []string{"body: " + err.Error()}}
		span.RecordError(verr)
		span.SetStatus(codes.Error, "malformed request body")
		status, resp := ErrorResponse(verr)
		span.SetAttributes(attribute.Int("http.status_code", status))
		return status, resp
	}
	span.SetAttributes(attribute.String("action", req.Action))

	status, resp := d.dispatch(ctx, req)
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= http.StatusInternalServerError {
		d.logger.Error("checkout action failed",
			zap.String("action", req.Action),
			zap.String("order_id", req.OrderID),
			zap.Any("error", resp["error"]),
		)
	}
	return status, resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (int, gin.H) {
	switch req.Action {
	case ActionCreateOrder:
		in := cartRequest{Cart: req.Cart}
		if err := d.check(in); err != nil {
			return ErrorResponse(err)
		}
		order, err := d.useCase.CreateOrder(ctx, in.Cart)
		if err != nil {
			return ErrorResponse(err)
		}
		return http.StatusOK, gin.H{"id": order.ID}

	case ActionCreatePendingOrder:
		in := orderCartRequest{OrderID: req.OrderID, UserEmail: req.UserEmail, Cart: req.Cart}
		if err := d.check(in); err != nil {
			return ErrorResponse(err)
		}
		order, err := d.useCase.CreatePendingOrder(ctx, PendingOrderInput(in))
		if err != nil {
			return ErrorResponse(err)
		}
		return http.StatusOK, gin.H{"status": "success", "order": order}

	case ActionApproveOrder:
		in := approveRequest{OrderID: req.OrderID, UserEmail: req.UserEmail, AuthorizationID: req.AuthorizationID}
		if err := d.check(in); err != nil {
			return ErrorResponse(err)
		}
		decision, err := d.useCase.ApproveOrder(ctx, DecisionInput(in))
		if err != nil {
			return ErrorResponse(err)
		}
		return http.StatusOK, gin.H{
			"status":         "success",
			"order":          decision.Order,
			"captureId":      decision.CaptureID,
			"alreadySettled": decision.AlreadyDecided,
		}

	case ActionDenyOrder:
		in := denyRequest{OrderID: req.OrderID, UserEmail: req.UserEmail, AuthorizationID: req.AuthorizationID}
		if err := d.check(in); err != nil {
			return ErrorResponse(err)
		}
		decision, err := d.useCase.DenyOrder(ctx, DecisionInput(in))
		if err != nil {
			return ErrorResponse(err)
		}
		return http.StatusOK, gin.H{
			"status":        "success",
			"order":         decision.Order,
			"alreadyDenied": decision.AlreadyDecided,
		}

	case ActionCaptureOrder:
		in := orderCartRequest{OrderID: req.OrderID, UserEmail: req.UserEmail, Cart: req.Cart}
		if err := d.check(in); err != nil {
			return ErrorResponse(err)
		}
		result, err := d.useCase.CaptureOrder(ctx, PendingOrderInput(in))
		if err != nil {
			return ErrorResponse(err)
		}
		shortfalls := result.Shortfalls
		if shortfalls == nil {
			shortfalls = []Shortfall{}
		}
		return http.StatusOK, gin.H{"status": "success", "order": result.Order, "shortfalls": shortfalls}

	default:
		return ErrorResponse(fmt.Errorf("%w %q", ErrUnknownAction, req.Action))
	}
}

func (d *Dispatcher) check(in any) error {
	err := d.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []string{err.Error()}}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields = append(fields, fmt.Sprintf("%s must satisfy %s", ns, rule))
	}
	return &ValidationError{Fields: fields}
}

// ErrorResponse maps an error to the status code and body returned to the caller.
func ErrorResponse(err error) (int, gin.H) {
	body := gin.H{"status": "failed", "error": err.Error()}

	var recErr *ReconciliationError
	if errors.As(err, &recErr) {
		body["reconciliationRequired"] = true
		body["orderId"] = recErr.OrderID
	}

	var (
		validationErr *ValidationError
		upstreamErr   *UpstreamError
		apiErr        *payment.APIError
		status        int
	)
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
		body["code"] = "invalid_request"
		body["fields"] = validationErr.Fields
	case errors.As(err, &upstreamErr):
		status = http.StatusBadRequest
		body["code"] = upstreamCode(upstreamErr)
		body["details"] = upstreamErr.Details
	case errors.As(err, &apiErr):
		status = http.StatusInternalServerError
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			status = http.StatusBadRequest
		}
		body["code"] = "payment_error"
		if len(apiErr.Body) > 0 {
			body["details"] = apiErr.Body
		}
	case errors.Is(err, ErrInsufficientStock):
		status = http.StatusConflict
		body["code"] = "insufficient_stock"
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		body["code"] = "order_not_found"
	case errors.Is(err, ErrOrderNotPending):
		status = http.StatusConflict
		body["code"] = "order_not_pending"
	case errors.Is(err, ErrSettlementInProgress):
		status = http.StatusConflict
		body["code"] = "settlement_in_progress"
	case errors.Is(err, ErrCapabilityDisabled):
		status = http.StatusForbidden
		body["code"] = "capability_disabled"
	case errors.Is(err, ErrUnknownAction):
		status = http.StatusBadRequest
		body["code"] = "unknown_action"
	default:
		status = http.StatusInternalServerError
		body["code"] = "internal"
	}
	return status, body
}

func upstreamCode(err *UpstreamError) string {
	switch {
	case errors.Is(err, ErrAuthorizationIncomplete):
		return "authorization_incomplete"
	case errors.Is(err, ErrCaptureIncomplete):
		return "capture_incomplete"
	default:
		return "upstream_error"
	}
}

// CheckoutHandler exposes the dispatcher over gin.
type CheckoutHandler struct {
	dispatcher *Dispatcher
}

// NewCheckoutHandler creates the gin handler for the checkout endpoint.
func NewCheckoutHandler(dispatcher *Dispatcher) *CheckoutHandler {
	return &CheckoutHandler{dispatcher: dispatcher}
}

// Handle serves POST requests carrying an action envelope.
func (h *CheckoutHandler) Handle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, resp := h.dispatcher.Dispatch(c.Request.Context(), body)
	c.JSON(status, resp)
}

// Preflight answers CORS pre-flight requests with an empty body.
func (h *CheckoutHandler) Preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

// HealthCheck reports liveness.
func (h *CheckoutHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// CORS sets permissive cross-origin headers on every response.
func CORS(origin string) gin.HandlerFunc {
	headers := corsHeaders(origin)
	return func(c *gin.Context) {
		for k, v := range headers {
			c.Header(k, v)
		}
		c.Next()
	}
}

func corsHeaders(origin string) map[string]string {
	if origin == "" {
		origin = "*"
	}
	return map[string]string{
		"Access-Control-Allow-Origin":  origin,
		"Access-Control-Allow-Methods": "POST, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type",
	}
}
