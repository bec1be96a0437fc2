package orders_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/orders"
	"github.com/buddiz/checkout/internal/payment"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) CreateOrder(ctx context.Context, cart []orders.LineItem) (*payment.Order, error) {
	args := m.Called(ctx, cart)
	out, _ := args.Get(0).(*payment.Order)
	return out, args.Error(1)
}

func (m *MockService) CreatePendingOrder(ctx context.Context, in orders.PendingOrderInput) (*orders.Order, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*orders.Order)
	return out, args.Error(1)
}

func (m *MockService) ApproveOrder(ctx context.Context, in orders.DecisionInput) (*orders.Decision, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*orders.Decision)
	return out, args.Error(1)
}

func (m *MockService) DenyOrder(ctx context.Context, in orders.DecisionInput) (*orders.Decision, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*orders.Decision)
	return out, args.Error(1)
}

func (m *MockService) CaptureOrder(ctx context.Context, in orders.PendingOrderInput) (*orders.CaptureResult, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*orders.CaptureResult)
	return out, args.Error(1)
}

func newRouter(svc orders.CheckoutService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := orders.NewCheckoutHandler(orders.NewDispatcher(svc, noop.NewTracerProvider().Tracer("test"), zap.NewNop()))

	r := gin.New()
	r.Use(orders.CORS("*"))
	r.POST("/api/checkout", handler.Handle)
	r.OPTIONS("/api/checkout", handler.Preflight)
	return r
}

func post(r http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHandle_CreateOrder(t *testing.T) {
	svc := new(MockService)
	svc.On("CreateOrder", mock.Anything, mock.MatchedBy(func(cart []orders.LineItem) bool {
		return len(cart) == 1 && cart[0].ProductID == "1" && cart[0].UnitPrice.StringFixed(2) == "6.50"
	})).Return(&payment.Order{ID: "PP-1"}, nil)

	w, resp := post(newRouter(svc), `{"action":"createOrder","cart":[{"id":"1","name":"Ale","price":6.5,"quantity":2}],"total":0.01}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PP-1", resp["id"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	svc.AssertExpectations(t)
}

func TestHandle_Validation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"empty cart", `{"action":"createOrder","cart":[]}`, "cart"},
		{"zero quantity", `{"action":"createOrder","cart":[{"id":"1","price":6.5,"quantity":0}]}`, "cart[0].quantity"},
		{"negative price", `{"action":"createOrder","cart":[{"id":"1","price":-1,"quantity":1}]}`, "cart[0].price"},
		{"missing product id", `{"action":"createOrder","cart":[{"price":1,"quantity":1}]}`, "cart[0].id"},
		{"bad email", `{"action":"createPendingOrder","orderID":"PP-1","userEmail":"nope","cart":[{"id":"1","price":1,"quantity":1}]}`, "userEmail"},
		{"approve without authorization", `{"action":"approveOrder","orderID":"PP-1","userEmail":"a@x.com"}`, "authorizationID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)

			w, resp := post(newRouter(svc), tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "invalid_request", resp["code"])
			assert.Contains(t, fmt.Sprint(resp["fields"]), tt.field)
			svc.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
		})
	}
}

func TestHandle_MalformedJSONAndUnknownAction(t *testing.T) {
	r := newRouter(new(MockService))

	w, _ := post(r, `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := post(r, `{"action":"refundOrder"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown_action", resp["code"])
}

func TestHandle_ApproveResponses(t *testing.T) {
	svc := new(MockService)
	in := orders.DecisionInput{OrderID: "PP-1", UserEmail: "a@x.com", AuthorizationID: "AUTH-1"}
	svc.On("ApproveOrder", mock.Anything, in).Return(&orders.Decision{
		Order:     &orders.Order{ID: "PP-1", UserID: "a@x.com", Status: orders.StatusPaid},
		CaptureID: "CAP-1",
	}, nil).Once()
	svc.On("ApproveOrder", mock.Anything, in).Return(nil, &orders.ReconciliationError{
		OrderID: "PP-1", Err: &orders.StockError{ProductID: "1", Quantity: 2},
	}).Once()

	r := newRouter(svc)
	body := `{"action":"approveOrder","orderID":"PP-1","userEmail":"a@x.com","authorizationID":"AUTH-1"}`

	w, resp := post(r, body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CAP-1", resp["captureId"])
	assert.Equal(t, false, resp["alreadySettled"])

	w, resp = post(r, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "insufficient_stock", resp["code"])
	assert.Equal(t, true, resp["reconciliationRequired"])
}

func TestHandle_CaptureOrderShortfalls(t *testing.T) {
	svc := new(MockService)
	svc.On("CaptureOrder", mock.Anything, mock.Anything).Return(&orders.CaptureResult{
		Order: &orders.Order{ID: "PP-1", Status: orders.StatusPaid},
	}, nil)

	w, resp := post(newRouter(svc), `{"action":"captureOrder","orderID":"PP-1","userEmail":"a@x.com","cart":[{"id":"1","price":1,"quantity":1}]}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, []any{}, resp["shortfalls"])
}

func TestPreflight(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(new(MockService)).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/checkout", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
}

func TestErrorResponse_StatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&orders.ValidationError{Fields: []string{"cart"}}, http.StatusBadRequest, "invalid_request"},
		{&orders.UpstreamError{Op: "authorize", Err: orders.ErrAuthorizationIncomplete}, http.StatusBadRequest, "authorization_incomplete"},
		{&orders.UpstreamError{Op: "capture", Err: orders.ErrCaptureIncomplete}, http.StatusBadRequest, "capture_incomplete"},
		{fmt.Errorf("wrapped: %w", &payment.APIError{StatusCode: 422}), http.StatusBadRequest, "payment_error"},
		{&payment.APIError{StatusCode: 503}, http.StatusInternalServerError, "payment_error"},
		{&orders.StockError{ProductID: "1"}, http.StatusConflict, "insufficient_stock"},
		{&orders.ReconciliationError{Err: orders.ErrOrderNotFound}, http.StatusNotFound, "order_not_found"},
		{orders.ErrOrderNotPending, http.StatusConflict, "order_not_pending"},
		{orders.ErrSettlementInProgress, http.StatusConflict, "settlement_in_progress"},
		{orders.ErrCapabilityDisabled, http.StatusForbidden, "capability_disabled"},
		{errors.New("dynamodb: connection reset"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, body := orders.ErrorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestErrorResponse_ReconciliationFlag(t *testing.T) {
	_, body := orders.ErrorResponse(&orders.ReconciliationError{OrderID: "PP-1", Err: errors.New("store down")})
	assert.Equal(t, true, body["reconciliationRequired"])
	assert.Equal(t, "PP-1", body["orderId"])

	_, body = orders.ErrorResponse(orders.ErrOrderNotFound)
	assert.NotContains(t, body, "reconciliationRequired")
}

func TestFunctionURLHandler(t *testing.T) {
	svc := new(MockService)
	svc.On("DenyOrder", mock.Anything, orders.DecisionInput{OrderID: "PP-1", UserEmail: "a@x.com"}).
		Return(&orders.Decision{Order: &orders.Order{ID: "PP-1", Status: orders.StatusDenied}}, nil)
	h := orders.NewFunctionURLHandler(orders.NewDispatcher(svc, noop.NewTracerProvider().Tracer("test"), zap.NewNop()), "*")

	preflight := events.LambdaFunctionURLRequest{}
	preflight.RequestContext.HTTP.Method = http.MethodOptions
	resp, err := h.Handle(context.Background(), preflight)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Body)
	assert.Equal(t, "POST, OPTIONS", resp.Headers["Access-Control-Allow-Methods"])

	req := events.LambdaFunctionURLRequest{
		Body:            base64.StdEncoding.EncodeToString([]byte(`{"action":"denyOrder","orderID":"PP-1","userEmail":"a@x.com"}`)),
		IsBase64Encoded: true,
	}
	req.RequestContext.HTTP.Method = http.MethodPost
	resp, err = h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
	assert.Contains(t, resp.Body, `"status":"success"`)
	svc.AssertExpectations(t)
}

func TestDispatch_MalformedBodyIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	d := orders.NewDispatcher(new(MockService), tp.Tracer("test"), zap.NewNop())

	status, body := d.Dispatch(context.Background(), []byte(`{not json`))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["code"])

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "checkout.dispatch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
