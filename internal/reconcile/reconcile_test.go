package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/notify"
)

type MockSQS struct {
	mock.Mock
}

func (m *MockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*sqs.SendMessageOutput)
	return out, args.Error(1)
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, email notify.Email) error {
	return m.Called(ctx, email).Error(0)
}

func sample() Reconciliation {
	rec := New(KindCapturedNotSettled, "ORDER-1", "a@x.com", "insufficient stock")
	rec.AuthorizationID = "AUTH-1"
	rec.CaptureID = "CAP-1"
	return rec
}

func TestNew_AssignsID(t *testing.T) {
	a := New(KindCapturedNotSettled, "O", "u", "r")
	b := New(KindCapturedNotSettled, "O", "u", "r")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.OccurredAt.IsZero())
}

func TestSQSReporter_Report(t *testing.T) {
	rec := sample()
	client := new(MockSQS)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		var got Reconciliation
		if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &got); err != nil {
			return false
		}
		return aws.ToString(in.QueueUrl) == "https://sqs/q" && got.ID == rec.ID && got.OrderID == "ORDER-1"
	})).Return(&sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil)

	err := NewSQSReporter(client, "https://sqs/q", zap.NewNop()).Report(context.Background(), rec)

	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestSQSReporter_Failure(t *testing.T) {
	client := new(MockSQS)
	client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("queue gone"))

	err := NewSQSReporter(client, "https://sqs/q", zap.NewNop()).Report(context.Background(), sample())

	assert.ErrorContains(t, err, "queue gone")
}

func TestDTMReporter_SubmitsMessage(t *testing.T) {
	rec := sample()
	var path string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dtm_result":"SUCCESS"}`))
	}))
	defer srv.Close()

	reporter := NewDTMReporter(srv.URL+"/api/dtmsvr", "http://checkout/api/reconciliations", zap.NewNop())
	err := reporter.Report(context.Background(), rec)

	require.NoError(t, err)
	assert.Equal(t, "/api/dtmsvr/submit", path)
	assert.Contains(t, string(body), rec.ID)
	assert.Contains(t, string(body), "http://checkout/api/reconciliations")
}

func TestAlert_Content(t *testing.T) {
	email := Alert("ops@buddiz.com", sample())

	assert.Equal(t, "ops@buddiz.com", email.To)
	assert.Contains(t, email.Subject, "ORDER-1")
	assert.Contains(t, email.Text, "CAP-1")
	assert.Contains(t, email.Text, "insufficient stock")
}

func TestIntake_HandleHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := sample()

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(e notify.Email) bool {
		return e.To == "ops@buddiz.com"
	})).Return(nil).Once()

	r := gin.New()
	r.POST("/api/reconciliations", NewIntake(sender, "ops@buddiz.com", zap.NewNop()).HandleHTTP)

	payload, _ := json.Marshal(rec)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reconciliations", bytes.NewReader(payload)))

	assert.Equal(t, http.StatusOK, w.Code)
	sender.AssertExpectations(t)
}

func TestIntake_HandleHTTP_Errors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("ses down"))

	r := gin.New()
	r.POST("/api/reconciliations", NewIntake(sender, "ops@buddiz.com", zap.NewNop()).HandleHTTP)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reconciliations", bytes.NewReader([]byte(`{"orderId":"O"}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	payload, _ := json.Marshal(sample())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reconciliations", bytes.NewReader(payload)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestIntake_HandleSQSEvent(t *testing.T) {
	good, _ := json.Marshal(sample())
	failing := sample()
	failing.OrderID = "ORDER-2"
	bad, _ := json.Marshal(failing)

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(e notify.Email) bool {
		return bytes.Contains([]byte(e.Subject), []byte("ORDER-1"))
	})).Return(nil)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(e notify.Email) bool {
		return bytes.Contains([]byte(e.Subject), []byte("ORDER-2"))
	})).Return(errors.New("ses down"))

	intake := NewIntake(sender, "ops@buddiz.com", zap.NewNop())
	resp, err := intake.HandleSQSEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: string(good)},
		{MessageId: "m-2", Body: "not json"},
		{MessageId: "m-3", Body: string(bad)},
	}})

	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m-3", resp.BatchItemFailures[0].ItemIdentifier)
}

func TestLogReporter_NeverFails(t *testing.T) {
	assert.NoError(t, NewLogReporter(zap.NewNop()).Report(context.Background(), sample()))
}

func TestStartSpanFromPayload_ContinuesTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tp)

	rec := New(KindCapturedNotSettled, "PP-1", "a@x.com", "stock")
	rec.TraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec.SpanID = "00f067aa0ba902b7"

	_, span := startSpanFromPayload(context.Background(), "reconcile.intake", rec)
	defer span.End()
	assert.Equal(t, rec.TraceID, span.SpanContext().TraceID().String())

	_, fresh := startSpanFromPayload(context.Background(), "reconcile.intake", New(KindCapturedNotSettled, "PP-2", "", ""))
	defer fresh.End()
	assert.NotEqual(t, rec.TraceID, fresh.SpanContext().TraceID().String())
}
