// Package reconcile carries reports about payments that were captured but never
// reflected in the order ledger, so an operator can settle them by hand.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/dtm-labs/client/dtmcli"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// KindCapturedNotSettled marks money captured by the payment authority without a matching ledger write.
const KindCapturedNotSettled = "captured_not_settled"

// Reconciliation describes one captured payment that needs manual attention.
type Reconciliation struct {
	ID              string    `json:"id" binding:"required"`
	OrderID         string    `json:"orderId" binding:"required"`
	UserID          string    `json:"userId"`
	AuthorizationID string    `json:"authorizationId,omitempty"`
	CaptureID       string    `json:"captureId,omitempty"`
	Kind            string    `json:"kind"`
	Reason          string    `json:"reason"`
	OccurredAt      time.Time `json:"occurredAt"`

	// DTM does not forward W3C trace headers to branches, so the trace rides in the payload.
	TraceID string `json:"traceId,omitempty"`
	SpanID  string `json:"spanId,omitempty"`
}

// New builds a reconciliation record with a fresh id.
func New(kind, orderID, userID, reason string) Reconciliation {
	return Reconciliation{
		ID:         uuid.New().String(),
		OrderID:    orderID,
		UserID:     userID,
		Kind:       kind,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

// DTMReporter submits each report as a DTM two-phase message whose single branch
// is the reconciliation intake endpoint. DTM retries the branch until it succeeds.
type DTMReporter struct {
	server      string
	callbackURL string
	logger      *zap.Logger
}

// NewDTMReporter submits messages to the DTM server whose branch calls callbackURL.
func NewDTMReporter(server, callbackURL string, logger *zap.Logger) *DTMReporter {
	return &DTMReporter{server: server, callbackURL: callbackURL, logger: logger}
}

// Report uses the reconciliation id as the global transaction id, so a resubmission
// of the same report is rejected by DTM as a duplicate.
func (r *DTMReporter) Report(ctx context.Context, rec Reconciliation) error {
	_, span := otel.Tracer("dtm-msg").Start(ctx, "dtm.msg.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("dtm.gid", rec.ID),
		attribute.String("dtm.action.url", r.callbackURL),
		attribute.String("component", "dtm-coordinator"),
	)

	if sc := span.SpanContext(); sc.IsValid() {
		rec.TraceID = sc.TraceID().String()
		rec.SpanID = sc.SpanID().String()
	}

	msg := dtmcli.NewMsg(r.server, rec.ID).Add(r.callbackURL, &rec)
	if err := msg.Submit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to submit reconciliation message: %w", err)
	}
	r.logger.Warn("reconciliation submitted",
		zap.String("gid", rec.ID),
		zap.String("order_id", rec.OrderID),
		zap.String("kind", rec.Kind),
	)
	return nil
}

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSReporter enqueues reports for the reconciliation consumer.
type SQSReporter struct {
	client   SQSAPI
	queueURL string
	logger   *zap.Logger
}

// NewSQSReporter sends reports to the queue at queueURL.
func NewSQSReporter(client SQSAPI, queueURL string, logger *zap.Logger) *SQSReporter {
	return &SQSReporter{client: client, queueURL: queueURL, logger: logger}
}

// Report sends rec as a JSON message body.
func (r *SQSReporter) Report(ctx context.Context, rec Reconciliation) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode reconciliation: %w", err)
	}

	out, err := r.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue reconciliation: %w", err)
	}

	r.logger.Warn("reconciliation enqueued",
		zap.String("message_id", aws.ToString(out.MessageId)),
		zap.String("order_id", rec.OrderID),
		zap.String("kind", rec.Kind),
	)
	return nil
}

// LogReporter records reports in the service log only.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter that only logs.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs rec at error level and never fails.
func (r *LogReporter) Report(_ context.Context, rec Reconciliation) error {
	r.logger.Error("reconciliation required",
		zap.String("id", rec.ID),
		zap.String("order_id", rec.OrderID),
		zap.String("user_id", rec.UserID),
		zap.String("authorization_id", rec.AuthorizationID),
		zap.String("capture_id", rec.CaptureID),
		zap.String("kind", rec.Kind),
		zap.String("reason", rec.Reason),
	)
	return nil
}
