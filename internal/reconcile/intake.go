package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/notify"
)

// Sender delivers the operator alert.
type Sender interface {
	Send(ctx context.Context, email notify.Email) error
}

// Intake turns delivered reconciliation reports into operator alerts.
type Intake struct {
	sender   Sender
	operator string
	logger   *zap.Logger
}

// NewIntake alerts operatorEmail through sender.
func NewIntake(sender Sender, operatorEmail string, logger *zap.Logger) *Intake {
	return &Intake{sender: sender, operator: operatorEmail, logger: logger}
}

// Handle alerts the operator about rec. Redelivery simply alerts again.
func (in *Intake) Handle(ctx context.Context, rec Reconciliation) error {
	ctx, span := startSpanFromPayload(ctx, "reconcile.intake", rec)
	defer span.End()
	span.SetAttributes(attribute.String("order_id", rec.OrderID), attribute.String("kind", rec.Kind))

	in.logger.Warn("reconciliation received",
		zap.String("id", rec.ID),
		zap.String("order_id", rec.OrderID),
		zap.String("kind", rec.Kind),
	)
	if err := in.sender.Send(ctx, Alert(in.operator, rec)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to alert operator for %s: %w", rec.OrderID, err)
	}
	return nil
}

// startSpanFromPayload continues the trace recorded in rec when there is one.
func startSpanFromPayload(ctx context.Context, name string, rec Reconciliation) (context.Context, trace.Span) {
	if rec.TraceID != "" && rec.SpanID != "" {
		traceID, terr := trace.TraceIDFromHex(rec.TraceID)
		spanID, serr := trace.SpanIDFromHex(rec.SpanID)
		if terr == nil && serr == nil {
			ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     spanID,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			}))
		}
	}
	return otel.Tracer("reconcile").Start(ctx, name)
}

// HandleHTTP is the DTM branch endpoint. A non-2xx answer makes DTM retry.
func (in *Intake) HandleHTTP(c *gin.Context) {
	var rec Reconciliation
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := in.Handle(c.Request.Context(), rec); err != nil {
		in.logger.Error("reconciliation intake failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dtm_result": "SUCCESS"})
}

// HandleSQSEvent consumes reports queued by SQSReporter. Records that fail are
// returned as batch item failures so only they are redelivered.
func (in *Intake) HandleSQSEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		var rec Reconciliation
		if err := json.Unmarshal([]byte(record.Body), &rec); err != nil {
			// malformed bodies would never succeed, drop them
			in.logger.Error("discarding malformed reconciliation", zap.String("message_id", record.MessageId), zap.Error(err))
			continue
		}
		if err := in.Handle(ctx, rec); err != nil {
			in.logger.Error("reconciliation intake failed", zap.String("message_id", record.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

// Alert renders the operator email for rec.
func Alert(operator string, rec Reconciliation) notify.Email {
	subject := fmt.Sprintf("Reconciliation required for order %s", rec.OrderID)
	text := fmt.Sprintf(
		"Payment was captured but the order ledger was not updated.\n\n"+
			"Order: %s\nCustomer: %s\nAuthorization: %s\nCapture: %s\nKind: %s\nReason: %s\nAt: %s\n",
		rec.OrderID, rec.UserID, rec.AuthorizationID, rec.CaptureID, rec.Kind, rec.Reason,
		rec.OccurredAt.Format("2006-01-02 15:04:05 MST"),
	)
	return notify.Email{To: operator, Subject: subject, Text: text}
}
