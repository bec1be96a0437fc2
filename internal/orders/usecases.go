package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/lock"
	"github.com/buddiz/checkout/internal/notify"
	"github.com/buddiz/checkout/internal/payment"
	"github.com/buddiz/checkout/internal/reconcile"
)

// PaymentAuthority is the payment processor holding and charging customer funds.
type PaymentAuthority interface {
	CreateOrder(ctx context.Context, amount payment.Amount) (*payment.Order, error)
	AuthorizeOrder(ctx context.Context, orderID string) (*payment.Authorization, error)
	CaptureAuthorization(ctx context.Context, authorizationID string) (*payment.Capture, error)
	VoidAuthorization(ctx context.Context, authorizationID string) error
	CaptureOrder(ctx context.Context, orderID string) (*payment.OrderCapture, error)
}

// Notifier sends transactional emails.
type Notifier interface {
	Send(ctx context.Context, email notify.Email) error
}

// Reporter hands captured-but-unsettled payments to the operators.
type Reporter interface {
	Report(ctx context.Context, rec reconcile.Reconciliation) error
}

// SettlementLock serializes approve and deny decisions for one order.
type SettlementLock interface {
	Acquire(ctx context.Context, orderID string) (lock.Release, error)
}

// Options are the business settings of the checkout.
type Options struct {
	Currency      string
	ServiceFee    decimal.Decimal
	OperatorEmail string
	// LegacyCapture enables CaptureOrder, the non-atomic direct-capture flow.
	LegacyCapture bool
}

// PendingOrderInput is the request to record an authorized order.
type PendingOrderInput struct {
	OrderID   string
	UserEmail string
	Cart      []LineItem
}

// DecisionInput identifies the order an administrator approves or denies.
type DecisionInput struct {
	OrderID         string
	UserEmail       string
	AuthorizationID string
}

// Decision is the outcome of approving or denying an order.
type Decision struct {
	Order     *Order
	CaptureID string
	// AlreadyDecided is set when the order had reached the requested state before this call.
	AlreadyDecided bool
}

// Shortfall is a line item whose stock could not be decremented by the direct-capture flow.
type Shortfall struct {
	ProductID string `json:"id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

// CaptureResult is the outcome of the direct-capture flow.
type CaptureResult struct {
	Order      *Order
	Shortfalls []Shortfall
}

// CheckoutUseCase implements the order settlement workflow.
type CheckoutUseCase struct {
	store    Store
	payments PaymentAuthority
	notifier Notifier
	reporter Reporter
	locker   SettlementLock
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer

	settlementCounter     metric.Int64Counter
	reconciliationCounter metric.Int64Counter
}

// NewCheckoutUseCase wires the workflow. A nil locker disables cross-instance locking.
func NewCheckoutUseCase(
	store Store,
	payments PaymentAuthority,
	notifier Notifier,
	reporter Reporter,
	locker SettlementLock,
	opts Options,
	logger *zap.Logger,
) *CheckoutUseCase {
	if locker == nil {
		locker = lock.Noop{}
	}

	meter := otel.Meter("checkout")
	settlements, _ := meter.Int64Counter("checkout.settlements",
		metric.WithDescription("Approve and deny decisions by outcome"))
	reconciliations, _ := meter.Int64Counter("checkout.reconciliations",
		metric.WithDescription("Captured payments that could not be settled"))

	return &CheckoutUseCase{
		store:                 store,
		payments:              payments,
		notifier:              notifier,
		reporter:              reporter,
		locker:                locker,
		opts:                  opts,
		logger:                logger,
		tracer:                otel.Tracer("checkout"),
		settlementCounter:     settlements,
		reconciliationCounter: reconciliations,
	}
}

// Total returns the server-side total of a cart.
func (uc *CheckoutUseCase) Total(cart []LineItem) decimal.Decimal {
	return ComputeTotal(cart, uc.opts.ServiceFee)
}

// CreateOrder opens an authorization-intent payment order for the recomputed cart total.
// Nothing is persisted.
func (uc *CheckoutUseCase) CreateOrder(ctx context.Context, cart []LineItem) (*payment.Order, error) {
	ctx, span := uc.tracer.Start(ctx, "checkout.CreateOrder")
	defer span.End()

	total := uc.Total(cart)
	span.SetAttributes(attribute.String("total", total.StringFixed(2)), attribute.Int("items", len(cart)))

	order, err := uc.payments.CreateOrder(ctx, payment.Amount{
		CurrencyCode: uc.opts.Currency,
		Value:        total.StringFixed(2),
	})
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to create payment order: %w", err)
	}

	uc.logger.Info("payment order created",
		zap.String("order_id", order.ID),
		zap.String("total", total.StringFixed(2)),
	)
	return order, nil
}

// CreatePendingOrder authorizes the payment order and records it as PENDING_APPROVAL.
// No record is written unless the authorization completed.
func (uc *CheckoutUseCase) CreatePendingOrder(ctx context.Context, in PendingOrderInput) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "checkout.CreatePendingOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", in.OrderID), attribute.String("user_id", in.UserEmail))

	auth, err := uc.payments.AuthorizeOrder(ctx, in.OrderID)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to authorize order %s: %w", in.OrderID, err)
	}
	if auth.OrderStatus != payment.StatusCompleted || auth.AuthorizationID == "" {
		err := &UpstreamError{Op: "authorize", Details: auth.Raw, Err: ErrAuthorizationIncomplete}
		recordError(span, err)
		uc.logger.Warn("authorization not completed",
			zap.String("order_id", in.OrderID),
			zap.String("status", auth.OrderStatus),
		)
		return nil, err
	}

	order := NewOrder(in.OrderID, in.UserEmail, in.Cart, uc.Total(in.Cart), uc.opts.Currency, StatusPendingApproval)
	order.AuthorizationID = auth.AuthorizationID

	if err := uc.store.PutOrder(ctx, order); err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to record pending order %s: %w", order.ID, err)
	}
	span.SetAttributes(attribute.String("authorization_id", order.AuthorizationID))
	uc.logger.Info("pending order recorded",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("authorization_id", order.AuthorizationID),
		zap.String("total", order.Total.StringFixed(2)),
	)

	uc.notify(ctx, receivedEmail(order))
	uc.notify(ctx, actionRequiredEmail(uc.opts.OperatorEmail, order))
	return order, nil
}

// ApproveOrder captures the held funds, then decrements stock for every item and marks
// the order Paid in one transaction. A failure after the capture leaves the money
// captured and is reported for reconciliation.
func (uc *CheckoutUseCase) ApproveOrder(ctx context.Context, in DecisionInput) (*Decision, error) {
	ctx, span := uc.tracer.Start(ctx, "checkout.ApproveOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", in.OrderID),
		attribute.String("user_id", in.UserEmail),
		attribute.String("authorization_id", in.AuthorizationID),
	)

	release, err := uc.acquire(ctx, in.OrderID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	defer uc.release(ctx, in.OrderID, release)

	captureID, err := uc.capture(ctx, in.AuthorizationID)
	if err != nil {
		recordError(span, err)
		uc.countSettlement(ctx, "approve", "capture_failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("capture_id", captureID))

	key := OrderKey{ID: in.OrderID, UserID: in.UserEmail}
	order, err := uc.store.GetOrder(ctx, key)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return nil, uc.reconcile(ctx, span, in, captureID, ErrOrderNotFound)
	case err != nil:
		return nil, uc.reconcile(ctx, span, in, captureID, fmt.Errorf("failed to load order: %w", err))
	}

	switch order.Status {
	case StatusPaid:
		return uc.alreadySettled(ctx, order), nil
	case StatusPendingApproval:
	default:
		return nil, uc.reconcile(ctx, span, in, captureID,
			fmt.Errorf("%w: order is %s", ErrOrderNotPending, order.Status))
	}

	updates := settlementUpdates(order, captureID)
	if err := uc.store.TransactWrite(ctx, updates); err != nil {
		var condErr *ConditionFailedError
		if errors.As(err, &condErr) {
			// Stores report only the first failed condition. A concurrent approval may have
			// settled the order and drained the stock, so the order status takes precedence.
			current, getErr := uc.store.GetOrder(ctx, key)
			if getErr == nil && current.Status == StatusPaid {
				return uc.alreadySettled(ctx, current), nil
			}
			switch {
			case getErr == nil && current.Status.Terminal():
				err = fmt.Errorf("%w: order is %s", ErrOrderNotPending, current.Status)
			case condErr.Update.Kind == UpdateDecrementStock:
				err = &StockError{ProductID: condErr.Update.ProductID, Quantity: condErr.Update.Quantity}
			default:
				err = ErrOrderNotPending
			}
		} else {
			err = fmt.Errorf("settlement transaction failed: %w", err)
		}
		return nil, uc.reconcile(ctx, span, in, captureID, err)
	}

	order.Status = StatusPaid
	if captureID != "" {
		order.CaptureID = captureID
	}
	uc.countSettlement(ctx, "approve", "paid")
	uc.logger.Info("order settled",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("capture_id", captureID),
		zap.Int("products", len(updates)-1),
	)

	uc.notify(ctx, receiptEmail(order))
	return &Decision{Order: order, CaptureID: captureID}, nil
}

// DenyOrder voids the held authorization and marks the order Denied. Stock is never touched.
func (uc *CheckoutUseCase) DenyOrder(ctx context.Context, in DecisionInput) (*Decision, error) {
	ctx, span := uc.tracer.Start(ctx, "checkout.DenyOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", in.OrderID),
		attribute.String("user_id", in.UserEmail),
		attribute.String("authorization_id", in.AuthorizationID),
	)

	release, err := uc.acquire(ctx, in.OrderID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	defer uc.release(ctx, in.OrderID, release)

	if in.AuthorizationID != "" {
		if err := uc.payments.VoidAuthorization(ctx, in.AuthorizationID); err != nil {
			uc.logger.Warn("void failed, continuing with denial",
				zap.String("order_id", in.OrderID),
				zap.String("authorization_id", in.AuthorizationID),
				zap.Error(err),
			)
		}
	}

	key := OrderKey{ID: in.OrderID, UserID: in.UserEmail}
	if err := uc.store.ConditionalUpdate(ctx, TransitionStatus(key, StatusPendingApproval, StatusDenied)); err != nil {
		var condErr *ConditionFailedError
		if !errors.As(err, &condErr) {
			recordError(span, err)
			return nil, fmt.Errorf("failed to deny order %s: %w", in.OrderID, err)
		}

		current, getErr := uc.store.GetOrder(ctx, key)
		switch {
		case errors.Is(getErr, ErrRecordNotFound):
			recordError(span, ErrOrderNotFound)
			return nil, ErrOrderNotFound
		case getErr != nil:
			recordError(span, getErr)
			return nil, fmt.Errorf("failed to load order %s: %w", in.OrderID, getErr)
		case current.Status == StatusDenied:
			uc.countSettlement(ctx, "deny", "already_denied")
			return &Decision{Order: current, AlreadyDecided: true}, nil
		default:
			err := fmt.Errorf("%w: order is %s", ErrOrderNotPending, current.Status)
			recordError(span, err)
			return nil, err
		}
	}

	order, err := uc.store.GetOrder(ctx, key)
	if err != nil {
		uc.logger.Warn("denied order could not be reloaded", zap.String("order_id", in.OrderID), zap.Error(err))
		order = &Order{ID: in.OrderID, UserID: in.UserEmail, Status: StatusDenied}
	}
	uc.countSettlement(ctx, "deny", "denied")
	uc.logger.Info("order denied", zap.String("order_id", in.OrderID), zap.String("user_id", in.UserEmail))

	uc.notify(ctx, deniedEmail(order))
	return &Decision{Order: order}, nil
}

// CaptureOrder captures the payment order immediately, then decrements stock item by
// item. Stock failures are collected, never aborting, and the order is written as Paid.
func (uc *CheckoutUseCase) CaptureOrder(ctx context.Context, in PendingOrderInput) (*CaptureResult, error) {
	if !uc.opts.LegacyCapture {
		return nil, ErrCapabilityDisabled
	}

	ctx, span := uc.tracer.Start(ctx, "checkout.CaptureOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", in.OrderID), attribute.String("user_id", in.UserEmail))

	capture, err := uc.payments.CaptureOrder(ctx, in.OrderID)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to capture order %s: %w", in.OrderID, err)
	}
	if capture.Status != payment.StatusCompleted {
		err := &UpstreamError{Op: "capture", Details: capture.Raw, Err: ErrCaptureIncomplete}
		recordError(span, err)
		return nil, err
	}

	key := OrderKey{ID: in.OrderID, UserID: in.UserEmail}
	var shortfalls []Shortfall
	for _, item := range in.Cart {
		if err := uc.store.ConditionalUpdate(ctx, DecrementStock(item.ProductID, item.Quantity).ForOrder(key)); err != nil {
			uc.logger.Error("failed to decrement stock",
				zap.String("order_id", in.OrderID),
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err),
			)
			shortfalls = append(shortfalls, Shortfall{
				ProductID: item.ProductID,
				Name:      item.Name,
				Quantity:  item.Quantity,
				Reason:    err.Error(),
			})
		}
	}

	total := uc.Total(in.Cart)
	if capture.Amount != nil {
		if captured, err := decimal.NewFromString(capture.Amount.Value); err == nil {
			total = captured
		}
	}

	order := NewOrder(in.OrderID, in.UserEmail, in.Cart, total, uc.opts.Currency, StatusPaid)
	order.CaptureID = capture.CaptureID
	if err := uc.store.PutOrder(ctx, order); err != nil {
		recordError(span, err)
		rec := &ReconciliationError{OrderID: order.ID, UserID: order.UserID, CaptureID: order.CaptureID,
			Err: fmt.Errorf("failed to record captured order: %w", err)}
		uc.report(ctx, rec)
		return nil, rec
	}

	span.SetAttributes(attribute.Int("shortfalls", len(shortfalls)))
	uc.logger.Info("order captured directly",
		zap.String("order_id", order.ID),
		zap.String("capture_id", order.CaptureID),
		zap.Int("shortfalls", len(shortfalls)),
	)
	return &CaptureResult{Order: order, Shortfalls: shortfalls}, nil
}

// capture performs the final capture. An already captured authorization counts as
// success; its capture id is then unknown.
func (uc *CheckoutUseCase) capture(ctx context.Context, authorizationID string) (string, error) {
	capture, err := uc.payments.CaptureAuthorization(ctx, authorizationID)
	if err != nil {
		if payment.IsAlreadyCaptured(err) {
			uc.logger.Info("authorization already captured", zap.String("authorization_id", authorizationID))
			return "", nil
		}
		return "", fmt.Errorf("failed to capture authorization %s: %w", authorizationID, err)
	}

	switch capture.Status {
	case payment.StatusDeclined, payment.StatusFailed:
		return "", &UpstreamError{Op: "capture", Details: capture, Err: ErrCaptureIncomplete}
	}
	return capture.ID, nil
}

func settlementUpdates(order *Order, captureID string) []Update {
	demand := StockDemand(order.Items)
	updates := make([]Update, 0, len(demand)+1)
	for _, item := range demand {
		updates = append(updates, DecrementStock(item.ProductID, item.Quantity).ForOrder(order.Key()))
	}
	transition := TransitionStatus(order.Key(), StatusPendingApproval, StatusPaid)
	if captureID != "" {
		transition = transition.WithCaptureID(captureID)
	}
	return append(updates, transition)
}

func (uc *CheckoutUseCase) alreadySettled(ctx context.Context, order *Order) *Decision {
	uc.countSettlement(ctx, "approve", "already_paid")
	uc.logger.Info("order already settled", zap.String("order_id", order.ID))
	return &Decision{Order: order, CaptureID: order.CaptureID, AlreadyDecided: true}
}

// reconcile wraps a post-capture failure and reports it.
func (uc *CheckoutUseCase) reconcile(ctx context.Context, span trace.Span, in DecisionInput, captureID string, cause error) error {
	recordError(span, cause)
	uc.countSettlement(ctx, "approve", "reconciliation")

	err := &ReconciliationError{
		OrderID:         in.OrderID,
		UserID:          in.UserEmail,
		AuthorizationID: in.AuthorizationID,
		CaptureID:       captureID,
		Err:             cause,
	}
	uc.report(ctx, err)
	return err
}

func (uc *CheckoutUseCase) report(ctx context.Context, rerr *ReconciliationError) {
	rec := reconcile.New(reconcile.KindCapturedNotSettled, rerr.OrderID, rerr.UserID, rerr.Err.Error())
	rec.AuthorizationID = rerr.AuthorizationID
	rec.CaptureID = rerr.CaptureID

	uc.logger.Error("payment captured but order not settled",
		zap.String("order_id", rerr.OrderID),
		zap.String("user_id", rerr.UserID),
		zap.String("capture_id", rerr.CaptureID),
		zap.Error(rerr.Err),
	)
	uc.reconciliationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", rec.Kind)))

	if err := uc.reporter.Report(ctx, rec); err != nil {
		uc.logger.Error("failed to report reconciliation", zap.String("order_id", rerr.OrderID), zap.Error(err))
	}
}

func (uc *CheckoutUseCase) acquire(ctx context.Context, orderID string) (lock.Release, error) {
	release, err := uc.locker.Acquire(ctx, orderID)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrSettlementInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order %s: %w", orderID, err)
	}
	return release, nil
}

func (uc *CheckoutUseCase) release(ctx context.Context, orderID string, release lock.Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		uc.logger.Warn("failed to release settlement lock", zap.String("order_id", orderID), zap.Error(err))
	}
}

// notify is best-effort: a failed email never undoes a committed write.
func (uc *CheckoutUseCase) notify(ctx context.Context, email notify.Email) {
	if email.To == "" {
		return
	}
	if err := uc.notifier.Send(ctx, email); err != nil {
		uc.logger.Warn("notification failed",
			zap.String("to", email.To),
			zap.String("subject", email.Subject),
			zap.Error(err),
		)
	}
}

func (uc *CheckoutUseCase) countSettlement(ctx context.Context, action, outcome string) {
	uc.settlementCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
