// Package checkout turns an active cart into a pending order and confirms
// it once the payment gateway verifies the payment.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
	"github.com/joao-fontenele/orderflow-checkout/internal/lock"
	"github.com/joao-fontenele/orderflow-checkout/internal/payment"
)

var (
	tracer = otel.Tracer("checkout")
	meter  = otel.Meter("checkout")
)

// AttemptState is the progress of one checkout attempt.
type AttemptState string

const (
	StateInitiated              AttemptState = "INITIATED"
	StateStockValidated         AttemptState = "STOCK_VALIDATED"
	StateOrderCreated           AttemptState = "ORDER_CREATED"
	StatePaymentInitiated       AttemptState = "PAYMENT_INITIATED"
	StatePaymentVerified        AttemptState = "PAYMENT_VERIFIED"
	StatePaymentFailed          AttemptState = "PAYMENT_FAILED"
	StateStockCommitted         AttemptState = "STOCK_COMMITTED"
	StateConfirmed              AttemptState = "CONFIRMED"
	StateReconciliationRequired AttemptState = "RECONCILIATION_REQUIRED"
)

type Carts interface {
	GetByID(ctx context.Context, id string) (*domain.Cart, error)
}

type Stock interface {
	CheckAvailability(ctx context.Context, reqs []domain.StockRequest) error
}

type Orders interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	SetPaymentRef(ctx context.Context, id, ref string) error
	ConfirmWithStock(ctx context.Context, id string, reqs []domain.StockRequest, now time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, id, reason string) (bool, error)
	FlagReconciliation(ctx context.Context, id, reason string) (bool, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// CartCache holds active carts for reads. A converted cart is dropped from
// it once its order is confirmed.
type CartCache interface {
	Delete(ctx context.Context, owner domain.CartOwner) error
}

type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Result struct {
	Order      *domain.Order `json:"order"`
	PaymentRef string        `json:"payment_ref,omitempty"`
	State      AttemptState  `json:"state"`
}

type Orchestrator struct {
	carts     Carts
	stock     Stock
	orders    Orders
	locker    Locker
	gateway   payment.Gateway
	publisher Publisher
	cartCache CartCache
	currency  string
	logger    *slog.Logger

	outcomes metric.Int64Counter
	now      func() time.Time
	newID    func() string
}

func NewOrchestrator(carts Carts, stock Stock, orders Orders, locker Locker, gateway payment.Gateway, publisher Publisher, currency string, logger *slog.Logger) *Orchestrator {
	outcomes, _ := meter.Int64Counter("checkout.outcomes",
		metric.WithDescription("Checkout attempts by the state they ended in."))
	return &Orchestrator{
		carts:     carts,
		stock:     stock,
		orders:    orders,
		locker:    locker,
		gateway:   gateway,
		publisher: publisher,
		currency:  currency,
		logger:    logger,
		outcomes:  outcomes,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (o *Orchestrator) WithCartCache(cache CartCache) *Orchestrator {
	o.cartCache = cache
	return o
}

// CreateOrder snapshots the user's active cart into a PENDING_PAYMENT order
// and initiates payment. Stock is only validated here, never decremented.
func (o *Orchestrator) CreateOrder(ctx context.Context, userID, cartID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "checkout.create_order", trace.WithAttributes(
		attribute.String("cart.id", cartID),
	))
	defer span.End()

	state := StateInitiated
	var order *domain.Order

	err := o.locker.WithLock(ctx, lock.CartKey(domain.UserOwner(userID)), func(ctx context.Context) error {
		c, err := o.carts.GetByID(ctx, cartID)
		if err != nil {
			return err
		}
		if c.Owner.UserID == "" || c.Owner.UserID != userID {
			return fmt.Errorf("cart %s for user %s: %w", cartID, userID, domain.ErrNotFound)
		}
		if !c.Active {
			return domain.ErrCartInactive
		}
		if len(c.Lines) == 0 {
			return domain.ErrEmptyCart
		}

		if err := o.stock.CheckAvailability(ctx, c.StockRequests()); err != nil {
			return err
		}
		state = StateStockValidated

		now := o.now()
		order = domain.NewOrderFromCart(o.newID(), o.orderNumber(now), c, o.newID, o.currency, now)
		if err := o.orders.Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		state = StateOrderCreated
		return nil
	})
	if err != nil {
		o.fail(ctx, span, state, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	ref, err := o.gateway.Initiate(ctx, order)
	if err != nil {
		if _, markErr := o.orders.MarkPaymentFailed(ctx, order.ID, "payment initiation failed"); markErr != nil {
			o.logger.Error("failed to mark payment failed", "error", markErr, "order_id", order.ID)
		}
		o.fail(ctx, span, state, err)
		return nil, fmt.Errorf("initiate payment: %w", err)
	}

	if err := o.orders.SetPaymentRef(ctx, order.ID, ref); err != nil {
		o.fail(ctx, span, state, err)
		return nil, fmt.Errorf("store payment reference: %w", err)
	}
	order.PaymentRef = ref

	o.logger.Info("order created", "order_id", order.ID, "order_number", order.Number, "user_id", userID, "total", order.Total)
	o.record(ctx, StatePaymentInitiated)
	return &Result{Order: order, PaymentRef: ref, State: StatePaymentInitiated}, nil
}

// VerifyAndConfirm handles the payment callback. It is idempotent: an order
// that is already confirmed is returned unchanged and stock is decremented
// at most once however many times the callback arrives.
func (o *Orchestrator) VerifyAndConfirm(ctx context.Context, orderID, signature string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "checkout.verify_and_confirm", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		o.fail(ctx, span, StatePaymentInitiated, err)
		return nil, err
	}

	if res, done, err := settled(order); done {
		span.SetAttributes(attribute.Bool("checkout.duplicate", true))
		return res, err
	}

	if order.PaymentRef == "" {
		err := fmt.Errorf("%w: payment was never initiated", domain.ErrPaymentVerificationFailed)
		o.fail(ctx, span, StatePaymentInitiated, err)
		return nil, err
	}

	ok, err := o.gateway.Verify(ctx, order.PaymentRef, signature)
	if err != nil {
		o.fail(ctx, span, StatePaymentInitiated, err)
		return nil, fmt.Errorf("verify payment: %w", err)
	}

	if !ok {
		return o.rejectPayment(ctx, span, order)
	}

	if order.Expired() {
		return o.requireReconciliation(ctx, span, order, capturedAfterFailure(order))
	}

	if err := domain.CheckTransition(order, domain.TransitionRequest{To: domain.OrderStatusConfirmed, PaymentVerified: true}, domain.TransitionContext{Now: o.now()}); err != nil {
		o.fail(ctx, span, StatePaymentVerified, err)
		return nil, err
	}

	reqs := order.StockRequests()
	keys := make([]string, len(reqs))
	for i, req := range reqs {
		keys[i] = lock.StockKey(req.VariantID)
	}

	var applied bool
	err = o.locker.WithLocks(ctx, keys, func(ctx context.Context) error {
		var err error
		applied, err = o.orders.ConfirmWithStock(ctx, order.ID, reqs, o.now())
		return err
	})
	if errors.Is(err, domain.ErrStockExhausted) {
		return o.requireReconciliation(ctx, span, order, err)
	}
	if err != nil {
		o.fail(ctx, span, StatePaymentVerified, err)
		return nil, err
	}

	confirmed, err := o.orders.GetByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	if !applied {
		if confirmed.PaymentFailed() {
			return o.requireReconciliation(ctx, span, confirmed, capturedAfterFailure(confirmed))
		}
		span.SetAttributes(attribute.Bool("checkout.duplicate", true))
		res, _, err := settled(confirmed)
		return res, err
	}

	o.forgetCart(ctx, confirmed)
	o.logger.Info("order confirmed", "order_id", confirmed.ID, "order_number", confirmed.Number)
	o.publish(ctx, domain.NewOrderEvent(domain.EventOrderConfirmed, confirmed, ""))
	o.record(ctx, StateConfirmed)
	return &Result{Order: confirmed, PaymentRef: confirmed.PaymentRef, State: StateConfirmed}, nil
}

func (o *Orchestrator) rejectPayment(ctx context.Context, span trace.Span, order *domain.Order) (*Result, error) {
	applied, err := o.orders.MarkPaymentFailed(ctx, order.ID, "signature rejected")
	if err != nil {
		o.fail(ctx, span, StatePaymentInitiated, err)
		return nil, err
	}

	if !applied {
		current, err := o.orders.GetByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if res, done, err := settled(current); done {
			return res, err
		}
		if current.PaymentFailed() {
			o.fail(ctx, span, StatePaymentFailed, domain.ErrPaymentVerificationFailed)
			return nil, domain.ErrPaymentVerificationFailed
		}
	}

	order.PaymentStatus = domain.PaymentStatusFailed
	o.logger.Warn("payment verification failed", "order_id", order.ID)
	o.publish(ctx, domain.NewOrderEvent(domain.EventOrderPaymentFailed, order, "signature rejected"))
	o.fail(ctx, span, StatePaymentFailed, domain.ErrPaymentVerificationFailed)
	return nil, domain.ErrPaymentVerificationFailed
}

// requireReconciliation escalates a captured payment whose order cannot be
// confirmed. Only the caller that sets the flag publishes the event.
func (o *Orchestrator) requireReconciliation(ctx context.Context, span trace.Span, order *domain.Order, cause error) (*Result, error) {
	flagged, err := o.orders.FlagReconciliation(ctx, order.ID, cause.Error())
	if err != nil {
		o.logger.Error("failed to flag order for reconciliation", "error", err, "order_id", order.ID)
		return nil, errors.Join(cause, err)
	}

	if !flagged {
		current, err := o.orders.GetByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if res, done, err := settled(current); done {
			span.SetAttributes(attribute.Bool("checkout.duplicate", true))
			return res, err
		}
	}

	order.PaymentStatus = domain.PaymentStatusPaid
	order.NeedsReconciliation = true
	order.FailureReason = cause.Error()
	o.logger.Error("payment captured but order not confirmed, reconciliation required", "order_id", order.ID, "cause", cause)
	o.publish(ctx, domain.NewOrderEvent(domain.EventReconciliationRequired, order, cause.Error()))

	err = fmt.Errorf("%w: %w", domain.ErrReconciliationRequired, cause)
	o.fail(ctx, span, StateReconciliationRequired, err)
	return nil, err
}

func capturedAfterFailure(order *domain.Order) error {
	return fmt.Errorf("payment captured after it was marked failed (%s)", order.FailureReason)
}

// settled reports the outcome for an order no longer awaiting verification.
func settled(order *domain.Order) (res *Result, done bool, err error) {
	switch {
	case order.Status != domain.OrderStatusPendingPayment:
		return &Result{Order: order, PaymentRef: order.PaymentRef, State: StateConfirmed}, true, nil
	case order.NeedsReconciliation:
		return nil, true, fmt.Errorf("%w: %s", domain.ErrReconciliationRequired, order.FailureReason)
	case order.PaymentStatus == domain.PaymentStatusFailed && !order.Expired():
		return nil, true, domain.ErrPaymentVerificationFailed
	}
	return nil, false, nil
}

func (o *Orchestrator) forgetCart(ctx context.Context, order *domain.Order) {
	if o.cartCache == nil {
		return
	}
	if err := o.cartCache.Delete(ctx, domain.UserOwner(order.UserID)); err != nil {
		o.logger.Warn("cart cache invalidation failed", "error", err, "order_id", order.ID)
	}
}

func (o *Orchestrator) publish(ctx context.Context, event domain.OrderEvent) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, event.OrderID, event); err != nil {
		o.logger.Error("failed to publish order event", "error", err, "order_id", event.OrderID, "type", event.Type)
	}
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, state AttemptState, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("checkout.state", string(state)))
	o.record(ctx, state)
}

func (o *Orchestrator) record(ctx context.Context, state AttemptState) {
	o.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("checkout.state", string(state))))
}

func (o *Orchestrator) orderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(o.newID(), "-", "")[:10])
	return "ORD-" + now.Format("20060102") + "-" + suffix
}
