package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

type PendingOrders interface {
	ExpirePending(ctx context.Context, cutoff time.Time) ([]domain.Order, error)
}

type InactiveCarts interface {
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Janitor periodically fails the payment of orders abandoned in
// PENDING_PAYMENT and purges old inactive carts.
type Janitor struct {
	orders        PendingOrders
	carts         InactiveCarts
	publisher     Publisher
	pendingTTL    time.Duration
	cartRetention time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func NewJanitor(orders PendingOrders, carts InactiveCarts, publisher Publisher, pendingTTL, cartRetention time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		orders:        orders,
		carts:         carts,
		publisher:     publisher,
		pendingTTL:    pendingTTL,
		cartRetention: cartRetention,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()

	expired, err := j.orders.ExpirePending(ctx, now.Add(-j.pendingTTL))
	if err != nil {
		j.logger.Error("failed to expire pending orders", "error", err)
	}
	for i := range expired {
		o := &expired[i]
		j.logger.Info("pending order expired", "order_id", o.ID, "order_number", o.Number)
		if j.publisher == nil {
			continue
		}
		if err := j.publisher.Publish(ctx, o.ID, domain.NewOrderEvent(domain.EventOrderPaymentFailed, o, domain.FailureReasonExpired)); err != nil {
			j.logger.Error("failed to publish order event", "error", err, "order_id", o.ID)
		}
	}

	deleted, err := j.carts.DeleteInactiveBefore(ctx, now.Add(-j.cartRetention))
	if err != nil {
		j.logger.Error("failed to purge inactive carts", "error", err)
		return
	}
	if deleted > 0 {
		j.logger.Info("purged inactive carts", "count", deleted)
	}
}
