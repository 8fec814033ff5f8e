package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

type Store interface {
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	ListReconciliation(ctx context.Context) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, order *domain.Order, from domain.OrderStatus, restock bool) error
}

// Publisher sends order events. A nil Publisher disables events.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Service drives post-confirmation lifecycle changes through the transition
// table.
type Service struct {
	store        Store
	publisher    Publisher
	returnWindow time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(store Store, publisher Publisher, returnWindow time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		publisher:    publisher,
		returnWindow: returnWindow,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Order, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *Service) ListReconciliation(ctx context.Context) ([]domain.Order, error) {
	return s.store.ListReconciliation(ctx)
}

// Transition applies req to the order. Illegal transitions and failed guards
// return domain.ErrIllegalStatusTransition and leave the order unchanged.
// Confirmation is not reachable here because req.PaymentVerified is never
// set by callers of this method.
func (s *Service) Transition(ctx context.Context, id string, req domain.TransitionRequest) (*domain.Order, error) {
	req.PaymentVerified = false

	order, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	from := order.Status
	if err := domain.ApplyTransition(order, req, domain.TransitionContext{Now: s.now(), ReturnWindow: s.returnWindow}); err != nil {
		return nil, err
	}

	if err := s.store.UpdateStatus(ctx, order, from, order.Status.ReleasesStock()); err != nil {
		return nil, err
	}

	s.logger.Info("order status changed", "order_id", order.ID, "from", from, "to", order.Status, "operator", req.Operator)

	if s.publisher != nil {
		event := domain.NewOrderEvent(domain.EventOrderStatusChanged, order, string(from)+" -> "+string(order.Status))
		if err := s.publisher.Publish(ctx, order.ID, event); err != nil {
			s.logger.Error("failed to publish status change event", "error", err, "order_id", order.ID)
		}
	}

	return order, nil
}
