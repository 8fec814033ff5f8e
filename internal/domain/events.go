package domain

import "time"

const (
	EventOrderConfirmed         = "order.confirmed"
	EventOrderPaymentFailed     = "order.payment_failed"
	EventReconciliationRequired = "order.reconciliation_required"
	EventOrderStatusChanged     = "order.status_changed"
)

type OrderEvent struct {
	Type        string      `json:"type"`
	OrderID     string      `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	UserID      string      `json:"user_id"`
	Status      OrderStatus `json:"status"`
	Total       int64       `json:"total"`
	Reason      string      `json:"reason,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

func NewOrderEvent(eventType string, order *Order, reason string) OrderEvent {
	return OrderEvent{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		UserID:      order.UserID,
		Status:      order.Status,
		Total:       order.Total,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}

func (e OrderEvent) EventType() string { return e.Type }
