package domain

import "time"

type OrderStatus string

const (
	OrderStatusPendingPayment  OrderStatus = "PENDING_PAYMENT"
	OrderStatusConfirmed       OrderStatus = "CONFIRMED"
	OrderStatusProcessing      OrderStatus = "PROCESSING"
	OrderStatusShipped         OrderStatus = "SHIPPED"
	OrderStatusDelivered       OrderStatus = "DELIVERED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusReturnRequested OrderStatus = "RETURN_REQUESTED"
	OrderStatusReturned        OrderStatus = "RETURNED"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// OrderLine is copied from a cart line at checkout. TotalPrice is fixed at
// creation and never recomputed.
type OrderLine struct {
	ID               string `json:"id"`
	VariantID        string `json:"variant_id"`
	Quantity         int    `json:"quantity"`
	UnitPrice        int64  `json:"unit_price"`
	CustomizationRef string `json:"customization_ref,omitempty"`
	Surcharge        int64  `json:"surcharge"`
	TotalPrice       int64  `json:"total_price"`
}

type Order struct {
	ID                  string        `json:"id"`
	Number              string        `json:"order_number"`
	UserID              string        `json:"user_id"`
	CartID              string        `json:"cart_id"`
	Lines               []OrderLine   `json:"lines"`
	Subtotal            int64         `json:"subtotal"`
	TaxAmount           int64         `json:"tax_amount"`
	Total               int64         `json:"total"`
	Currency            string        `json:"currency"`
	Status              OrderStatus   `json:"status"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	PaymentRef          string        `json:"payment_ref,omitempty"`
	NeedsReconciliation bool          `json:"needs_reconciliation"`
	FailureReason       string        `json:"failure_reason,omitempty"`
	TrackingNumber      string        `json:"tracking_number,omitempty"`
	Carrier             string        `json:"carrier,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	DeliveredAt         *time.Time    `json:"delivered_at,omitempty"`
}

// NewOrderFromCart snapshots an active cart into a PENDING_PAYMENT order.
func NewOrderFromCart(id, number string, cart *Cart, lineIDs func() string, currency string, now time.Time) *Order {
	lines := make([]OrderLine, 0, len(cart.Lines))
	for _, l := range cart.Lines {
		lines = append(lines, OrderLine{
			ID:               lineIDs(),
			VariantID:        l.VariantID,
			Quantity:         l.Quantity,
			UnitPrice:        l.UnitPrice,
			CustomizationRef: l.CustomizationRef,
			Surcharge:        l.Surcharge,
			TotalPrice:       l.UnitPrice*int64(l.Quantity) + l.Surcharge,
		})
	}
	return &Order{
		ID:            id,
		Number:        number,
		UserID:        cart.Owner.UserID,
		CartID:        cart.ID,
		Lines:         lines,
		Subtotal:      cart.Subtotal,
		TaxAmount:     cart.TaxAmount,
		Total:         cart.Total,
		Currency:      currency,
		Status:        OrderStatusPendingPayment,
		PaymentStatus: PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// StockRequests aggregates the order lines per variant, sorted by variant id.
func (o *Order) StockRequests() []StockRequest {
	return AggregateStock(o.Lines, func(l OrderLine) (string, int) { return l.VariantID, l.Quantity })
}

// PaymentFailed reports the terminal failed sub-state of PENDING_PAYMENT.
func (o *Order) PaymentFailed() bool {
	return o.Status == OrderStatusPendingPayment && o.PaymentStatus == PaymentStatusFailed
}

// FailureReasonExpired is recorded when an order sat in PENDING_PAYMENT past
// its deadline. The gateway may still capture the payment afterwards.
const FailureReasonExpired = "expired"

// Expired reports a payment abandoned by the customer rather than rejected by
// the gateway.
func (o *Order) Expired() bool {
	return o.PaymentFailed() && o.FailureReason == FailureReasonExpired
}
