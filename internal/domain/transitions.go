package domain

import (
	"fmt"
	"strings"
	"time"
)

// TransitionRequest carries the inputs guards may need.
type TransitionRequest struct {
	To             OrderStatus
	TrackingNumber string
	Carrier        string
	Operator       string
	// PaymentVerified is set only by the checkout orchestrator.
	PaymentVerified bool
}

type TransitionContext struct {
	Now          time.Time
	ReturnWindow time.Duration
}

type guard func(o *Order, req TransitionRequest, tc TransitionContext) error

type transitionKey struct {
	from OrderStatus
	to   OrderStatus
}

var transitions = map[transitionKey]guard{
	{OrderStatusPendingPayment, OrderStatusConfirmed}: func(o *Order, req TransitionRequest, _ TransitionContext) error {
		if !req.PaymentVerified || o.PaymentStatus == PaymentStatusFailed || o.NeedsReconciliation {
			return fmt.Errorf("payment not verified")
		}
		return nil
	},
	{OrderStatusConfirmed, OrderStatusProcessing}: nil,
	{OrderStatusProcessing, OrderStatusShipped}: func(_ *Order, req TransitionRequest, _ TransitionContext) error {
		if strings.TrimSpace(req.TrackingNumber) == "" || strings.TrimSpace(req.Carrier) == "" {
			return fmt.Errorf("tracking number and carrier are required")
		}
		return nil
	},
	{OrderStatusShipped, OrderStatusDelivered}:   nil,
	{OrderStatusConfirmed, OrderStatusCancelled}: nil,
	// Both source states precede SHIPPED, so "not yet shipped" holds by construction.
	{OrderStatusProcessing, OrderStatusCancelled}: nil,
	{OrderStatusDelivered, OrderStatusReturnRequested}: func(o *Order, _ TransitionRequest, tc TransitionContext) error {
		if o.DeliveredAt == nil {
			return fmt.Errorf("delivery time unknown")
		}
		if tc.Now.After(o.DeliveredAt.Add(tc.ReturnWindow)) {
			return fmt.Errorf("return window of %s elapsed", tc.ReturnWindow)
		}
		return nil
	},
	{OrderStatusReturnRequested, OrderStatusReturned}: func(_ *Order, req TransitionRequest, _ TransitionContext) error {
		if strings.TrimSpace(req.Operator) == "" {
			return fmt.Errorf("operator confirmation required")
		}
		return nil
	},
}

// CheckTransition validates a transition against the table and its guard
// without mutating the order.
func CheckTransition(o *Order, req TransitionRequest, tc TransitionContext) error {
	g, ok := transitions[transitionKey{o.Status, req.To}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalStatusTransition, o.Status, req.To)
	}
	if g == nil {
		return nil
	}
	if err := g(o, req, tc); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrIllegalStatusTransition, o.Status, req.To, err)
	}
	return nil
}

// ApplyTransition checks and then applies a transition. On error the order
// is left untouched.
func ApplyTransition(o *Order, req TransitionRequest, tc TransitionContext) error {
	if err := CheckTransition(o, req, tc); err != nil {
		return err
	}
	o.Status = req.To
	o.UpdatedAt = tc.Now
	switch req.To {
	case OrderStatusConfirmed:
		o.PaymentStatus = PaymentStatusPaid
	case OrderStatusShipped:
		o.TrackingNumber = strings.TrimSpace(req.TrackingNumber)
		o.Carrier = strings.TrimSpace(req.Carrier)
	case OrderStatusDelivered:
		at := tc.Now
		o.DeliveredAt = &at
	}
	return nil
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusReturned
}

// ReleasesStock reports whether entering the status returns the order's
// units to the ledger.
func (s OrderStatus) ReleasesStock() bool {
	return s == OrderStatusCancelled
}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch st := OrderStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case OrderStatusPendingPayment, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturnRequested, OrderStatusReturned:
		return st, true
	}
	return "", false
}
