package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
	"github.com/joao-fontenele/orderflow-checkout/internal/messaging"
)

// EventHandler consumes order events. Orders that were paid but could not
// be fulfilled are forwarded to the ops webhook for manual reconciliation.
type EventHandler struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
	attempts   int
	backoff    time.Duration
}

func NewEventHandler(webhookURL string, client *http.Client, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		webhookURL: webhookURL,
		httpClient: client,
		logger:     logger,
		attempts:   3,
		backoff:    500 * time.Millisecond,
	}
}

type alert struct {
	Text        string `json:"text"`
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`
	Total       int64  `json:"total"`
	Reason      string `json:"reason,omitempty"`
}

func (h *EventHandler) Handle(ctx context.Context, msg messaging.Message) error {
	var event domain.OrderEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return messaging.Permanent(fmt.Errorf("unmarshal order event: %w", err))
	}

	switch event.Type {
	case domain.EventReconciliationRequired:
		h.logger.Warn("order requires reconciliation", "order_id", event.OrderID, "reason", event.Reason)
		return h.sendAlert(ctx, alert{
			Text:        fmt.Sprintf("Order %s was paid but could not be confirmed. Refund or fulfil manually.", event.OrderNumber),
			OrderID:     event.OrderID,
			OrderNumber: event.OrderNumber,
			UserID:      event.UserID,
			Total:       event.Total,
			Reason:      event.Reason,
		})
	case domain.EventOrderPaymentFailed:
		h.logger.Info("order payment failed", "order_id", event.OrderID, "reason", event.Reason)
	default:
		h.logger.Debug("ignoring order event", "type", event.Type, "order_id", event.OrderID)
	}
	return nil
}

func (h *EventHandler) sendAlert(ctx context.Context, a alert) error {
	if h.webhookURL == "" {
		h.logger.Error("no ops webhook configured, dropping reconciliation alert", "order_id", a.OrderID)
		return nil
	}

	data, err := json.Marshal(a)
	if err != nil {
		return messaging.Permanent(fmt.Errorf("marshal alert: %w", err))
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := h.post(ctx, data)
		if messaging.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     h.backoff,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         10 * h.backoff,
		}),
		backoff.WithMaxTries(uint(h.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.logger.Warn("ops webhook failed", "error", err, "attempt", attempt, "retry_in", next, "order_id", a.OrderID)
		}),
	)
	if err != nil {
		return fmt.Errorf("send reconciliation alert for order %s: %w", a.OrderID, err)
	}
	return nil
}

var errWebhookRejected = errors.New("ops webhook rejected alert")

func (h *EventHandler) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(data))
	if err != nil {
		return messaging.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return messaging.Permanent(fmt.Errorf("%w: status %d", errWebhookRejected, resp.StatusCode))
	default:
		return fmt.Errorf("ops webhook returned status %d", resp.StatusCode)
	}
}
