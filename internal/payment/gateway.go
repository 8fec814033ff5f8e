// Package payment is the client for the external payment gateway.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

// ErrUnavailable means the gateway could not be reached or the breaker is
// open. The operation may be retried.
var ErrUnavailable = errors.New("payment gateway unavailable")

type Gateway interface {
	Initiate(ctx context.Context, order *domain.Order) (ref string, err error)
	Verify(ctx context.Context, ref, signature string) (bool, error)
}

type HTTPGateway struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewHTTPGateway trips the breaker after 5 consecutive transport or 5xx
// failures and probes again after 30 seconds. 4xx answers do not count.
func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "payment-gateway",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				var statusErr *StatusError
				return err == nil || errors.As(err, &statusErr)
			},
		}),
	}
}

type initiateRequest struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type initiateResponse struct {
	Reference string `json:"reference"`
}

func (g *HTTPGateway) Initiate(ctx context.Context, order *domain.Order) (string, error) {
	body, err := g.post(ctx, "/payments", initiateRequest{
		OrderID:  order.ID,
		Amount:   order.Total,
		Currency: order.Currency,
	})
	if err != nil {
		return "", err
	}

	var resp initiateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode initiate response: %w", err)
	}
	if resp.Reference == "" {
		return "", fmt.Errorf("initiate payment for order %s: empty reference", order.ID)
	}
	return resp.Reference, nil
}

type verifyRequest struct {
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// Verify asks the gateway whether signature proves payment for ref. A false
// result is a definite answer; an error means the answer is unknown.
func (g *HTTPGateway) Verify(ctx context.Context, ref, signature string) (bool, error) {
	body, err := g.post(ctx, "/payments/"+url.PathEscape(ref)+"/verify", verifyRequest{Signature: signature})
	if err != nil {
		return false, err
	}

	var resp verifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode verify response: %w", err)
	}
	return resp.Valid, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := g.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return respBody, nil
	})
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("payment %s: %w", path, err)
		}
		return nil, fmt.Errorf("payment %s: %w: %v", path, ErrUnavailable, err)
	}

	return body, nil
}

// StatusError is a non-retryable 4xx answer from the gateway.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway rejected request with status %d", e.Code)
}
