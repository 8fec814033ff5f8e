package checkout

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
	"github.com/joao-fontenele/orderflow-checkout/internal/payment"
)

func newTestHandler(env *testEnv) *Handler {
	return NewHandler(env.orch, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandler_HandleCreateOrder(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		body       string
		wantStatus int
	}{
		{"creates order", "u-1", `{"cart_id":"cart-1"}`, http.StatusCreated},
		{"requires user", "", `{"cart_id":"cart-1"}`, http.StatusUnauthorized},
		{"missing cart id", "u-1", `{}`, http.StatusBadRequest},
		{"malformed body", "u-1", `{`, http.StatusBadRequest},
		{"cart of another user", "u-2", `{"cart_id":"cart-1"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t, map[string]int{"VAR-001": 5})
			env.addCart(t, "cart-1", "u-1", line("VAR-001", 2))
			handler := newTestHandler(env)

			req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(tt.body))
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			rec := httptest.NewRecorder()

			handler.HandleCreateOrder(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_HandleCreateOrder_InsufficientStock(t *testing.T) {
	env := setup(t, map[string]int{"VAR-001": 1})
	env.addCart(t, "cart-1", "u-1", line("VAR-001", 2))
	handler := newTestHandler(env)

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(`{"cart_id":"cart-1"}`))
	req.Header.Set("X-User-ID", "u-1")
	rec := httptest.NewRecorder()

	handler.HandleCreateOrder(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rec.Code)
	}
}

func TestHandler_HandleCreateOrder_GatewayUnavailable(t *testing.T) {
	env := setup(t, map[string]int{"VAR-001": 5})
	env.addCart(t, "cart-1", "u-1", line("VAR-001", 1))
	env.gateway.initiateErr = fmt.Errorf("initiate: %w", payment.ErrUnavailable)
	handler := newTestHandler(env)

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(`{"cart_id":"cart-1"}`))
	req.Header.Set("X-User-ID", "u-1")
	rec := httptest.NewRecorder()

	handler.HandleCreateOrder(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestHandler_HandleVerify(t *testing.T) {
	env := setup(t, map[string]int{"VAR-001": 5})
	env.addCart(t, "cart-1", "u-1", line("VAR-001", 2))
	handler := newTestHandler(env)

	created, err := env.orch.CreateOrder(t.Context(), "u-1", "cart-1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	verify := func(orderID, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/checkout/"+orderID+"/verify", strings.NewReader(body))
		req.SetPathValue("orderId", orderID)
		rec := httptest.NewRecorder()
		handler.HandleVerify(rec, req)
		return rec
	}

	if rec := verify(created.Order.ID, `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without signature, got %d", rec.Code)
	}
	if rec := verify("missing", `{"signature":"valid"}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown order, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		rec := verify(created.Order.ID, `{"signature":"valid"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected status 200, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
		var res Result
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if res.Order.Status != domain.OrderStatusConfirmed {
			t.Errorf("attempt %d: expected CONFIRMED, got %s", i+1, res.Order.Status)
		}
	}

	if got := env.ledger.available("VAR-001"); got != 3 {
		t.Errorf("expected 3 units left, got %d", got)
	}
}

func TestHandler_HandleVerify_Rejected(t *testing.T) {
	env := setup(t, map[string]int{"VAR-001": 5})
	env.addCart(t, "cart-1", "u-1", line("VAR-001", 1))
	handler := newTestHandler(env)

	created, err := env.orch.CreateOrder(t.Context(), "u-1", "cart-1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/checkout/x/verify", strings.NewReader(`{"signature":"forged"}`))
	req.SetPathValue("orderId", created.Order.ID)
	rec := httptest.NewRecorder()
	handler.HandleVerify(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", rec.Code)
	}
}
