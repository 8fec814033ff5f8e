package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		ok     bool
	}{
		{fmt.Errorf("variant x: %w", domain.ErrInsufficientStock), http.StatusConflict, true},
		{domain.ErrStockExhausted, http.StatusConflict, true},
		{fmt.Errorf("%w: expired", domain.ErrReconciliationRequired), http.StatusConflict, true},
		{fmt.Errorf("acquire: %w", domain.ErrLockTimeout), http.StatusServiceUnavailable, true},
		{domain.ErrIllegalStatusTransition, http.StatusUnprocessableEntity, true},
		{domain.ErrPaymentVerificationFailed, http.StatusPaymentRequired, true},
		{domain.ErrNotFound, http.StatusNotFound, true},
		{domain.ErrInvalidQuantity, http.StatusBadRequest, true},
		{errors.New("disk on fire"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		status, msg, ok := Status(tt.err)
		if status != tt.status || ok != tt.ok {
			t.Errorf("Status(%v) = %d, %v; want %d, %v", tt.err, status, ok, tt.status, tt.ok)
		}
		if msg == "" {
			t.Errorf("Status(%v) returned an empty message", tt.err)
		}
	}
}

func TestStatus_StockExhaustedMessage(t *testing.T) {
	_, msg, _ := Status(domain.ErrStockExhausted)
	if msg != "order could not be completed, no charge will be retained" {
		t.Errorf("unexpected message: %s", msg)
	}
}
