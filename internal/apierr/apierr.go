// Package apierr maps domain errors to HTTP status codes and client-safe
// messages.
package apierr

import (
	"errors"
	"net/http"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

var table = []struct {
	err     error
	status  int
	message string
}{
	{domain.ErrInvalidQuantity, http.StatusBadRequest, "quantity must be a positive integer"},
	{domain.ErrOwnerConflict, http.StatusBadRequest, "exactly one of X-User-ID or X-Session-ID is required"},
	{domain.ErrEmptyCart, http.StatusBadRequest, "cart is empty"},
	{domain.ErrNotFound, http.StatusNotFound, "not found"},
	{domain.ErrInsufficientStock, http.StatusConflict, "insufficient stock"},
	{domain.ErrStockExhausted, http.StatusConflict, "order could not be completed, no charge will be retained"},
	{domain.ErrReconciliationRequired, http.StatusConflict, "order could not be completed, no charge will be retained"},
	{domain.ErrCartInactive, http.StatusConflict, "cart is no longer active"},
	{domain.ErrVersionConflict, http.StatusConflict, "resource was modified concurrently, reload and retry"},
	{domain.ErrPaymentVerificationFailed, http.StatusPaymentRequired, "payment verification failed"},
	{domain.ErrIllegalStatusTransition, http.StatusUnprocessableEntity, "illegal status transition"},
	{domain.ErrLockTimeout, http.StatusServiceUnavailable, "please try again"},
}

// Status returns the HTTP status and message for err. ok is false for
// errors with no mapping; those are reported as 500.
func Status(err error) (status int, message string, ok bool) {
	for _, e := range table {
		if errors.Is(err, e.err) {
			return e.status, e.message, true
		}
	}
	return http.StatusInternalServerError, "internal server error", false
}
