package domain

import "errors"

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidQuantity           = errors.New("quantity must be a positive integer")
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrStockExhausted            = errors.New("stock exhausted at commit")
	ErrReconciliationRequired    = errors.New("payment captured, reconciliation required")
	ErrLockTimeout               = errors.New("lock acquisition timed out")
	ErrIllegalStatusTransition   = errors.New("illegal order status transition")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrEmptyCart                 = errors.New("cart is empty")
	ErrCartInactive              = errors.New("cart is no longer active")
	ErrOwnerConflict             = errors.New("cart owner must be exactly one of user or session")
	ErrDataIntegrity             = errors.New("data integrity fault")
	ErrVersionConflict           = errors.New("version conflict")
)
