package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The api layer maps these to HTTP status codes.
var (
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrBelowMinimum          = errors.New("below_minimum")
	ErrInsufficientBalance   = errors.New("insufficient_balance")
	ErrInsufficientInventory = errors.New("insufficient_inventory")
	ErrPriceUnavailable      = errors.New("price_unavailable")
	ErrFeedUnavailable       = errors.New("feed_unavailable")
	ErrWalletNotFound        = errors.New("wallet_not_found")
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrOrderNotConfirmable   = errors.New("order_not_confirmable")
	ErrOrderExpired          = errors.New("order_expired")
	ErrConcurrencyConflict   = errors.New("concurrency_conflict")
	ErrLimitExceeded         = errors.New("limit_exceeded")
)

// ValidationError represents bad input rejected before any mutation.
// Err, when set, is the sentinel describing the rule that failed.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Invalid builds a ValidationError wrapping sentinel.
func Invalid(sentinel error, format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...), Err: sentinel}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
