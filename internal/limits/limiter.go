// Package limits caps how much gold a single lock may cover and how much a
// user may hold in outstanding PENDING_LOCKED orders.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/goldvault/gold-engine/internal/model"
)

var (
	// ErrOrderTooLarge is returned when a single lock exceeds MaxOrderGrams.
	ErrOrderTooLarge = errors.New("limits: order size limit exceeded")

	// ErrPendingLimitExceeded is returned when a lock would push the user's
	// outstanding grams on that side beyond MaxPendingGrams.
	ErrPendingLimitExceeded = errors.New("limits: outstanding lock limit exceeded")
)

// OrderLimiter enforces per-order and per-user outstanding limits.
// A zero limit disables that check.
type OrderLimiter struct {
	// MaxOrderGrams is the largest quantity one lock may cover.
	MaxOrderGrams decimal.Decimal

	// MaxPendingGrams is the largest total quantity a user may hold across
	// PENDING_LOCKED orders of one side.
	MaxPendingGrams decimal.Decimal
}

// NewOrderLimiter creates a limiter with the given limits.
func NewOrderLimiter(maxOrderGrams, maxPendingGrams decimal.Decimal) *OrderLimiter {
	return &OrderLimiter{
		MaxOrderGrams:   maxOrderGrams,
		MaxPendingGrams: maxPendingGrams,
	}
}

// limitError wraps a limit sentinel in a ValidationError that also matches
// model.ErrLimitExceeded.
type limitError struct {
	cause error
}

func (e *limitError) Error() string { return e.cause.Error() }

func (e *limitError) Is(target error) bool { return target == model.ErrLimitExceeded }

func (e *limitError) Unwrap() error { return e.cause }

// CheckLimit validates a new lock of grams on side, given the grams the
// user already holds in pending orders of that side. Violations are
// ValidationErrors matching model.ErrLimitExceeded and the specific sentinel.
func (l *OrderLimiter) CheckLimit(side model.Side, grams, pending decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Per-order limit.
	if l.MaxOrderGrams.IsPositive() && grams.GreaterThan(l.MaxOrderGrams) {
		return &model.ValidationError{
			Message: "order of " + grams.String() + "g exceeds the " + l.MaxOrderGrams.String() + "g limit",
			Err:     &limitError{cause: ErrOrderTooLarge},
		}
	}

	// 2. Outstanding locks on the same side.
	if l.MaxPendingGrams.IsPositive() && pending.Add(grams).GreaterThan(l.MaxPendingGrams) {
		return &model.ValidationError{
			Message: string(side) + " locks of " + pending.Add(grams).String() + "g would exceed the " + l.MaxPendingGrams.String() + "g outstanding limit",
			Err:     &limitError{cause: ErrPendingLimitExceeded},
		}
	}

	return nil
}
