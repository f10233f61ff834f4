package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation is returned for malformed input, before any state mutation.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when an account cannot cover a trade
	// or margin requirement. No side effects have been applied.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientShares is returned when selling more shares than held.
	ErrInsufficientShares = fmt.Errorf("%w: insufficient shares", ErrValidation)

	// ErrMarketResolved is returned when trading a resolved or void market.
	ErrMarketResolved = errors.New("market resolved")

	// ErrPositionClosed is returned when operating on a closed or liquidated
	// position.
	ErrPositionClosed = errors.New("position closed")

	// ErrQuestionClosed is returned when a question is no longer active.
	ErrQuestionClosed = errors.New("question closed")

	// ErrConcurrentModification is returned when a transaction kept
	// conflicting. Callers retry the single operation.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrCollaboratorUnavailable wraps failures of the content generator or
	// notification sink.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InsufficientBalanceError carries the shortfall of a rejected trade.
type InsufficientBalanceError struct {
	AccountID string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: account %s requires %s, has %s",
		e.AccountID, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
