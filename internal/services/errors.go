package services

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOrder guards data integrity: a validated notification that
	// references no payment record never touches the ledger.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrAmountMismatch means a validly signed notification carries an
	// amount different from the recorded order.
	ErrAmountMismatch = errors.New("notification amount mismatch")

	// ErrSourceNotAllowed means the notification source IP is outside the
	// configured allow-list.
	ErrSourceNotAllowed = errors.New("notification source not allowed")

	ErrPaymentNotFound     = errors.New("payment not found")
	ErrAlreadyRefunded     = errors.New("payment already refunded")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")

	ErrInvalidAmount  = errors.New("amount must be greater than zero")
	ErrUnknownPackage = errors.New("unknown credit package")
)

// InsufficientFundsError reports a debit refused by the soft overdraft
// limit, carrying what the caller needs to prompt a top-up.
type InsufficientFundsError struct {
	Balance  float64
	Required float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %.2f, required %.2f", e.Balance, e.Required)
}
