package domain

import "errors"

var (
	ErrInvalidAmount         = errors.New("contribution amount must be greater than zero")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrAlreadyClosed         = errors.New("pool is already closed")
	ErrAlreadyPaidOut        = errors.New("pool is already paid out")
	ErrPaymentMethodNotFound = errors.New("no primary payment method on file")
	ErrUnsupportedProvider   = errors.New("unsupported payment provider")
	ErrDuplicateTransaction  = errors.New("payment transaction already recorded")
)
