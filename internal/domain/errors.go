package domain

import "errors"

var (
	ErrNotFound                 = errors.New("not found")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrSignatureInvalid         = errors.New("signature invalid")
	ErrGatewayUnreachable       = errors.New("gateway unreachable")
	ErrGatewayRejected          = errors.New("gateway rejected")
	ErrUnknownOrder             = errors.New("unknown order")
	ErrMissingBillingInstrument = errors.New("missing billing instrument")
	ErrRetryBudgetExhausted     = errors.New("retry budget exhausted")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrNotRecurring             = errors.New("donation is not recurring")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrDuplicateOperation       = errors.New("duplicate operation")
	ErrPeriodSettled            = errors.New("billing period already settled")
	ErrChargeInFlight           = errors.New("charge in flight")
)
