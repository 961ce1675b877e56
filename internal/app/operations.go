package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/providers/gateway"
	"donationsvc/internal/webhook"
)

// Revoker is the refund call of the gateway.
type Revoker interface {
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (gateway.Result, error)
}

// StatusChecker queries the gateway for an order.
type StatusChecker interface {
	CheckStatus(ctx context.Context, orderID string) (gateway.Result, error)
}

// RefundPayment revokes a successful payment at the gateway and records the
// reversal. A nil amount refunds what is left. The amount is validated
// against earlier reversals before the gateway is called.
func RefundPayment(ctx context.Context, l *ledger.Ledger, revoker Revoker, orderID string, amount *decimal.Decimal, reason string) (*domain.Transaction, error) {
	tx, err := l.Store().GetTransaction(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if tx.Kind != domain.TxKindPayment || tx.Status != domain.TxSuccess {
		return nil, fmt.Errorf("%w: only successful payments can be refunded", domain.ErrInvalidTransition)
	}
	if tx.ExternalID == "" {
		return nil, fmt.Errorf("%w: payment %s has no gateway id", domain.ErrInvalidTransition, orderID)
	}
	remaining, err := l.RefundableAmount(ctx, orderID)
	if err != nil {
		return nil, err
	}
	want := remaining
	if amount != nil {
		want = *amount
	}
	if !want.IsPositive() || want.GreaterThan(remaining) {
		return nil, fmt.Errorf("%w: refund must be between 0 and %s", domain.ErrInvalidAmount, remaining.StringFixed(2))
	}
	var partial *decimal.Decimal
	if !want.Equal(tx.Amount) {
		partial = &want
	}

	res, err := revoker.Refund(ctx, tx.ExternalID, partial)
	if err != nil {
		return nil, err
	}
	refund, err := l.RecordRefund(ctx, ledger.ReversalRequest{
		TransactionID: orderID,
		Amount:        &want,
		Reason:        reason,
		ExternalID:    res.PaymentID(),
		Raw:           res.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway refunded %s but the ledger did not record it: %w", orderID, err)
	}
	return refund, nil
}

// SyncStatus polls the gateway for a payment and applies a final answer the
// callback has not delivered yet. It returns the transaction as stored after
// the poll together with the gateway reply.
func SyncStatus(ctx context.Context, l *ledger.Ledger, checker StatusChecker, orderID string, now time.Time) (*domain.Transaction, gateway.Result, error) {
	tx, err := l.Store().GetTransaction(ctx, orderID)
	if err != nil {
		return nil, gateway.Result{}, err
	}
	if tx.Kind != domain.TxKindPayment {
		return nil, gateway.Result{}, fmt.Errorf("%w: %s is a %s", domain.ErrInvalidTransition, orderID, tx.Kind)
	}
	res, err := checker.CheckStatus(ctx, orderID)
	if err != nil {
		return tx, res, err
	}
	outcome := webhook.MapPaymentStatus(res.Get("pg_payment_status"))
	if outcome == ledger.OutcomePending || tx.Status.Terminal() {
		return tx, res, nil
	}
	result := ledger.PaymentResult{
		Outcome:            outcome,
		PaidAt:             now,
		ExternalID:         res.PaymentID(),
		CardToken:          res.CardToken(),
		RecurringProfileID: res.RecurringProfileID(),
		Raw:                res.Fields,
	}
	if outcome == ledger.OutcomeFailed {
		result.ErrorCode = res.Get("pg_failure_code")
		result.ErrorMessage = res.Get("pg_failure_description")
	}
	if _, err := l.ApplyOutcome(ctx, orderID, result); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return tx, res, err
	}
	tx, err = l.Store().GetTransaction(ctx, orderID)
	return tx, res, err
}
