package app

import (
	"context"

	"github.com/shopspring/decimal"

	"donationsvc/internal/providers/gateway"
	"donationsvc/internal/retry"
)

// Payments is the gateway client with transient failures retried in place.
// A rejection is returned on the first attempt. Calls made while a donor or
// operator waits use the interactive budget; recurring charges from the
// sweep use the slower transient policy.
type Payments struct {
	client *gateway.Client
	retry  *retry.Coordinator
}

// NewPayments wraps client.
func NewPayments(client *gateway.Client, coordinator *retry.Coordinator) *Payments {
	return &Payments{client: client, retry: coordinator}
}

func (p *Payments) CreatePayment(ctx context.Context, req gateway.PaymentRequest) (gateway.Result, error) {
	return retry.CallInteractive(ctx, p.retry, "gateway init_payment", func(ctx context.Context) (gateway.Result, error) {
		return p.client.CreatePayment(ctx, req)
	})
}

func (p *Payments) CreateAnyAmountPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.Result, error) {
	return retry.CallInteractive(ctx, p.retry, "gateway any_amount", func(ctx context.Context) (gateway.Result, error) {
		return p.client.CreateAnyAmountPayment(ctx, req)
	})
}

func (p *Payments) CheckStatus(ctx context.Context, orderID string) (gateway.Result, error) {
	return retry.CallInteractive(ctx, p.retry, "gateway status", func(ctx context.Context) (gateway.Result, error) {
		return p.client.CheckStatus(ctx, orderID)
	})
}

// Refund is sent once. A revoke that timed out may already have been
// processed, and the gateway has no order id to dedupe a second one, so an
// unreachable gateway is returned to the operator to check before retrying.
func (p *Payments) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (gateway.Result, error) {
	return p.client.Refund(ctx, paymentID, amount)
}

func (p *Payments) ChargeStoredCard(ctx context.Context, charge gateway.CardCharge) (gateway.Result, error) {
	return retry.Call(ctx, p.retry, "gateway card_direct", func(ctx context.Context) (gateway.Result, error) {
		return p.client.ChargeStoredCard(ctx, charge)
	})
}

func (p *Payments) ChargeRecurringProfile(ctx context.Context, charge gateway.ProfileCharge) (gateway.Result, error) {
	return retry.Call(ctx, p.retry, "gateway recurring", func(ctx context.Context) (gateway.Result, error) {
		return p.client.ChargeRecurringProfile(ctx, charge)
	})
}

func (p *Payments) InitCardForRecurring(ctx context.Context, charge gateway.CardCharge) (gateway.Result, error) {
	return retry.Call(ctx, p.retry, "gateway card init", func(ctx context.Context) (gateway.Result, error) {
		return p.client.InitCardForRecurring(ctx, charge)
	})
}
