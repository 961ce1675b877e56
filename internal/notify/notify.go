// Package notify tells donors about settled payments.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
)

// Receipt is a donor-facing confirmation of one successful payment.
type Receipt struct {
	DonationID string
	Code       string
	OrderID    string
	Email      string
	Name       string
	Amount     decimal.Decimal
	Currency   string
	Kind       domain.DonationKind
	Recurring  bool
	NextDue    *time.Time
	PaidAt     time.Time
	Language   string
}

// Notifier delivers receipts.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, r Receipt) error
}

// LogNotifier writes receipts to the log. It is used where no mail
// transport is configured.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) PaymentSucceeded(_ context.Context, r Receipt) error {
	ev := n.Logger.Info().
		Str("donation_id", r.DonationID).
		Str("order_id", r.OrderID).
		Str("amount", r.Amount.StringFixed(2)).
		Str("currency", r.Currency).
		Bool("recurring", r.Recurring)
	if r.NextDue != nil {
		ev = ev.Time("next_due", *r.NextDue)
	}
	ev.Msg("notify: payment receipt")
	return nil
}

// ReceiptFor builds a receipt from a committed change, or reports false if
// the change is not a newly successful payment.
func ReceiptFor(c ledger.Change) (Receipt, bool) {
	t := c.Transaction
	if !c.Changed || t.Kind != domain.TxKindPayment || t.Status != domain.TxSuccess {
		return Receipt{}, false
	}
	d := c.Donation
	if d.DonorEmail == "" {
		return Receipt{}, false
	}
	r := Receipt{
		DonationID: d.ID,
		Code:       d.Code,
		OrderID:    t.TransactionID,
		Email:      d.DonorEmail,
		Name:       d.DonorName,
		Amount:     t.Amount,
		Currency:   t.Currency,
		Kind:       d.Kind,
		Recurring:  d.IsRecurring,
		NextDue:    d.NextDueDate,
		Language:   d.Language,
	}
	if t.ProcessedAt != nil {
		r.PaidAt = *t.ProcessedAt
	}
	return r, true
}

// Listener sends one receipt per payment that actually changed state.
// Delivery errors are logged; they never affect the payment.
func Listener(n Notifier, logger zerolog.Logger) ledger.Listener {
	return ledger.ListenerFunc(func(ctx context.Context, c ledger.Change) {
		r, ok := ReceiptFor(c)
		if !ok {
			return
		}
		if err := n.PaymentSucceeded(context.WithoutCancel(ctx), r); err != nil {
			logger.Warn().Err(err).Str("order_id", r.OrderID).Msg("notify: receipt delivery failed")
		}
	})
}
