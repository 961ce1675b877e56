package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"donationsvc/internal/domain"
)

// ChildCharge is a freshly opened recurring charge: the chain head it bills
// for, the child donation recording it and the pending transaction the
// gateway call will reference.
type ChildCharge struct {
	Head        domain.Donation
	Child       domain.Donation
	Transaction domain.Transaction
}

// RecurringOrderID builds the merchant order id for a recurring charge.
func RecurringOrderID(code string, at time.Time, attempt int) string {
	id := fmt.Sprintf("REC_%s_%d", code, at.Unix())
	if attempt > 1 {
		id = fmt.Sprintf("%s_%d", id, attempt)
	}
	return id
}

// InitialOrderID builds the merchant order id for a donor-initiated payment.
func InitialOrderID(code string, at time.Time) string {
	return fmt.Sprintf("DON_%s_%d", code, at.Unix())
}

// Billable reports whether a chain head may be charged now.
func Billable(d *domain.Donation) bool {
	return d.IsChainHead() &&
		d.IsRecurring &&
		d.Kind.Recurring() &&
		d.RecurringActive &&
		d.SubscriptionStatus == domain.SubscriptionActive &&
		d.Status == domain.DonationCompleted &&
		d.AnchorDate != nil
}

// StartChildCharge opens a child donation and its pending transaction for
// the given chain head. The transaction exists before any gateway call so a
// webhook racing the response still resolves. A head without a stored card
// token or recurring profile is paused and domain.ErrMissingBillingInstrument
// is returned without creating anything.
//
// A chain has at most one charge in flight: while a child is still
// processing, domain.ErrChargeInFlight is returned. A non-nil period names
// the due date the caller means to settle; once the head has moved past it
// domain.ErrPeriodSettled is returned.
func (l *Ledger) StartChildCharge(ctx context.Context, headID string, attempt int, period *time.Time) (*ChildCharge, error) {
	if attempt < 1 {
		attempt = 1
	}
	now := l.now().UTC()
	var (
		out     ChildCharge
		missing bool
		paused  Change
	)
	err := l.store.InTx(ctx, func(tx domain.Repository) error {
		head, err := tx.LockDonation(ctx, headID)
		if err != nil {
			return err
		}
		if !Billable(head) {
			return fmt.Errorf("%w: donation %s is not billable", domain.ErrNotRecurring, head.ID)
		}
		if period != nil && (head.NextDueDate == nil || !head.NextDueDate.Equal(*period)) {
			return fmt.Errorf("%w: donation %s is due %v", domain.ErrPeriodSettled, head.ID, head.NextDueDate)
		}
		inflight, err := tx.ListDonations(ctx, domain.DonationFilter{ParentID: head.ID, Status: domain.DonationProcessing, Limit: 1})
		if err != nil {
			return err
		}
		if len(inflight) > 0 {
			return fmt.Errorf("%w: donation %s is still processing", domain.ErrChargeInFlight, inflight[0].ID)
		}
		if !head.HasBillingInstrument() {
			prev := head.Status
			head.SubscriptionStatus = domain.SubscriptionPaused
			head.BillingClaimedUntil = nil
			head.AdminNotes = appendNote(head.AdminNotes, now, "billing", "paused: no stored card token or recurring profile")
			if err := tx.UpdateDonation(ctx, head); err != nil {
				return err
			}
			missing = true
			paused = Change{Donation: *head, PreviousStatus: prev, Changed: true}
			return nil
		}

		child := domain.Donation{
			ID:                 uuid.NewString(),
			Code:               domain.NewDonationCode(),
			Amount:             head.Amount,
			Currency:           head.Currency,
			Kind:               head.Kind,
			Status:             domain.DonationProcessing,
			PaymentMethod:      head.PaymentMethod,
			IsRecurring:        true,
			RecurringActive:    false,
			AnchorDate:         cloneTime(head.AnchorDate),
			CardToken:          head.CardToken,
			RecurringProfileID: cloneInt64(head.RecurringProfileID),
			ParentOrderID:      head.ParentOrderID,
			ParentDonationID:   &head.ID,
			CampaignID:         head.CampaignID,
			DonorName:          head.DonorName,
			DonorEmail:         head.DonorEmail,
			DonorPhone:         head.DonorPhone,
			Country:            head.Country,
			Language:           head.Language,
			CreatedAt:          now,
		}
		if err := tx.CreateDonation(ctx, &child); err != nil {
			return err
		}
		t := domain.Transaction{
			DonationID:    child.ID,
			TransactionID: RecurringOrderID(head.Code, now, attempt),
			Amount:        head.Amount,
			Currency:      head.Currency,
			Status:        domain.TxPending,
			Kind:          domain.TxKindPayment,
			CreatedAt:     now,
		}
		if err := tx.CreateTransaction(ctx, &t); err != nil {
			return err
		}
		out = ChildCharge{Head: *head, Child: child, Transaction: t}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: start child charge for %s: %w", headID, err)
	}
	if missing {
		l.logger.Warn().Str("donation_id", headID).Msg("ledger: subscription paused, no billing instrument")
		l.publish(ctx, paused)
		return nil, fmt.Errorf("ledger: donation %s: %w", headID, domain.ErrMissingBillingInstrument)
	}
	return &out, nil
}

// RecordRetryExhausted closes a chain's retry budget: it stores a terminal
// failed transaction on the head and pauses the subscription.
func (l *Ledger) RecordRetryExhausted(ctx context.Context, headID string, attempts int) (*domain.Transaction, error) {
	now := l.now().UTC()
	var change Change
	err := l.store.InTx(ctx, func(tx domain.Repository) error {
		head, err := tx.LockDonation(ctx, headID)
		if err != nil {
			return err
		}
		change.PreviousStatus = head.Status
		t := domain.Transaction{
			DonationID:    head.ID,
			TransactionID: fmt.Sprintf("RETRY_FAILED_%s_%d", head.Code, now.Unix()),
			Amount:        head.Amount,
			Currency:      head.Currency,
			Status:        domain.TxFailed,
			Kind:          domain.TxKindPayment,
			ErrorCode:     "retry_budget_exhausted",
			ErrorMessage:  fmt.Sprintf("recurring charge failed after %d attempts", attempts),
			CreatedAt:     now,
			ProcessedAt:   &now,
		}
		if err := tx.CreateTransaction(ctx, &t); err != nil {
			return err
		}
		if head.SubscriptionStatus == domain.SubscriptionActive {
			head.SubscriptionStatus = domain.SubscriptionPaused
		}
		head.BillingClaimedUntil = nil
		head.AdminNotes = appendNote(head.AdminNotes, now, "billing", t.ErrorMessage)
		if err := tx.UpdateDonation(ctx, head); err != nil {
			return err
		}
		change.Donation = *head
		change.Transaction = t
		change.Changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: record retry exhaustion for %s: %w", headID, err)
	}
	l.logger.Warn().
		Str("donation_id", headID).
		Int("attempts", attempts).
		Msg("ledger: retry budget exhausted, subscription paused")
	l.publish(ctx, change)
	return &change.Transaction, nil
}

// ReversalRequest describes a refund or chargeback against a successful
// payment transaction. A nil Amount reverses whatever is left.
type ReversalRequest struct {
	TransactionID string
	Amount        *decimal.Decimal
	Reason        string
	ExternalID    string
	Raw           map[string]string
}

// RecordRefund stores a successful refund. The campaign total is left as is.
func (l *Ledger) RecordRefund(ctx context.Context, req ReversalRequest) (*domain.Transaction, error) {
	return l.recordReversal(ctx, domain.TxKindRefund, "REFUND", req)
}

// RecordChargeback stores a chargeback reported by the issuer.
func (l *Ledger) RecordChargeback(ctx context.Context, req ReversalRequest) (*domain.Transaction, error) {
	return l.recordReversal(ctx, domain.TxKindChargeback, "CB", req)
}

// RefundableAmount returns what is left to reverse on a payment transaction.
func (l *Ledger) RefundableAmount(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	t, err := l.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return decimal.Zero, err
	}
	siblings, err := l.store.ListTransactions(ctx, t.DonationID)
	if err != nil {
		return decimal.Zero, err
	}
	return t.Amount.Sub(reversedTotal(siblings)), nil
}

func reversalID(prefix, orderID string, at time.Time, prior int) string {
	id := fmt.Sprintf("%s_%s_%d", prefix, orderID, at.UnixMilli())
	if prior > 0 {
		id = fmt.Sprintf("%s_%d", id, prior+1)
	}
	return id
}

func reversalCount(txs []domain.Transaction) int {
	n := 0
	for _, t := range txs {
		if t.Kind != domain.TxKindPayment {
			n++
		}
	}
	return n
}

func (l *Ledger) recordReversal(ctx context.Context, kind domain.TransactionKind, prefix string, req ReversalRequest) (*domain.Transaction, error) {
	now := l.now().UTC()
	var change Change
	err := l.store.InTx(ctx, func(tx domain.Repository) error {
		original, err := tx.LockTransaction(ctx, req.TransactionID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrUnknownOrder
		}
		if err != nil {
			return err
		}
		if original.Kind != domain.TxKindPayment || original.Status != domain.TxSuccess {
			return fmt.Errorf("%w: transaction %s is %s %s", domain.ErrInvalidTransition, original.TransactionID, original.Kind, original.Status)
		}
		d, err := tx.LockDonation(ctx, original.DonationID)
		if err != nil {
			return err
		}
		if d.Status != domain.DonationCompleted {
			return fmt.Errorf("%w: donation %s is %s", domain.ErrInvalidTransition, d.ID, d.Status)
		}
		siblings, err := tx.ListTransactions(ctx, d.ID)
		if err != nil {
			return err
		}
		reversed, count := reversedTotal(siblings), reversalCount(siblings)
		remaining := original.Amount.Sub(reversed)
		amount := remaining
		if req.Amount != nil {
			amount = *req.Amount
		}
		if !amount.IsPositive() || amount.GreaterThan(remaining) {
			return fmt.Errorf("%w: %s exceeds refundable %s", domain.ErrInvalidAmount, amount.String(), remaining.String())
		}

		t := domain.Transaction{
			DonationID:      d.ID,
			TransactionID:   reversalID(prefix, original.TransactionID, now, count),
			ExternalID:      req.ExternalID,
			Amount:          amount,
			Currency:        original.Currency,
			Status:          domain.TxSuccess,
			Kind:            kind,
			GatewayResponse: mergeRaw(nil, req.Raw),
			ErrorMessage:    req.Reason,
			CreatedAt:       now,
			ProcessedAt:     &now,
		}
		if err := tx.CreateTransaction(ctx, &t); err != nil {
			return err
		}

		change.PreviousStatus = d.Status
		if reversed.Add(amount).GreaterThanOrEqual(original.Amount) {
			d.Status = domain.DonationRefunded
			if d.IsChainHead() && d.IsRecurring {
				d.RecurringActive = false
				d.SubscriptionStatus = domain.SubscriptionCancelled
				d.BillingClaimedUntil = nil
			}
		}
		label := "refund"
		if kind == domain.TxKindChargeback {
			label = "chargeback"
		}
		d.AdminNotes = appendNote(d.AdminNotes, now, label, fmt.Sprintf("%s %s %s", amount.StringFixed(2), original.Currency, req.Reason))
		if err := tx.UpdateDonation(ctx, d); err != nil {
			return err
		}
		change.Donation = *d
		change.Transaction = t
		change.Changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: record %s for %s: %w", kind, req.TransactionID, err)
	}
	l.logger.Info().
		Str("order_id", req.TransactionID).
		Str("kind", string(kind)).
		Str("amount", change.Transaction.Amount.String()).
		Msg("ledger: reversal recorded")
	l.publish(ctx, change)
	return &change.Transaction, nil
}

func reversedTotal(txs []domain.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		if t.Kind != domain.TxKindPayment && t.Status == domain.TxSuccess {
			total = total.Add(t.Amount)
		}
	}
	return total
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
