package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"donationsvc/internal/domain"
)

// Cancel stops a donation. On a chain head it also ends the subscription.
// A paid head keeps its completed status so its first charge stays
// refundable; only the subscription is ended.
func (l *Ledger) Cancel(ctx context.Context, donationID, note string) (*domain.Donation, error) {
	return l.operate(ctx, donationID, "cancel", note, func(d *domain.Donation, _ time.Time) error {
		head := d.IsRecurring && d.IsChainHead()
		switch {
		case d.Status.Terminal():
			return fmt.Errorf("%w: donation is already %s", domain.ErrInvalidTransition, d.Status)
		case d.Status == domain.DonationCompleted && !head:
			return fmt.Errorf("%w: donation is completed, refund it instead", domain.ErrInvalidTransition)
		case d.Status == domain.DonationCompleted && d.SubscriptionStatus == domain.SubscriptionCancelled:
			return fmt.Errorf("%w: subscription is already cancelled", domain.ErrInvalidTransition)
		case d.Status != domain.DonationCompleted:
			d.Status = domain.DonationCancelled
		}
		d.RecurringActive = false
		d.BillingClaimedUntil = nil
		if head {
			d.SubscriptionStatus = domain.SubscriptionCancelled
		}
		return nil
	})
}

// Pause suspends billing on a subscription without touching its schedule.
func (l *Ledger) Pause(ctx context.Context, donationID, note string) (*domain.Donation, error) {
	return l.operate(ctx, donationID, "pause", note, func(d *domain.Donation, _ time.Time) error {
		if err := requireHead(d); err != nil {
			return err
		}
		if d.SubscriptionStatus != domain.SubscriptionActive {
			return fmt.Errorf("%w: subscription is %s", domain.ErrInvalidTransition, d.SubscriptionStatus)
		}
		d.SubscriptionStatus = domain.SubscriptionPaused
		d.BillingClaimedUntil = nil
		return nil
	})
}

// Resume reactivates a paused subscription. A nil dueAt bills at the next
// period boundary after now.
func (l *Ledger) Resume(ctx context.Context, donationID string, dueAt *time.Time, note string) (*domain.Donation, error) {
	return l.operate(ctx, donationID, "resume", note, func(d *domain.Donation, now time.Time) error {
		if err := requireHead(d); err != nil {
			return err
		}
		if d.Status.Terminal() || d.SubscriptionStatus == domain.SubscriptionCancelled {
			return fmt.Errorf("%w: donation is %s", domain.ErrInvalidTransition, d.Status)
		}
		if d.AnchorDate == nil {
			return fmt.Errorf("%w: subscription was never charged", domain.ErrInvalidTransition)
		}
		var next time.Time
		if dueAt != nil {
			next = dueAt.UTC()
		} else {
			next, _ = l.scheduler.FirstDueAfter(*d.AnchorDate, now, d.Kind)
		}
		d.SubscriptionStatus = domain.SubscriptionActive
		d.RecurringActive = true
		d.NextDueDate = &next
		d.BillingClaimedUntil = nil
		return nil
	})
}

// Close marks a donation completed by hand. It has no scheduling effect.
func (l *Ledger) Close(ctx context.Context, donationID, note string) (*domain.Donation, error) {
	return l.operate(ctx, donationID, "close", note, func(d *domain.Donation, now time.Time) error {
		if d.Status.Terminal() {
			return fmt.Errorf("%w: donation is %s", domain.ErrInvalidTransition, d.Status)
		}
		if d.Status != domain.DonationCompleted {
			d.Status = domain.DonationCompleted
			d.CompletedAt = &now
		}
		return nil
	})
}

func (l *Ledger) operate(ctx context.Context, donationID, action, note string, apply func(d *domain.Donation, now time.Time) error) (*domain.Donation, error) {
	now := l.now().UTC()
	var change Change
	err := l.store.InTx(ctx, func(tx domain.Repository) error {
		d, err := tx.LockDonation(ctx, donationID)
		if err != nil {
			return err
		}
		change.PreviousStatus = d.Status
		if err := apply(d, now); err != nil {
			return err
		}
		d.AdminNotes = appendNote(d.AdminNotes, now, action, note)
		if err := tx.UpdateDonation(ctx, d); err != nil {
			return err
		}
		change.Donation = *d
		change.Changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %s %s: %w", action, donationID, err)
	}
	l.logger.Info().
		Str("donation_id", donationID).
		Str("action", action).
		Str("status", string(change.Donation.Status)).
		Msg("ledger: operator action")
	l.publish(ctx, change)
	return &change.Donation, nil
}

// SubscriptionChange replaces the terms of a subscription. Zero fields keep
// the current value.
type SubscriptionChange struct {
	Amount    decimal.Decimal
	Kind      domain.DonationKind
	CardToken string
	Reason    string
	IPAddress string
	UserAgent string
}

// ChangeSubscription ends the current chain and opens a new pending head
// carrying the new terms. The new head has no anchor; it starts its own
// schedule once its first charge succeeds.
func (l *Ledger) ChangeSubscription(ctx context.Context, donationID string, req SubscriptionChange) (*domain.Donation, error) {
	now := l.now().UTC()
	var (
		oldChange Change
		newHead   domain.Donation
	)
	err := l.store.InTx(ctx, func(tx domain.Repository) error {
		old, err := tx.LockDonation(ctx, donationID)
		if err != nil {
			return err
		}
		if err := requireHead(old); err != nil {
			return err
		}
		if old.Status.Terminal() || old.SubscriptionStatus == domain.SubscriptionCancelled {
			return fmt.Errorf("%w: subscription is %s", domain.ErrInvalidTransition, old.SubscriptionStatus)
		}
		kind := old.Kind
		if req.Kind != "" {
			if !req.Kind.Recurring() {
				return fmt.Errorf("%w: %s", domain.ErrNotRecurring, req.Kind)
			}
			kind = req.Kind
		}
		amount := old.Amount
		if !req.Amount.IsZero() {
			if !req.Amount.IsPositive() {
				return domain.ErrInvalidAmount
			}
			amount = req.Amount
		}

		code := domain.NewDonationCode()
		newHead = domain.Donation{
			ID:                 uuid.NewString(),
			Code:               code,
			Amount:             amount,
			Currency:           old.Currency,
			Kind:               kind,
			Status:             domain.DonationPending,
			PaymentMethod:      old.PaymentMethod,
			IsRecurring:        true,
			SubscriptionStatus: domain.SubscriptionPending,
			CardToken:          old.CardToken,
			RecurringProfileID: cloneInt64(old.RecurringProfileID),
			ParentOrderID:      InitialOrderID(code, now),
			CampaignID:         old.CampaignID,
			DonorName:          old.DonorName,
			DonorEmail:         old.DonorEmail,
			DonorPhone:         old.DonorPhone,
			Country:            old.Country,
			Language:           old.Language,
			CreatedAt:          now,
		}
		newHead.AdminNotes = appendNote("", now, "change", fmt.Sprintf("replaces %s", old.Code))
		if req.CardToken != "" && req.CardToken != old.CardToken {
			newHead.CardToken = req.CardToken
			newHead.RecurringProfileID = nil
		}
		if err := tx.CreateDonation(ctx, &newHead); err != nil {
			return err
		}
		if newHead.CardToken != old.CardToken {
			reason := req.Reason
			if reason == "" {
				reason = "subscription change"
			}
			if err := tx.RecordCardChange(ctx, &domain.CardChange{
				DonationID: newHead.ID,
				OldToken:   old.CardToken,
				NewToken:   newHead.CardToken,
				Reason:     reason,
				IPAddress:  req.IPAddress,
				UserAgent:  req.UserAgent,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		oldChange.PreviousStatus = old.Status
		if old.Status != domain.DonationCompleted {
			old.Status = domain.DonationCancelled
		}
		old.SubscriptionStatus = domain.SubscriptionCancelled
		old.RecurringActive = false
		old.BillingClaimedUntil = nil
		old.AdminNotes = appendNote(old.AdminNotes, now, "change", fmt.Sprintf("replaced by %s %s", code, req.Reason))
		if err := tx.UpdateDonation(ctx, old); err != nil {
			return err
		}
		oldChange.Donation = *old
		oldChange.Changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: change subscription %s: %w", donationID, err)
	}
	l.logger.Info().
		Str("donation_id", donationID).
		Str("new_donation_id", newHead.ID).
		Str("kind", string(newHead.Kind)).
		Str("amount", newHead.Amount.String()).
		Msg("ledger: subscription changed")
	l.publish(ctx, oldChange)
	l.publish(ctx, Change{Donation: newHead, PreviousStatus: domain.DonationPending, Changed: true})
	return &newHead, nil
}

func requireHead(d *domain.Donation) error {
	if !d.IsRecurring || !d.Kind.Recurring() {
		return fmt.Errorf("%w: donation %s", domain.ErrNotRecurring, d.ID)
	}
	if !d.IsChainHead() {
		return fmt.Errorf("%w: donation %s is a recurring charge, use its subscription %s", domain.ErrInvalidTransition, d.ID, *d.ParentDonationID)
	}
	return nil
}

func appendNote(notes string, at time.Time, action, text string) string {
	line := fmt.Sprintf("[%s] %s", at.UTC().Format(time.RFC3339), action)
	if text = strings.TrimSpace(text); text != "" {
		line += ": " + text
	}
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
