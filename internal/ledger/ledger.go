// Package ledger owns the donation and transaction state machine. Every
// transition runs inside a store transaction with the affected rows locked,
// so concurrent deliveries of the same outcome apply exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"donationsvc/internal/billing"
	"donationsvc/internal/domain"
)

// Outcome is the normalized result of a charge.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// PaymentResult carries what the gateway reported about a transaction.
type PaymentResult struct {
	Outcome            Outcome
	PaidAt             time.Time
	ExternalID         string
	CardToken          string
	RecurringProfileID *int64
	ErrorCode          string
	ErrorMessage       string
	Raw                map[string]string
}

// Change describes a committed transition. Listeners are only told about
// changes that actually modified state.
type Change struct {
	Donation         domain.Donation
	Transaction      domain.Transaction
	PreviousStatus   domain.DonationStatus
	Changed          bool
	CampaignCredited bool
}

// Listener reacts to committed changes, e.g. donor notifications and CRM
// sync. It must not block.
type Listener interface {
	DonationChanged(ctx context.Context, change Change)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, change Change)

func (f ListenerFunc) DonationChanged(ctx context.Context, change Change) { f(ctx, change) }

// Options configures a Ledger.
type Options struct {
	Clock     func() time.Time
	Logger    *zerolog.Logger
	Listeners []Listener
}

// Ledger applies payment outcomes and operator actions.
type Ledger struct {
	store     domain.Store
	scheduler *billing.Scheduler
	now       func() time.Time
	logger    zerolog.Logger
	listeners []Listener
}

// New wires a ledger over store.
func New(store domain.Store, scheduler *billing.Scheduler, opts Options) *Ledger {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if scheduler == nil {
		scheduler = billing.NewScheduler(time.UTC)
	}
	return &Ledger{
		store:     store,
		scheduler: scheduler,
		now:       clock,
		logger:    logger,
		listeners: append([]Listener(nil), opts.Listeners...),
	}
}

// Subscribe registers an additional listener. It is not safe to call while
// the ledger is processing.
func (l *Ledger) Subscribe(listener Listener) {
	l.listeners = append(l.listeners, listener)
}

// Store exposes the underlying store for read paths.
func (l *Ledger) Store() domain.Store { return l.store }

// Scheduler exposes the billing scheduler.
func (l *Ledger) Scheduler() *billing.Scheduler { return l.scheduler }

func (l *Ledger) publish(ctx context.Context, change Change) {
	if !change.Changed {
		return
	}
	for _, listener := range l.listeners {
		listener.DonationChanged(ctx, change)
	}
}

// OpenDonation validates and persists a new pending donation.
func (l *Ledger) OpenDonation(ctx context.Context, d *domain.Donation) error {
	if !d.Amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("ledger: unknown donation kind %q", d.Kind)
	}
	if d.Code == "" {
		d.Code = domain.NewDonationCode()
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	d.Status = domain.DonationPending
	d.IsRecurring = d.Kind.Recurring()
	d.RecurringActive = false
	d.AnchorDate = nil
	d.NextDueDate = nil
	if d.IsRecurring {
		d.SubscriptionStatus = domain.SubscriptionPending
	} else {
		d.SubscriptionStatus = ""
	}
	if err := l.store.CreateDonation(ctx, d); err != nil {
		return fmt.Errorf("ledger: open donation: %w", err)
	}
	return nil
}

// RecordOutboundAttempt stores a pending transaction for an outbound charge
// and moves the donation to processing. Calling it again with the same
// transaction id merges the gateway response instead of duplicating it.
func (l *Ledger) RecordOutboundAttempt(ctx context.Context, donation *domain.Donation, transactionID string, amount decimal.Decimal, currency string, response map[string]string) (*domain.Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, errors.New("ledger: transaction id required")
	}
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	var out domain.Transaction
	err := l.store.InTx(ctx, func(tx domain.Repository) error {
		// Transaction before donation, the same order ApplyOutcome locks in.
		existing, err := tx.LockTransaction(ctx, transactionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if existing != nil && existing.DonationID != donation.ID {
			return fmt.Errorf("ledger: transaction %s belongs to another donation: %w", transactionID, domain.ErrDuplicateOperation)
		}
		d, lerr := tx.LockDonation(ctx, donation.ID)
		if lerr != nil {
			return lerr
		}
		switch {
		case errors.Is(err, domain.ErrNotFound):
			t := domain.Transaction{
				DonationID:      d.ID,
				TransactionID:   transactionID,
				Amount:          amount,
				Currency:        strings.ToUpper(currency),
				Status:          domain.TxPending,
				Kind:            domain.TxKindPayment,
				GatewayResponse: mergeRaw(nil, response),
				ExternalID:      response["pg_payment_id"],
				CreatedAt:       l.now().UTC(),
			}
			if err := tx.CreateTransaction(ctx, &t); err != nil {
				return err
			}
			out = t
		default:
			if !existing.Status.Terminal() {
				existing.GatewayResponse = mergeRaw(existing.GatewayResponse, response)
				if id := response["pg_payment_id"]; id != "" {
					existing.ExternalID = id
				}
				if err := tx.UpdateTransaction(ctx, existing); err != nil {
					return err
				}
			}
			out = *existing
		}
		if d.Status == domain.DonationPending {
			d.Status = domain.DonationProcessing
			if err := tx.UpdateDonation(ctx, d); err != nil {
				return err
			}
		}
		*donation = *d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: record outbound attempt %s: %w", transactionID, err)
	}
	return &out, nil
}

// ApplyOutcome transitions a transaction and its donation. Re-applying an
// outcome the transaction already has is a no-op reported with
// Changed=false. A different outcome on a terminal transaction returns
// domain.ErrInvalidTransition; the late report is kept on the transaction
// and noted on the donation for an operator to reconcile.
func (l *Ledger) ApplyOutcome(ctx context.Context, transactionID string, result PaymentResult) (Change, error) {
	var (
		change   Change
		conflict error
	)
	err := l.store.InTx(ctx, func(tx domain.Repository) error {
		t, err := tx.LockTransaction(ctx, transactionID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrUnknownOrder
		}
		if err != nil {
			return err
		}
		d, err := tx.LockDonation(ctx, t.DonationID)
		if err != nil {
			return err
		}
		change = Change{Donation: *d, Transaction: *t, PreviousStatus: d.Status}

		if t.Status.Terminal() {
			if sameOutcome(t.Status, result.Outcome) || result.Outcome == OutcomePending {
				return nil
			}
			conflict = fmt.Errorf("%w: transaction %s is %s, got %s", domain.ErrInvalidTransition, t.TransactionID, t.Status, result.Outcome)
			return l.recordConflict(ctx, tx, t, d, result)
		}

		paidAt := result.PaidAt
		if paidAt.IsZero() {
			paidAt = l.now()
		}
		paidAt = paidAt.UTC()
		t.GatewayResponse = mergeRaw(t.GatewayResponse, result.Raw)
		if result.ExternalID != "" {
			t.ExternalID = result.ExternalID
		}

		switch result.Outcome {
		case OutcomePending:
			if t.Status == domain.TxPending {
				t.Status = domain.TxProcessing
				change.Changed = true
			}
			if d.Status == domain.DonationPending {
				d.Status = domain.DonationProcessing
				change.Changed = true
			}
		case OutcomeFailed:
			t.Status = domain.TxFailed
			t.ProcessedAt = &paidAt
			t.ErrorCode = result.ErrorCode
			t.ErrorMessage = result.ErrorMessage
			if d.Status == domain.DonationPending || d.Status == domain.DonationProcessing {
				d.Status = domain.DonationFailed
			}
			change.Changed = true
		case OutcomeSuccess:
			t.Status = domain.TxSuccess
			t.ProcessedAt = &paidAt
			t.ErrorCode, t.ErrorMessage = "", ""
			if !d.Status.Terminal() && d.Status != domain.DonationCompleted {
				d.Status = domain.DonationCompleted
				d.CompletedAt = &paidAt
			}
			if !d.Status.Terminal() {
				if err := l.applySuccessSchedule(ctx, tx, d, result, paidAt); err != nil {
					return err
				}
			}
			if d.CampaignID != nil && *d.CampaignID != "" {
				err := tx.AddCampaignRaised(ctx, *d.CampaignID, t.Amount)
				switch {
				case err == nil:
					change.CampaignCredited = true
				case !errors.Is(err, domain.ErrNotFound):
					return err
				}
			}
			change.Changed = true
		default:
			return fmt.Errorf("ledger: unknown outcome %q", result.Outcome)
		}

		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		if err := tx.UpdateDonation(ctx, d); err != nil {
			return err
		}
		change.Donation = *d
		change.Transaction = *t
		return nil
	})
	if err == nil {
		err = conflict
	}
	if err != nil {
		return change, fmt.Errorf("ledger: apply outcome %s: %w", transactionID, err)
	}
	if change.Changed {
		l.logger.Info().
			Str("order_id", transactionID).
			Str("donation_id", change.Donation.ID).
			Str("status", string(change.Donation.Status)).
			Str("outcome", string(result.Outcome)).
			Msg("ledger: outcome applied")
	}
	l.publish(ctx, change)
	return change, nil
}

// recordConflict keeps a late outcome that contradicts a settled
// transaction. Redeliveries of the same report are stored once.
func (l *Ledger) recordConflict(ctx context.Context, tx domain.Repository, t *domain.Transaction, d *domain.Donation, result PaymentResult) error {
	if t.GatewayResponse[conflictKey] == string(result.Outcome) {
		return nil
	}
	late := make(map[string]string, len(result.Raw)+1)
	for k, v := range result.Raw {
		late["late_"+k] = v
	}
	late[conflictKey] = string(result.Outcome)
	t.GatewayResponse = mergeRaw(t.GatewayResponse, late)
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return err
	}
	d.AdminNotes = appendNote(d.AdminNotes, l.now().UTC(), "conflict",
		fmt.Sprintf("gateway reported %s for %s after it settled as %s", result.Outcome, t.TransactionID, t.Status))
	return tx.UpdateDonation(ctx, d)
}

const conflictKey = "late_outcome"

// applySuccessSchedule sets the recurring side effects of a successful
// charge. One-time donations are forced out of the billing sweep.
func (l *Ledger) applySuccessSchedule(ctx context.Context, tx domain.Repository, d *domain.Donation, result PaymentResult, paidAt time.Time) error {
	if !d.IsRecurring || !d.Kind.Recurring() {
		d.IsRecurring = false
		d.RecurringActive = false
		d.NextDueDate = nil
		return nil
	}

	if d.IsChainHead() {
		if d.AnchorDate == nil {
			anchor := paidAt
			d.AnchorDate = &anchor
		}
		if err := l.storeInstrument(ctx, tx, d, result, "issued on charge"); err != nil {
			return err
		}
		if d.SubscriptionStatus == domain.SubscriptionPending || d.SubscriptionStatus == "" {
			d.SubscriptionStatus = domain.SubscriptionActive
		}
		if d.SubscriptionStatus == domain.SubscriptionActive {
			d.RecurringActive = true
		}
		next, _ := l.scheduler.NextDueDate(*d.AnchorDate, d.NextDueDate, d.Kind)
		d.NextDueDate = &next
		d.BillingClaimedUntil = nil
		return nil
	}

	head, err := tx.LockDonation(ctx, *d.ParentDonationID)
	if err != nil {
		return fmt.Errorf("lock chain head: %w", err)
	}
	if d.AnchorDate == nil {
		d.AnchorDate = cloneTime(head.AnchorDate)
	}
	if d.AnchorDate == nil {
		anchor := paidAt
		d.AnchorDate = &anchor
	}
	if result.CardToken != "" {
		d.CardToken = result.CardToken
	}
	if result.RecurringProfileID != nil {
		d.RecurringProfileID = result.RecurringProfileID
	}
	d.RecurringActive = false

	next, _ := l.scheduler.NextDueDate(*d.AnchorDate, head.NextDueDate, d.Kind)
	d.NextDueDate = &next
	head.NextDueDate = cloneTime(&next)
	head.BillingClaimedUntil = nil
	if head.RecurringProfileID == nil && result.RecurringProfileID != nil {
		head.RecurringProfileID = result.RecurringProfileID
	}
	if head.CardToken == "" && result.CardToken != "" {
		if err := l.storeInstrument(ctx, tx, head, PaymentResult{CardToken: result.CardToken}, "issued on recurring charge"); err != nil {
			return err
		}
	}
	return tx.UpdateDonation(ctx, head)
}

func (l *Ledger) storeInstrument(ctx context.Context, tx domain.Repository, d *domain.Donation, result PaymentResult, reason string) error {
	if result.RecurringProfileID != nil {
		d.RecurringProfileID = result.RecurringProfileID
	}
	if result.CardToken == "" || result.CardToken == d.CardToken {
		return nil
	}
	change := &domain.CardChange{
		DonationID: d.ID,
		OldToken:   d.CardToken,
		NewToken:   result.CardToken,
		Reason:     reason,
		CreatedAt:  l.now().UTC(),
	}
	d.CardToken = result.CardToken
	return tx.RecordCardChange(ctx, change)
}

func sameOutcome(status domain.TransactionStatus, outcome Outcome) bool {
	switch outcome {
	case OutcomeSuccess:
		return status == domain.TxSuccess || status == domain.TxRefunded
	case OutcomeFailed:
		return status == domain.TxFailed || status == domain.TxCancelled
	}
	return false
}

func mergeRaw(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
