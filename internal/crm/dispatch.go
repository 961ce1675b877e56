package crm

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
)

// Dispatcher hands a donation to the asynchronous sync path.
type Dispatcher interface {
	Dispatch(ctx context.Context, donationID string) error
}

// TaskDispatcher queues crm_sync tasks for the worker.
type TaskDispatcher struct {
	Tasks domain.TaskQueue
	Clock func() time.Time
}

func (d TaskDispatcher) Dispatch(ctx context.Context, donationID string) error {
	now := time.Now
	if d.Clock != nil {
		now = d.Clock
	}
	return d.Tasks.Schedule(ctx, &domain.Task{
		Kind:    domain.TaskCRMSync,
		RefID:   donationID,
		Attempt: 1,
		RunAt:   now().UTC(),
		Status:  domain.TaskQueued,
	})
}

// Relevant reports whether a change moved the donation into a status the
// CRM tracks.
func Relevant(c ledger.Change) bool {
	if !c.Changed || c.PreviousStatus == c.Donation.Status {
		return false
	}
	switch c.Donation.Status {
	case domain.DonationCompleted, domain.DonationFailed, domain.DonationCancelled, domain.DonationRefunded:
		return true
	}
	return false
}

// Listener dispatches relevant ledger changes. Dispatch errors are logged and
// dropped: the payment flow never waits on the CRM.
func Listener(d Dispatcher, logger zerolog.Logger) ledger.Listener {
	return ledger.ListenerFunc(func(ctx context.Context, c ledger.Change) {
		if !Relevant(c) {
			return
		}
		if err := d.Dispatch(context.WithoutCancel(ctx), c.Donation.ID); err != nil {
			logger.Error().Err(err).Str("donation_id", c.Donation.ID).Msg("crm: dispatch failed")
		}
	})
}
