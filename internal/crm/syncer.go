package crm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"donationsvc/internal/domain"
)

// Retrier runs an operation under the transient retry policy.
type Retrier interface {
	Transient(ctx context.Context, name string, op func(ctx context.Context) error) error
}

// Syncer pushes one donation to the CRM. The first sync creates the contact
// and opportunity and stores the opportunity id; later syncs only move the
// opportunity's stage.
type Syncer struct {
	store   domain.Repository
	sink    Sink
	retrier Retrier
	now     func() time.Time
	logger  zerolog.Logger
}

// NewSyncer wires a syncer. A nil clock uses time.Now.
func NewSyncer(store domain.Repository, sink Sink, retrier Retrier, clock func() time.Time, logger *zerolog.Logger) *Syncer {
	if clock == nil {
		clock = time.Now
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Syncer{store: store, sink: sink, retrier: retrier, now: clock, logger: l}
}

// Sync mirrors the donation's current state. When the retry budget runs out
// the error is stored on the donation and returned.
func (s *Syncer) Sync(ctx context.Context, donationID string) error {
	d, err := s.store.GetDonation(ctx, donationID)
	if err != nil {
		return fmt.Errorf("crm: load donation %s: %w", donationID, err)
	}
	log := s.logger.With().Str("donation_id", d.ID).Str("status", string(d.Status)).Logger()

	var crmID string
	err = s.retrier.Transient(ctx, "crm sync", func(ctx context.Context) error {
		id, err := s.push(ctx, d)
		if err != nil {
			return err
		}
		crmID = id
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("crm: sync failed")
		if serr := s.store.SetCRMState(ctx, d.ID, "", err.Error()); serr != nil {
			log.Error().Err(serr).Msg("crm: store sync error failed")
		}
		return fmt.Errorf("crm: sync %s: %w", d.ID, err)
	}
	if err := s.store.SetCRMState(ctx, d.ID, crmID, ""); err != nil {
		return fmt.Errorf("crm: store sync state %s: %w", d.ID, err)
	}
	log.Info().Str("crm_id", crmID).Msg("crm: synced")
	return nil
}

// HandleTask runs a crm_sync task.
func (s *Syncer) HandleTask(ctx context.Context, task domain.Task) error {
	if task.Kind != domain.TaskCRMSync {
		return fmt.Errorf("crm: unexpected task kind %q", task.Kind)
	}
	return s.Sync(ctx, task.RefID)
}

func (s *Syncer) push(ctx context.Context, d *domain.Donation) (string, error) {
	closeDate := ""
	if d.Status == domain.DonationCompleted {
		at := s.now()
		if d.CompletedAt != nil {
			at = *d.CompletedAt
		}
		closeDate = at.Format(time.DateOnly)
	}
	if d.CRMID != "" {
		stage := StageFor(d.Status, !d.IsChainHead())
		if err := s.sink.UpdateStage(ctx, d.CRMID, stage, closeDate); err != nil {
			return "", err
		}
		return d.CRMID, nil
	}

	contactID, err := s.sink.UpsertContact(ctx, ContactFor(*d))
	if err != nil {
		return "", err
	}
	orderID, err := s.paymentOrderID(ctx, d)
	if err != nil {
		return "", err
	}
	opp := OpportunityFor(*d, orderID, d.CreatedAt)
	if campaignID := opp.CampaignID; campaignID != "" {
		if c, err := s.store.GetCampaign(ctx, campaignID); err == nil && c.CRMID != "" {
			opp.CampaignID = c.CRMID
		}
	}
	return s.sink.CreateOpportunity(ctx, contactID, opp)
}

func (s *Syncer) paymentOrderID(ctx context.Context, d *domain.Donation) (string, error) {
	txs, err := s.store.ListTransactions(ctx, d.ID)
	if err != nil {
		return "", err
	}
	for _, t := range txs {
		if t.Kind == domain.TxKindPayment && t.ErrorCode != "retry_budget_exhausted" {
			return t.TransactionID, nil
		}
	}
	return "", nil
}
