package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DonationFilter narrows donation listings for exports and operator views.
type DonationFilter struct {
	From     *time.Time
	To       *time.Time
	Status   DonationStatus
	ParentID string
	Limit    int
}

// Repository is the persistence contract shared by the ledger, the webhook
// processor and the billing runner. Lock* methods return rows locked for the
// lifetime of the enclosing transaction.
type Repository interface {
	CreateDonation(ctx context.Context, d *Donation) error
	UpdateDonation(ctx context.Context, d *Donation) error
	GetDonation(ctx context.Context, id string) (*Donation, error)
	LockDonation(ctx context.Context, id string) (*Donation, error)
	ListDonations(ctx context.Context, filter DonationFilter) ([]Donation, error)

	CreateTransaction(ctx context.Context, t *Transaction) error
	UpdateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)
	LockTransaction(ctx context.Context, transactionID string) (*Transaction, error)
	ListTransactions(ctx context.Context, donationID string) ([]Transaction, error)

	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	AddCampaignRaised(ctx context.Context, id string, amount decimal.Decimal) error

	// ClaimDueSubscriptions selects due chain heads and marks them claimed
	// until claimUntil in one race-free step.
	ClaimDueSubscriptions(ctx context.Context, now, claimUntil time.Time, limit int) ([]Donation, error)
	SetBillingClaim(ctx context.Context, donationID string, until *time.Time) error

	RecordCardChange(ctx context.Context, change *CardChange) error
	SetCRMState(ctx context.Context, donationID, crmID, syncErr string) error
}

// Store adds transactional scope to Repository.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(tx Repository) error) error
}

// TaskQueue persists delayed work.
type TaskQueue interface {
	Schedule(ctx context.Context, task *Task) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, errMsg string) error
	ListByRef(ctx context.Context, refID string) ([]Task, error)
}
