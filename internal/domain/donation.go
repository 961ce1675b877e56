package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DonationKind enumerates how often a pledge is charged.
type DonationKind string

const (
	KindOneTime   DonationKind = "one_time"
	KindMonthly   DonationKind = "monthly"
	KindQuarterly DonationKind = "quarterly"
	KindYearly    DonationKind = "yearly"
)

// Recurring reports whether the kind implies a billing schedule.
func (k DonationKind) Recurring() bool {
	return k == KindMonthly || k == KindQuarterly || k == KindYearly
}

// Valid reports whether k is a known kind.
func (k DonationKind) Valid() bool {
	return k == KindOneTime || k.Recurring()
}

// DonationStatus enumerates donation lifecycle states.
type DonationStatus string

const (
	DonationPending    DonationStatus = "pending"
	DonationProcessing DonationStatus = "processing"
	DonationCompleted  DonationStatus = "completed"
	DonationFailed     DonationStatus = "failed"
	DonationCancelled  DonationStatus = "cancelled"
	DonationRefunded   DonationStatus = "refunded"
)

// Terminal reports whether no further payment outcome may change the status.
func (s DonationStatus) Terminal() bool {
	return s == DonationCancelled || s == DonationRefunded
}

// SubscriptionStatus is only meaningful for recurring donations.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Donation represents one pledge of money, one-time or recurring. The chain
// head (no parent) owns the subscription schedule; children record the
// individual recurring charges.
type Donation struct {
	ID                  string
	Code                string
	Amount              decimal.Decimal
	Currency            string
	Kind                DonationKind
	Status              DonationStatus
	PaymentMethod       string
	IsRecurring         bool
	RecurringActive     bool
	SubscriptionStatus  SubscriptionStatus
	AnchorDate          *time.Time
	NextDueDate         *time.Time
	CardToken           string
	RecurringProfileID  *int64
	ParentOrderID       string
	ParentDonationID    *string
	CampaignID          *string
	DonorName           string
	DonorEmail          string
	DonorPhone          string
	Country             string
	Language            string
	BillingClaimedUntil *time.Time
	CRMID               string
	CRMSynced           bool
	CRMSyncError        string
	AdminNotes          string
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsChainHead reports whether the donation owns its subscription schedule.
func (d *Donation) IsChainHead() bool {
	return d.ParentDonationID == nil
}

// HasBillingInstrument reports whether a stored card token or recurring
// profile is available for charging without the donor.
func (d *Donation) HasBillingInstrument() bool {
	return d.RecurringProfileID != nil || strings.TrimSpace(d.CardToken) != ""
}

// Clone returns a deep copy so stores never share pointers with callers.
func (d Donation) Clone() Donation {
	out := d
	out.AnchorDate = cloneTime(d.AnchorDate)
	out.NextDueDate = cloneTime(d.NextDueDate)
	out.BillingClaimedUntil = cloneTime(d.BillingClaimedUntil)
	out.CompletedAt = cloneTime(d.CompletedAt)
	if d.RecurringProfileID != nil {
		v := *d.RecurringProfileID
		out.RecurringProfileID = &v
	}
	out.ParentDonationID = cloneString(d.ParentDonationID)
	out.CampaignID = cloneString(d.CampaignID)
	return out
}

// NewDonationCode returns a short public reference for a donation.
func NewDonationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// MaskToken keeps the last four characters of a card token for logs.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
