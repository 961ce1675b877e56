// Package crm mirrors donors and donations into the external CRM. Sync runs
// outside the payment path: the ledger only enqueues work, and failures are
// recorded on the donation for manual follow-up.
package crm

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"donationsvc/internal/domain"
)

// Contact is the donor record.
type Contact struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Country   string `json:"country,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Opportunity is the donation record.
type Opportunity struct {
	Name          string          `json:"name"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Type          string          `json:"type"`
	Stage         string          `json:"stage"`
	CloseDate     string          `json:"close_date"`
	OrderID       string          `json:"order_id"`
	Code          string          `json:"code"`
	CampaignID    string          `json:"campaign_id,omitempty"`
	ParentOrderID string          `json:"parent_order_id,omitempty"`
	Source        string          `json:"source,omitempty"`
}

// Stages.
const (
	StageProspecting   = "Prospecting"
	StageQualification = "Qualification"
	StageClosedWon     = "Closed Won"
	StageClosedLost    = "Closed Lost"
	StageMissed        = "Missed"
)

const defaultSource = "Website"

// StageFor maps a donation status to a CRM stage. A failed child charge is
// Missed rather than Closed Lost so the subscription stays open in the CRM.
func StageFor(status domain.DonationStatus, subsequent bool) string {
	switch status {
	case domain.DonationProcessing:
		return StageQualification
	case domain.DonationCompleted:
		return StageClosedWon
	case domain.DonationFailed:
		if subsequent {
			return StageMissed
		}
		return StageClosedLost
	case domain.DonationCancelled:
		return StageClosedLost
	default:
		return StageProspecting
	}
}

// TypeFor maps a donation kind to a CRM opportunity type.
func TypeFor(kind domain.DonationKind) string {
	switch kind {
	case domain.KindMonthly:
		return "Monthly Recurring"
	case domain.KindQuarterly:
		return "Quarterly Recurring"
	case domain.KindYearly:
		return "Annual Recurring"
	default:
		return "One-time Donation"
	}
}

// SplitName splits a full name on the first space. A missing last name
// becomes "Unknown", which the CRM requires.
func SplitName(full string) (first, last string) {
	full = strings.Join(strings.Fields(full), " ")
	if full == "" {
		return "", "Unknown"
	}
	first, last, ok := strings.Cut(full, " ")
	if !ok {
		return first, "Unknown"
	}
	return first, last
}

// ContactFor builds the donor record for a donation.
func ContactFor(d domain.Donation) Contact {
	first, last := SplitName(d.DonorName)
	return Contact{
		FirstName: first,
		LastName:  last,
		Email:     strings.TrimSpace(d.DonorEmail),
		Phone:     strings.TrimSpace(d.DonorPhone),
		Country:   d.Country,
		Source:    defaultSource,
	}
}

// OpportunityFor builds the opportunity record. orderID is the gateway
// order id of the donation's payment, falling back to its code.
func OpportunityFor(d domain.Donation, orderID string, closeDate time.Time) Opportunity {
	if orderID == "" {
		orderID = d.Code
	}
	donor := strings.TrimSpace(d.DonorName)
	if donor == "" {
		donor = "Anonymous"
	}
	opp := Opportunity{
		Name:          fmt.Sprintf("Donation %s - %s", orderID, donor),
		Amount:        d.Amount,
		Currency:      d.Currency,
		Type:          TypeFor(d.Kind),
		Stage:         StageFor(d.Status, !d.IsChainHead()),
		CloseDate:     closeDate.Format(time.DateOnly),
		OrderID:       orderID,
		Code:          d.Code,
		ParentOrderID: d.ParentOrderID,
		Source:        defaultSource,
	}
	if d.CampaignID != nil {
		opp.CampaignID = *d.CampaignID
	}
	return opp
}
