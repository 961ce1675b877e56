package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign aggregates donations toward a fundraising goal.
type Campaign struct {
	ID           string
	Name         string
	RaisedAmount decimal.Decimal
	CRMID        string
	UpdatedAt    time.Time
}

// CardChange is an audit record emitted whenever a stored card token changes.
type CardChange struct {
	ID         string
	DonationID string
	OldToken   string
	NewToken   string
	Reason     string
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}
