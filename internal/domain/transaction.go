package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus enumerates the states of one money-movement attempt.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxProcessing TransactionStatus = "processing"
	TxSuccess    TransactionStatus = "success"
	TxFailed     TransactionStatus = "failed"
	TxCancelled  TransactionStatus = "cancelled"
	TxRefunded   TransactionStatus = "refunded"
)

// Terminal reports whether the transaction can no longer change status.
func (s TransactionStatus) Terminal() bool {
	return s == TxSuccess || s == TxFailed || s == TxCancelled || s == TxRefunded
}

// TransactionKind distinguishes charges from reversals.
type TransactionKind string

const (
	TxKindPayment    TransactionKind = "payment"
	TxKindRefund     TransactionKind = "refund"
	TxKindChargeback TransactionKind = "chargeback"
)

// Transaction is one attempt to move money for a donation. TransactionID is
// the order id sent to the gateway and the idempotency key for callbacks.
type Transaction struct {
	ID              string
	DonationID      string
	TransactionID   string
	ExternalID      string
	Amount          decimal.Decimal
	Currency        string
	Status          TransactionStatus
	Kind            TransactionKind
	GatewayResponse map[string]string
	ErrorCode       string
	ErrorMessage    string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// Clone returns a deep copy of the transaction.
func (t Transaction) Clone() Transaction {
	out := t
	if t.GatewayResponse != nil {
		out.GatewayResponse = make(map[string]string, len(t.GatewayResponse))
		for k, v := range t.GatewayResponse {
			out.GatewayResponse[k] = v
		}
	}
	out.ProcessedAt = cloneTime(t.ProcessedAt)
	return out
}
