// Package webhook turns gateway result callbacks into ledger outcomes and
// produces the signed acknowledgement the gateway expects.
package webhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/providers/gateway"
)

// Acknowledgement descriptions.
const (
	DescAccepted         = "Payment accepted"
	DescInvalidSignature = "Invalid signature"
	DescOrderNotFound    = "Order not found"
	DescInternalError    = "Internal error"
)

const paymentDateLayout = "2006-01-02 15:04:05"

// Applier applies an outcome to a transaction. *ledger.Ledger satisfies it.
type Applier interface {
	ApplyOutcome(ctx context.Context, transactionID string, result ledger.PaymentResult) (ledger.Change, error)
}

// Options configures a Processor.
type Options struct {
	SecretKey string
	Location  *time.Location
	Clock     func() time.Time
	Logger    *zerolog.Logger
}

// Processor handles result callbacks.
type Processor struct {
	applier Applier
	secret  string
	loc     *time.Location
	now     func() time.Time
	logger  zerolog.Logger
}

// Outcome is what the processor did with a callback. Ack is always set.
type Outcome struct {
	Ack     gateway.Ack
	OrderID string
	Result  ledger.Outcome
	Change  ledger.Change
	Err     error
}

// NewProcessor builds a processor. The secret must match the gateway's.
func NewProcessor(applier Applier, opts Options) (*Processor, error) {
	if strings.TrimSpace(opts.SecretKey) == "" {
		return nil, errors.New("webhook: secret key required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Processor{applier: applier, secret: opts.SecretKey, loc: loc, now: clock, logger: logger}, nil
}

// HandleCallback verifies, resolves and applies one callback. It never
// fails: every path ends in a signed acknowledgement, and Err records why a
// callback was not actioned.
func (p *Processor) HandleCallback(ctx context.Context, fields map[string]string) Outcome {
	orderID := strings.TrimSpace(fields["pg_order_id"])
	out := Outcome{OrderID: orderID}
	log := p.logger.With().Str("order_id", orderID).Logger()

	if !gateway.Verify(fields, fields[gateway.SignatureField], p.secret, gateway.ScriptResult) {
		log.Warn().Msg("webhook: signature mismatch")
		out.Err = domain.ErrSignatureInvalid
		out.Ack = gateway.NewAck(p.secret, gateway.AckError, DescInvalidSignature)
		return out
	}
	if orderID == "" {
		log.Warn().Msg("webhook: callback without order id")
		out.Err = domain.ErrUnknownOrder
		out.Ack = gateway.NewAck(p.secret, gateway.AckError, DescOrderNotFound)
		return out
	}

	result := p.paymentResult(fields)
	out.Result = result.Outcome
	change, err := p.applier.ApplyOutcome(ctx, orderID, result)
	out.Change = change
	switch {
	case err == nil:
		log.Info().
			Str("outcome", string(result.Outcome)).
			Bool("changed", change.Changed).
			Msg("webhook: callback processed")
		out.Ack = gateway.NewAck(p.secret, gateway.AckOK, DescAccepted)
	case errors.Is(err, domain.ErrUnknownOrder):
		log.Warn().Msg("webhook: unknown order")
		out.Err = err
		out.Ack = gateway.NewAck(p.secret, gateway.AckError, DescOrderNotFound)
	case errors.Is(err, domain.ErrInvalidTransition):
		// The transaction already settled the other way; redelivery must stop.
		log.Warn().Err(err).Str("outcome", string(result.Outcome)).Msg("webhook: outcome conflicts with settled transaction")
		out.Err = err
		out.Ack = gateway.NewAck(p.secret, gateway.AckOK, DescAccepted)
	default:
		log.Error().Err(err).Msg("webhook: apply outcome failed")
		out.Err = err
		out.Ack = gateway.NewAck(p.secret, gateway.AckError, DescInternalError)
	}
	return out
}

// MapResult converts the gateway's pg_result code.
func MapResult(code string) ledger.Outcome {
	switch strings.TrimSpace(code) {
	case "1":
		return ledger.OutcomeSuccess
	case "0":
		return ledger.OutcomeFailed
	default:
		return ledger.OutcomePending
	}
}

// MapPaymentStatus converts pg_payment_status from a status query. Reversed
// and partial payments stay pending so a poll never overrides a settlement.
func MapPaymentStatus(status string) ledger.Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success":
		return ledger.OutcomeSuccess
	case "failed", "error":
		return ledger.OutcomeFailed
	default:
		return ledger.OutcomePending
	}
}

func (p *Processor) paymentResult(fields map[string]string) ledger.PaymentResult {
	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		if k != gateway.SignatureField {
			raw[k] = v
		}
	}
	res := ledger.PaymentResult{
		Outcome:            MapResult(fields["pg_result"]),
		PaidAt:             p.paidAt(fields["pg_payment_date"]),
		ExternalID:         fields["pg_payment_id"],
		CardToken:          strings.TrimSpace(fields["pg_card_token"]),
		RecurringProfileID: gateway.ParseProfileID(fields["pg_recurring_profile_id"], fields["pg_recurring_profile"]),
		Raw:                raw,
	}
	if res.Outcome == ledger.OutcomeFailed {
		res.ErrorCode = firstNonEmpty(fields["pg_failure_code"], fields["pg_error_code"])
		res.ErrorMessage = firstNonEmpty(fields["pg_failure_description"], fields["pg_error_description"])
	}
	return res
}

func (p *Processor) paidAt(value string) time.Time {
	value = strings.TrimSpace(value)
	if value != "" {
		if t, err := time.ParseInLocation(paymentDateLayout, value, p.loc); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t
		}
	}
	return p.now()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
