// Package recurring bills due subscriptions. A sweep claims due chain heads,
// opens a child donation per charge and hands failures to the retry
// coordinator.
package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/providers/gateway"
	"donationsvc/internal/retry"
	"donationsvc/internal/webhook"
)

// Charger is the part of the gateway client the runner needs.
type Charger interface {
	ChargeStoredCard(ctx context.Context, charge gateway.CardCharge) (gateway.Result, error)
	ChargeRecurringProfile(ctx context.Context, charge gateway.ProfileCharge) (gateway.Result, error)
	InitCardForRecurring(ctx context.Context, charge gateway.CardCharge) (gateway.Result, error)
	CheckStatus(ctx context.Context, orderID string) (gateway.Result, error)
}

// Retrier decides what follows a failed recurring charge.
type Retrier interface {
	RecurringChargeFailed(ctx context.Context, head domain.Donation, attempt int, failedOrderID string, cause error) (retry.Decision, error)
	ChargeUnconfirmed(ctx context.Context, head domain.Donation, attempt int, orderID string, checks int, cause error) (retry.Decision, error)
}

// Config tunes the sweep. RetryHold keeps a head out of regular sweeps past
// the run time of its queued retry or status check, so a late task loop
// does not race the sweep for the same period.
type Config struct {
	BatchSize   int
	Concurrency int
	ClaimTTL    time.Duration
	RetryHold   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 15 * time.Minute
	}
	if c.RetryHold <= 0 {
		c.RetryHold = 24 * time.Hour
	}
	return c
}

// Result is the outcome of one charge attempt for a chain head.
type Result string

const (
	ResultCharged           Result = "charged"
	ResultFailedRetrying    Result = "failed_retry_scheduled"
	ResultFailedExhausted   Result = "failed_exhausted"
	ResultMissingInstrument Result = "missing_instrument"
	ResultUnconfirmed       Result = "unconfirmed"
	ResultSkipped           Result = "skipped"
	ResultError             Result = "error"
)

// SweepReport summarizes a sweep.
type SweepReport struct {
	Claimed int
	Results map[Result]int
	Errors  []error
}

// Count returns how many heads ended with r.
func (s SweepReport) Count(r Result) int { return s.Results[r] }

// Runner bills recurring donations.
type Runner struct {
	ledger  *ledger.Ledger
	store   domain.Store
	charger Charger
	retrier Retrier
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRunner wires a runner. A nil clock uses time.Now.
func NewRunner(l *ledger.Ledger, charger Charger, retrier Retrier, cfg Config, clock func() time.Time, logger *zerolog.Logger) *Runner {
	if clock == nil {
		clock = time.Now
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = *logger
	}
	return &Runner{
		ledger:  l,
		store:   l.Store(),
		charger: charger,
		retrier: retrier,
		cfg:     cfg.withDefaults(),
		now:     clock,
		logger:  lg,
	}
}

// Sweep claims due chain heads and charges each once. Claimed heads are
// invisible to concurrent sweeps until the claim expires or is cleared.
func (r *Runner) Sweep(ctx context.Context) (SweepReport, error) {
	now := r.now().UTC()
	heads, err := r.store.ClaimDueSubscriptions(ctx, now, now.Add(r.cfg.ClaimTTL), r.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("recurring: claim due subscriptions: %w", err)
	}
	report := SweepReport{Claimed: len(heads), Results: make(map[Result]int)}
	if len(heads) == 0 {
		return report, nil
	}
	r.logger.Info().Int("claimed", len(heads)).Msg("recurring: sweep started")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, head := range heads {
		g.Go(func() error {
			res, err := r.charge(gctx, head.ID, 1, head.NextDueDate)
			mu.Lock()
			defer mu.Unlock()
			report.Results[res]++
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("donation %s: %w", head.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info().
		Int("claimed", report.Claimed).
		Int("charged", report.Count(ResultCharged)).
		Int("retrying", report.Count(ResultFailedRetrying)).
		Int("exhausted", report.Count(ResultFailedExhausted)).
		Int("missing_instrument", report.Count(ResultMissingInstrument)).
		Int("unconfirmed", report.Count(ResultUnconfirmed)).
		Int("errors", len(report.Errors)).
		Msg("recurring: sweep finished")
	return report, nil
}

// HandleRetryTask runs a scheduled retry. The head is re-checked first so a
// subscription paused or cancelled in the meantime is not charged, and the
// retry only bills the period it was scheduled for.
func (r *Runner) HandleRetryTask(ctx context.Context, task domain.Task) error {
	if task.Kind != domain.TaskRecurringRetry {
		return fmt.Errorf("recurring: unexpected task kind %q", task.Kind)
	}
	var payload retry.RetryPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("recurring: decode retry payload: %w", err)
		}
	}
	head, err := r.store.GetDonation(ctx, task.RefID)
	if err != nil {
		return fmt.Errorf("recurring: load head %s: %w", task.RefID, err)
	}
	if !ledger.Billable(head) {
		r.logger.Info().
			Str("donation_id", head.ID).
			Str("subscription", string(head.SubscriptionStatus)).
			Msg("recurring: retry skipped, subscription no longer billable")
		return r.store.SetBillingClaim(ctx, head.ID, nil)
	}
	claim := r.now().UTC().Add(r.cfg.ClaimTTL)
	if err := r.store.SetBillingClaim(ctx, head.ID, &claim); err != nil {
		return fmt.Errorf("recurring: claim head %s: %w", head.ID, err)
	}
	res, err := r.charge(ctx, head.ID, task.Attempt, payload.DueDate)
	if err != nil {
		return err
	}
	r.logger.Info().Str("donation_id", head.ID).Int("attempt", task.Attempt).Str("result", string(res)).Msg("recurring: retry finished")
	return nil
}

// HandleReconcileTask settles a charge the gateway never answered. The
// callback may have settled it already; otherwise the gateway is asked for
// the payment status. A declined charge then follows the normal retry
// policy, and a still unknown one is checked again later.
func (r *Runner) HandleReconcileTask(ctx context.Context, task domain.Task) error {
	if task.Kind != domain.TaskRecurringReconcile {
		return fmt.Errorf("recurring: unexpected task kind %q", task.Kind)
	}
	var payload retry.ReconcilePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("recurring: decode reconcile payload: %w", err)
	}
	log := r.logger.With().Str("donation_id", task.RefID).Str("order_id", payload.OrderID).Logger()

	t, err := r.store.GetTransaction(ctx, payload.OrderID)
	if err != nil {
		return fmt.Errorf("recurring: load transaction %s: %w", payload.OrderID, err)
	}
	if !t.Status.Terminal() {
		res, checkErr := r.charger.CheckStatus(ctx, payload.OrderID)
		outcome := ledger.OutcomePending
		if checkErr == nil {
			outcome = webhook.MapPaymentStatus(res.PaymentStatus())
		}
		if outcome == ledger.OutcomePending {
			if checkErr == nil {
				checkErr = fmt.Errorf("payment status %q", res.PaymentStatus())
			}
			log.Warn().Err(checkErr).Int("checks", payload.Checks+1).Msg("recurring: charge still unconfirmed")
			head, err := r.store.GetDonation(ctx, task.RefID)
			if err != nil {
				return fmt.Errorf("recurring: load head %s: %w", task.RefID, err)
			}
			_, err = r.unconfirmed(ctx, *head, payload.OrderID, task.Attempt, payload.Checks+1, checkErr)
			return err
		}
		result := ledger.PaymentResult{
			Outcome:            outcome,
			PaidAt:             r.now(),
			ExternalID:         res.PaymentID(),
			CardToken:          res.CardToken(),
			RecurringProfileID: res.RecurringProfileID(),
			Raw:                res.Fields,
		}
		if outcome == ledger.OutcomeFailed {
			result.ErrorCode = res.Get("pg_failure_code")
			result.ErrorMessage = res.Get("pg_failure_description")
		}
		if _, err := r.ledger.ApplyOutcome(ctx, payload.OrderID, result); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		if t, err = r.store.GetTransaction(ctx, payload.OrderID); err != nil {
			return fmt.Errorf("recurring: reload transaction %s: %w", payload.OrderID, err)
		}
	}

	if t.Status == domain.TxSuccess || t.Status == domain.TxRefunded {
		log.Info().Msg("recurring: unconfirmed charge settled as paid")
		return nil
	}
	head, err := r.store.GetDonation(ctx, task.RefID)
	if err != nil {
		return fmt.Errorf("recurring: load head %s: %w", task.RefID, err)
	}
	if !ledger.Billable(head) {
		log.Info().Str("status", string(t.Status)).Msg("recurring: unconfirmed charge declined, no retry")
		return r.store.SetBillingClaim(ctx, head.ID, nil)
	}
	cause := &gateway.RejectedError{Script: gateway.ScriptRecurringPayment, Code: t.ErrorCode, Description: t.ErrorMessage, Fields: t.GatewayResponse}
	_, err = r.declined(ctx, *head, payload.OrderID, task.Attempt, cause)
	return err
}

// ActivateChain takes the first payment of a chain head opened by a
// subscription change, using the instrument carried over from the previous
// chain. Success anchors the new schedule. Failures are recorded but not
// retried; the donor can restart through checkout.
func (r *Runner) ActivateChain(ctx context.Context, headID string) (Result, error) {
	head, err := r.store.GetDonation(ctx, headID)
	if err != nil {
		return ResultError, fmt.Errorf("recurring: load head %s: %w", headID, err)
	}
	if !head.IsChainHead() || head.Status != domain.DonationPending || !head.Kind.Recurring() {
		return ResultSkipped, fmt.Errorf("%w: donation %s is %s", domain.ErrInvalidTransition, head.ID, head.Status)
	}
	if !head.HasBillingInstrument() {
		return ResultMissingInstrument, domain.ErrMissingBillingInstrument
	}
	orderID := head.ParentOrderID
	if orderID == "" {
		orderID = ledger.InitialOrderID(head.Code, r.now())
	}
	tx, err := r.ledger.RecordOutboundAttempt(ctx, head, orderID, head.Amount, head.Currency, nil)
	if err != nil {
		return ResultError, err
	}
	// A card without a profile (a new card, or a chain that never had one)
	// is bound to a fresh gateway profile by the first payment.
	var (
		res     gateway.Result
		callErr error
	)
	script := gateway.ScriptRecurringPayment
	if head.RecurringProfileID == nil {
		script = gateway.ScriptCardInit
		res, callErr = r.charger.InitCardForRecurring(ctx, gateway.CardCharge{
			OrderID:     orderID,
			Token:       head.CardToken,
			Amount:      head.Amount,
			Currency:    head.Currency,
			Description: fmt.Sprintf("Recurring donation %s", head.Code),
			Phone:       head.DonorPhone,
			Email:       head.DonorEmail,
		})
	} else {
		res, callErr = r.send(ctx, &ledger.ChildCharge{Head: *head, Child: *head, Transaction: *tx})
	}
	if callErr == nil && !res.OK() {
		callErr = &gateway.RejectedError{Script: script, Code: res.ErrorCode(), Description: res.ErrorDescription(), Fields: res.Fields}
	}
	if errors.Is(callErr, domain.ErrGatewayUnreachable) {
		return r.unconfirmed(ctx, *head, orderID, 1, 0, callErr)
	}
	outcome := ledger.PaymentResult{PaidAt: r.now()}
	if callErr == nil {
		outcome.Outcome = ledger.OutcomeSuccess
		outcome.ExternalID = res.PaymentID()
		outcome.CardToken = res.CardToken()
		outcome.RecurringProfileID = res.RecurringProfileID()
		outcome.Raw = res.Fields
	} else {
		outcome.Outcome = ledger.OutcomeFailed
		outcome.ErrorCode = gateway.ErrorCode(callErr)
		outcome.ErrorMessage = callErr.Error()
	}
	if _, err := r.ledger.ApplyOutcome(ctx, orderID, outcome); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return ResultError, err
	}
	if callErr != nil {
		return ResultFailedExhausted, callErr
	}
	return ResultCharged, nil
}

func (r *Runner) charge(ctx context.Context, headID string, attempt int, period *time.Time) (Result, error) {
	charge, err := r.ledger.StartChildCharge(ctx, headID, attempt, period)
	switch {
	case errors.Is(err, domain.ErrMissingBillingInstrument):
		return ResultMissingInstrument, nil
	case errors.Is(err, domain.ErrChargeInFlight):
		// The claim expires on its own; the charge in flight settles the head.
		r.logger.Info().Str("donation_id", headID).Msg("recurring: charge already in flight")
		return ResultSkipped, nil
	case errors.Is(err, domain.ErrNotRecurring), errors.Is(err, domain.ErrPeriodSettled):
		r.releaseClaim(ctx, headID)
		return ResultSkipped, nil
	case err != nil:
		r.releaseClaim(ctx, headID)
		return ResultError, err
	}

	orderID := charge.Transaction.TransactionID
	res, callErr := r.send(ctx, charge)
	if callErr == nil && !res.OK() {
		callErr = &gateway.RejectedError{Script: gateway.ScriptRecurringPayment, Code: res.ErrorCode(), Description: res.ErrorDescription(), Fields: res.Fields}
	}
	if callErr == nil {
		_, err := r.ledger.ApplyOutcome(ctx, orderID, ledger.PaymentResult{
			Outcome:            ledger.OutcomeSuccess,
			PaidAt:             r.now(),
			ExternalID:         res.PaymentID(),
			CardToken:          res.CardToken(),
			RecurringProfileID: res.RecurringProfileID(),
			Raw:                res.Fields,
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			r.logger.Warn().Err(err).Str("order_id", orderID).Msg("recurring: gateway accepted a charge already settled as failed")
			return ResultCharged, nil
		}
		if err != nil {
			return ResultError, err
		}
		r.logger.Info().Str("donation_id", headID).Str("order_id", orderID).Msg("recurring: charged")
		return ResultCharged, nil
	}

	r.logger.Warn().Err(callErr).Str("donation_id", headID).Str("order_id", orderID).Int("attempt", attempt).Msg("recurring: charge failed")
	if errors.Is(callErr, domain.ErrGatewayUnreachable) {
		// The request may have been captured before the connection dropped.
		return r.unconfirmed(ctx, charge.Head, orderID, attempt, 0, callErr)
	}
	failure := ledger.PaymentResult{
		Outcome:      ledger.OutcomeFailed,
		PaidAt:       r.now(),
		ErrorCode:    gateway.ErrorCode(callErr),
		ErrorMessage: callErr.Error(),
	}
	var rejected *gateway.RejectedError
	if errors.As(callErr, &rejected) {
		failure.Raw = rejected.Fields
		if rejected.Description != "" {
			failure.ErrorMessage = rejected.Description
		}
	}
	if _, err := r.ledger.ApplyOutcome(ctx, orderID, failure); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return ResultError, err
	}
	return r.declined(ctx, charge.Head, orderID, attempt, callErr)
}

// declined hands a settled failure to the retry policy and keeps the head
// out of sweeps until the retry runs.
func (r *Runner) declined(ctx context.Context, head domain.Donation, orderID string, attempt int, cause error) (Result, error) {
	decision, err := r.retrier.RecurringChargeFailed(ctx, head, attempt, orderID, cause)
	if err != nil {
		r.releaseClaim(ctx, head.ID)
		return ResultError, err
	}
	if decision.Exhausted {
		return ResultFailedExhausted, nil
	}
	if err := r.hold(ctx, head.ID, decision.RunAt); err != nil {
		return ResultFailedRetrying, err
	}
	return ResultFailedRetrying, nil
}

// unconfirmed leaves the transaction processing and schedules a status
// check. No retry runs until the check or the callback settles it.
func (r *Runner) unconfirmed(ctx context.Context, head domain.Donation, orderID string, attempt, checks int, cause error) (Result, error) {
	if _, err := r.ledger.ApplyOutcome(ctx, orderID, ledger.PaymentResult{Outcome: ledger.OutcomePending}); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return ResultError, err
	}
	decision, err := r.retrier.ChargeUnconfirmed(ctx, head, attempt, orderID, checks, cause)
	if err != nil {
		return ResultError, err
	}
	if decision.Exhausted {
		note := fmt.Sprintf("charge %s unconfirmed after %d status checks", orderID, checks)
		if _, err := r.ledger.Pause(ctx, head.ID, note); err != nil && !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrNotRecurring) {
			return ResultError, err
		}
		return ResultUnconfirmed, nil
	}
	if err := r.hold(ctx, head.ID, decision.RunAt); err != nil {
		return ResultUnconfirmed, err
	}
	return ResultUnconfirmed, nil
}

func (r *Runner) hold(ctx context.Context, headID string, runAt time.Time) error {
	until := runAt.Add(r.cfg.RetryHold)
	if err := r.store.SetBillingClaim(ctx, headID, &until); err != nil {
		return fmt.Errorf("recurring: hold claim: %w", err)
	}
	return nil
}

func (r *Runner) send(ctx context.Context, charge *ledger.ChildCharge) (gateway.Result, error) {
	head := charge.Head
	description := fmt.Sprintf("Recurring donation %s", head.Code)
	if charge.Child.RecurringProfileID != nil {
		return r.charger.ChargeRecurringProfile(ctx, gateway.ProfileCharge{
			OrderID:     charge.Transaction.TransactionID,
			ProfileID:   *charge.Child.RecurringProfileID,
			Amount:      charge.Transaction.Amount,
			Description: description,
		})
	}
	return r.charger.ChargeStoredCard(ctx, gateway.CardCharge{
		OrderID:     charge.Transaction.TransactionID,
		Token:       charge.Child.CardToken,
		Amount:      charge.Transaction.Amount,
		Currency:    charge.Transaction.Currency,
		Description: description,
		Phone:       head.DonorPhone,
		Email:       head.DonorEmail,
	})
}

func (r *Runner) releaseClaim(ctx context.Context, headID string) {
	if err := r.store.SetBillingClaim(ctx, headID, nil); err != nil {
		r.logger.Error().Err(err).Str("donation_id", headID).Msg("recurring: release claim failed")
	}
}
