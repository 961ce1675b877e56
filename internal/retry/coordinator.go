// Package retry decides what happens after a failed charge or a failed call
// to an external system. Recurring charges are retried on a fixed delay
// through the task queue; transient transport errors are retried in place
// with exponential backoff.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"donationsvc/internal/domain"
	"donationsvc/internal/providers/gateway"
)

// FailureRecorder closes a chain once its retry budget is spent.
type FailureRecorder interface {
	RecordRetryExhausted(ctx context.Context, headID string, attempts int) (*domain.Transaction, error)
}

// Policy bounds both retry flavours.
type Policy struct {
	// MaxRetries counts recurring retries after the initial attempt.
	MaxRetries int
	// Delay separates recurring attempts.
	Delay time.Duration

	// ReconcileDelay separates status checks on a charge whose outcome the
	// gateway never reported; ReconcileChecks bounds them.
	ReconcileDelay  time.Duration
	ReconcileChecks int

	TransientInitial  time.Duration
	TransientMax      time.Duration
	TransientMaxTries uint

	// Interactive bounds calls made while a donor waits on the response.
	// The whole call, backoff included, must finish within InteractiveBudget.
	InteractiveInitial  time.Duration
	InteractiveMaxTries uint
	InteractiveBudget   time.Duration
}

// DefaultPolicy retries a recurring charge twice, three days apart, and a
// transient failure three times starting at one minute. An unconfirmed charge
// is checked every fifteen minutes for two hours. Donor-facing calls get one
// quick retry inside fifteen seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          2,
		Delay:               72 * time.Hour,
		ReconcileDelay:      15 * time.Minute,
		ReconcileChecks:     8,
		TransientInitial:    time.Minute,
		TransientMax:        10 * time.Minute,
		TransientMaxTries:   3,
		InteractiveInitial:  250 * time.Millisecond,
		InteractiveMaxTries: 2,
		InteractiveBudget:   15 * time.Second,
	}
}

// Decision is the coordinator's verdict on a failed recurring charge.
type Decision struct {
	Retry     bool
	Attempt   int
	RunAt     time.Time
	Exhausted bool
	TaskID    string
}

// RetryPayload is stored with recurring_retry tasks. DueDate is the billing
// period the failed attempt tried to settle.
type RetryPayload struct {
	FailedOrderID string     `json:"failed_order_id,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// ReconcilePayload is stored with recurring_reconcile tasks. Checks counts
// the status queries already made for the order.
type ReconcilePayload struct {
	OrderID string `json:"order_id"`
	Checks  int    `json:"checks"`
	Error   string `json:"error,omitempty"`
}

// Coordinator owns retry scheduling.
type Coordinator struct {
	tasks    domain.TaskQueue
	recorder FailureRecorder
	policy   Policy
	now      func() time.Time
	logger   zerolog.Logger
}

// NewCoordinator builds a coordinator. A nil clock uses time.Now.
func NewCoordinator(tasks domain.TaskQueue, recorder FailureRecorder, policy Policy, clock func() time.Time, logger *zerolog.Logger) *Coordinator {
	if clock == nil {
		clock = time.Now
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	if policy.Delay <= 0 {
		policy.Delay = DefaultPolicy().Delay
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.ReconcileDelay <= 0 {
		policy.ReconcileDelay = DefaultPolicy().ReconcileDelay
	}
	if policy.ReconcileChecks <= 0 {
		policy.ReconcileChecks = DefaultPolicy().ReconcileChecks
	}
	return &Coordinator{tasks: tasks, recorder: recorder, policy: policy, now: clock, logger: l}
}

// Policy returns the active policy.
func (c *Coordinator) Policy() Policy { return c.policy }

// RecurringChargeFailed is called after attempt (1-based) failed for the
// chain head. It schedules the next attempt while budget remains and
// records a terminal failure otherwise.
func (c *Coordinator) RecurringChargeFailed(ctx context.Context, head domain.Donation, attempt int, failedOrderID string, cause error) (Decision, error) {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > c.policy.MaxRetries {
		if _, err := c.recorder.RecordRetryExhausted(ctx, head.ID, attempt); err != nil {
			return Decision{}, fmt.Errorf("retry: record exhaustion: %w", err)
		}
		c.logger.Warn().
			Str("donation_id", head.ID).
			Int("attempts", attempt).
			Msg("retry: recurring charge budget exhausted")
		return Decision{Exhausted: true, Attempt: attempt}, nil
	}

	payload, err := json.Marshal(RetryPayload{
		FailedOrderID: failedOrderID,
		DueDate:       head.NextDueDate,
		ErrorCode:     gateway.ErrorCode(cause),
		Error:         errorText(cause),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("retry: encode payload: %w", err)
	}
	task := &domain.Task{
		Kind:    domain.TaskRecurringRetry,
		RefID:   head.ID,
		Attempt: attempt + 1,
		RunAt:   c.now().UTC().Add(c.policy.Delay),
		Status:  domain.TaskQueued,
		Payload: payload,
	}
	if err := c.tasks.Schedule(ctx, task); err != nil {
		return Decision{}, fmt.Errorf("retry: schedule attempt %d: %w", task.Attempt, err)
	}
	c.logger.Info().
		Str("donation_id", head.ID).
		Int("attempt", task.Attempt).
		Time("run_at", task.RunAt).
		Msg("retry: recurring charge rescheduled")
	return Decision{Retry: true, Attempt: task.Attempt, RunAt: task.RunAt, TaskID: task.ID}, nil
}

// ChargeUnconfirmed is called when a recurring charge may have reached the
// gateway but no answer came back. Nothing is retried: a status check is
// scheduled for the same order instead, so a captured payment is never
// charged twice. checks counts the queries already made; once the budget is
// spent the decision is Exhausted and the charge needs an operator.
func (c *Coordinator) ChargeUnconfirmed(ctx context.Context, head domain.Donation, attempt int, orderID string, checks int, cause error) (Decision, error) {
	if checks >= c.policy.ReconcileChecks {
		c.logger.Error().
			Str("donation_id", head.ID).
			Str("order_id", orderID).
			Int("checks", checks).
			Msg("retry: recurring charge still unconfirmed")
		return Decision{Exhausted: true, Attempt: attempt}, nil
	}
	payload, err := json.Marshal(ReconcilePayload{OrderID: orderID, Checks: checks, Error: errorText(cause)})
	if err != nil {
		return Decision{}, fmt.Errorf("retry: encode payload: %w", err)
	}
	task := &domain.Task{
		Kind:    domain.TaskRecurringReconcile,
		RefID:   head.ID,
		Attempt: attempt,
		RunAt:   c.now().UTC().Add(c.policy.ReconcileDelay),
		Status:  domain.TaskQueued,
		Payload: payload,
	}
	if err := c.tasks.Schedule(ctx, task); err != nil {
		return Decision{}, fmt.Errorf("retry: schedule status check for %s: %w", orderID, err)
	}
	c.logger.Info().
		Str("donation_id", head.ID).
		Str("order_id", orderID).
		Time("run_at", task.RunAt).
		Msg("retry: status check scheduled")
	return Decision{Retry: true, Attempt: attempt, RunAt: task.RunAt, TaskID: task.ID}, nil
}

// Retryable reports whether err is worth retrying in place.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrGatewayUnreachable) {
		return true
	}
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && temp.Temporary()
}

// Transient runs op until it succeeds, fails permanently or the try budget
// is spent. Only errors accepted by Retryable are retried. Waits double from
// TransientInitial up to TransientMax.
func (c *Coordinator) Transient(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return c.run(ctx, name, c.transientBackOff(), c.policy.TransientMaxTries, op)
}

// Interactive is Transient for donor-facing calls: short waits and a hard
// deadline of InteractiveBudget over all attempts.
func (c *Coordinator) Interactive(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if c.policy.InteractiveBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.InteractiveBudget)
		defer cancel()
	}
	return c.run(ctx, name, c.interactiveBackOff(), c.policy.InteractiveMaxTries, op)
}

func (c *Coordinator) transientBackOff() *backoff.ExponentialBackOff {
	return doubling(c.policy.TransientInitial, c.policy.TransientMax)
}

func (c *Coordinator) interactiveBackOff() *backoff.ExponentialBackOff {
	initial := c.policy.InteractiveInitial
	if initial <= 0 {
		initial = DefaultPolicy().InteractiveInitial
	}
	return doubling(initial, 4*initial)
}

func doubling(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if initial > 0 {
		b.InitialInterval = initial
	}
	if max > 0 {
		b.MaxInterval = max
	}
	b.Reset()
	return b
}

func (c *Coordinator) run(ctx context.Context, name string, b backoff.BackOff, tries uint, op func(ctx context.Context) error) error {
	if tries == 0 {
		tries = 1
	}
	attempt := 0
	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		last = err
		if !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn().Err(err).Str("op", name).Int("attempt", attempt).Dur("wait", wait).Msg("retry: transient failure")
		}),
	)
	// A spent deadline reports the last gateway error rather than the bare
	// context error.
	if err != nil && last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return last
	}
	return err
}

type interactiveKey struct{}

// WithInteractive marks ctx as belonging to a request someone is waiting
// on. Call then uses the interactive budget.
func WithInteractive(ctx context.Context) context.Context {
	return context.WithValue(ctx, interactiveKey{}, true)
}

func isInteractive(ctx context.Context) bool {
	v, _ := ctx.Value(interactiveKey{}).(bool)
	return v
}

// Call is Transient for operations that produce a value, or Interactive when
// ctx carries WithInteractive.
func Call[T any](ctx context.Context, c *Coordinator, name string, op func(ctx context.Context) (T, error)) (T, error) {
	if isInteractive(ctx) {
		return value(ctx, c.Interactive, name, op)
	}
	return value(ctx, c.Transient, name, op)
}

// CallInteractive is Interactive for operations that produce a value.
func CallInteractive[T any](ctx context.Context, c *Coordinator, name string, op func(ctx context.Context) (T, error)) (T, error) {
	return value(ctx, c.Interactive, name, op)
}

func value[T any](ctx context.Context, run func(context.Context, string, func(context.Context) error) error, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := run(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
