package recurring

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"donationsvc/internal/adapter/memory"
	"donationsvc/internal/billing"
	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/providers/gateway"
	"donationsvc/internal/retry"
)

type stubCharger struct {
	mu       sync.Mutex
	cards    []gateway.CardCharge
	profiles []gateway.ProfileCharge
	inits    []gateway.CardCharge
	fail     error
	status   string
	checks   int
}

func (s *stubCharger) ChargeStoredCard(_ context.Context, charge gateway.CardCharge) (gateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = append(s.cards, charge)
	return s.reply(charge.OrderID)
}

func (s *stubCharger) ChargeRecurringProfile(_ context.Context, charge gateway.ProfileCharge) (gateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, charge)
	return s.reply(charge.OrderID)
}

func (s *stubCharger) InitCardForRecurring(_ context.Context, charge gateway.CardCharge) (gateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits = append(s.inits, charge)
	res, err := s.reply(charge.OrderID)
	if err == nil {
		res.Fields["pg_recurring_profile_id"] = "7001"
	}
	return res, err
}

func (s *stubCharger) CheckStatus(_ context.Context, orderID string) (gateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	return gateway.Result{Fields: map[string]string{
		"pg_status":         "ok",
		"pg_order_id":       orderID,
		"pg_payment_status": s.status,
	}}, nil
}

func (s *stubCharger) reply(orderID string) (gateway.Result, error) {
	if s.fail != nil {
		return gateway.Result{}, s.fail
	}
	return gateway.Result{Fields: map[string]string{
		"pg_status":     "ok",
		"pg_payment_id": "pay-" + orderID,
	}}, nil
}

func (s *stubCharger) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards) + len(s.profiles) + len(s.inits)
}

type fixture struct {
	now     time.Time
	store   *memory.Store
	tasks   *memory.TaskQueue
	ledger  *ledger.Ledger
	charger *stubCharger
	runner  *Runner
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{now: now, store: memory.NewStore(), tasks: memory.NewTaskQueue(), charger: &stubCharger{}}
	clock := func() time.Time { return f.now }
	f.ledger = ledger.New(f.store, billing.NewScheduler(time.UTC), ledger.Options{Clock: clock})
	coordinator := retry.NewCoordinator(f.tasks, f.ledger, retry.DefaultPolicy(), clock, nil)
	f.runner = NewRunner(f.ledger, f.charger, coordinator, Config{Concurrency: 2}, clock, nil)
	return f
}

func (f *fixture) seedHead(t *testing.T, anchor, next time.Time, token string) *domain.Donation {
	t.Helper()
	head := &domain.Donation{
		Code:               "DONORA0001",
		Amount:             decimal.NewFromInt(1000),
		Currency:           "KGS",
		Kind:               domain.KindMonthly,
		Status:             domain.DonationCompleted,
		IsRecurring:        true,
		RecurringActive:    true,
		SubscriptionStatus: domain.SubscriptionActive,
		AnchorDate:         &anchor,
		NextDueDate:        &next,
		CardToken:          token,
		ParentOrderID:      "DON_DONORA0001_1765702800",
		DonorEmail:         "a@example.org",
	}
	if err := f.store.CreateDonation(context.Background(), head); err != nil {
		t.Fatalf("seed head: %v", err)
	}
	return head
}

func TestSweepChargesDueSubscription(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, due)
	head := f.seedHead(t, anchor, due, "tok123")
	ctx := context.Background()

	report, err := f.runner.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Claimed != 1 || report.Count(ResultCharged) != 1 || len(report.Errors) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(f.charger.cards) != 1 || f.charger.cards[0].Token != "tok123" {
		t.Fatalf("card charges = %+v", f.charger.cards)
	}
	if !f.charger.cards[0].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("amount = %s", f.charger.cards[0].Amount)
	}

	children, _ := f.store.ListDonations(ctx, domain.DonationFilter{ParentID: head.ID})
	if len(children) != 1 {
		t.Fatalf("children = %d, want 1", len(children))
	}
	child := children[0]
	want := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	if child.Status != domain.DonationCompleted || child.NextDueDate == nil || !child.NextDueDate.Equal(want) {
		t.Fatalf("child status %s next %v", child.Status, child.NextDueDate)
	}
	txs, _ := f.store.ListTransactions(ctx, child.ID)
	if len(txs) != 1 || txs[0].Status != domain.TxSuccess || !strings.HasPrefix(txs[0].TransactionID, "REC_DONORA0001_") {
		t.Fatalf("child transactions = %+v", txs)
	}

	got, _ := f.store.GetDonation(ctx, head.ID)
	if !got.AnchorDate.Equal(anchor) || got.CardToken != "tok123" {
		t.Fatalf("head instrument or anchor changed: %+v", got)
	}
	if !got.NextDueDate.Equal(want) || got.BillingClaimedUntil != nil {
		t.Fatalf("head next %v claim %v", got.NextDueDate, got.BillingClaimedUntil)
	}

	again, err := f.runner.Sweep(ctx)
	if err != nil || again.Claimed != 0 {
		t.Fatalf("second sweep = %+v, %v", again, err)
	}
}

func TestSweepPrefersRecurringProfile(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := anchor.AddDate(0, 1, 0)
	f := newFixture(t, due)
	head := f.seedHead(t, anchor, due, "tok123")
	profile := int64(4242)
	head.RecurringProfileID = &profile
	if err := f.store.UpdateDonation(context.Background(), head); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(f.charger.profiles) != 1 || f.charger.profiles[0].ProfileID != 4242 || len(f.charger.cards) != 0 {
		t.Fatalf("profiles %+v cards %+v", f.charger.profiles, f.charger.cards)
	}
}

func TestSweepMissingInstrumentSkipsGateway(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := anchor.AddDate(0, 1, 0)
	f := newFixture(t, due)
	head := f.seedHead(t, anchor, due, "")

	report, err := f.runner.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Count(ResultMissingInstrument) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if f.charger.calls() != 0 {
		t.Fatalf("gateway called %d times", f.charger.calls())
	}
	got, _ := f.store.GetDonation(context.Background(), head.ID)
	if got.SubscriptionStatus != domain.SubscriptionPaused {
		t.Fatalf("subscription = %s, want paused", got.SubscriptionStatus)
	}
}

func TestConcurrentSweepsChargeOnce(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := anchor.AddDate(0, 1, 0)
	f := newFixture(t, due)
	f.seedHead(t, anchor, due, "tok123")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.runner.Sweep(context.Background()); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
	}
	wg.Wait()
	if f.charger.calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1", f.charger.calls())
	}
}

func TestFailedChargeIsRetriedLater(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := anchor.AddDate(0, 1, 0)
	f := newFixture(t, due)
	head := f.seedHead(t, anchor, due, "tok123")
	ctx := context.Background()

	f.charger.fail = &gateway.RejectedError{Script: gateway.ScriptCardDirect, Code: "51", Description: "insufficient funds"}
	report, err := f.runner.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Count(ResultFailedRetrying) != 1 {
		t.Fatalf("report = %+v", report)
	}
	children, _ := f.store.ListDonations(ctx, domain.DonationFilter{ParentID: head.ID})
	if len(children) != 1 || children[0].Status != domain.DonationFailed {
		t.Fatalf("children = %+v", children)
	}
	got, _ := f.store.GetDonation(ctx, head.ID)
	runAt := due.Add(72 * time.Hour)
	if got.BillingClaimedUntil == nil || !got.BillingClaimedUntil.Equal(runAt.Add(24*time.Hour)) {
		t.Fatalf("claim = %v, want %v", got.BillingClaimedUntil, runAt.Add(24*time.Hour))
	}

	f.now = due.Add(24 * time.Hour)
	if again, _ := f.runner.Sweep(ctx); again.Claimed != 0 {
		t.Fatalf("head swept while a retry is pending")
	}
	f.now = runAt.Add(time.Second)
	if again, _ := f.runner.Sweep(ctx); again.Claimed != 0 {
		t.Fatalf("head swept before its retry ran")
	}

	f.now = runAt
	f.charger.fail = nil
	tasks, _ := f.tasks.ClaimDue(ctx, f.now, 10)
	if len(tasks) != 1 || tasks[0].Attempt != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if err := f.runner.HandleRetryTask(ctx, tasks[0]); err != nil {
		t.Fatalf("retry: %v", err)
	}
	children, _ = f.store.ListDonations(ctx, domain.DonationFilter{ParentID: head.ID})
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	last := f.charger.cards[len(f.charger.cards)-1]
	if !strings.HasSuffix(last.OrderID, "_2") {
		t.Fatalf("retry order id = %s", last.OrderID)
	}
	got, _ = f.store.GetDonation(ctx, head.ID)
	want := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	if !got.NextDueDate.Equal(want) || got.BillingClaimedUntil != nil {
		t.Fatalf("head next %v claim %v", got.NextDueDate, got.BillingClaimedUntil)
	}
}

func TestLateRetryDoesNotRebillSettledPeriod(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := anchor.AddDate(0, 1, 0)
	f := newFixture(t, due)
	head := f.seedHead(t, anchor, due, "tok123")
	ctx := context.Background()

	f.charger.fail = &gateway.RejectedError{Script: gateway.ScriptCardDirect, Code: "51"}
	if _, err := f.runner.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// The task loop was down long enough for the hold to lapse.
	f.now = due.Add(72*time.Hour + 24*time.Hour + time.Second)
	f.charger.fail = nil
	report, err := f.runner.Sweep(ctx)
	if err != nil || report.Count(ResultCharged) != 1 {
		t.Fatalf("sweep = %+v, %v", report, err)
	}
	tasks, _ := f.tasks.ClaimDue(ctx, f.now, 10)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if err := f.runner.HandleRetryTask(ctx, tasks[0]); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if f.charger.calls() != 2 {
		t.Fatalf("gateway calls = %d, want 2", f.charger.calls())
	}
	got, _ := f.store.GetDonation(ctx, head.ID)
	if want := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC); !got.NextDueDate.Equal(want) {
		t.Fatalf("head next due = %v, want %v", got.NextDueDate, want)
	}
}

func TestUnreachableChargeWaitsForCallback(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := anchor.AddDate(0, 1, 0)
	f := newFixture(t, due)
	head := f.seedHead(t, anchor, due, "tok123")
	ctx := context.Background()

	f.charger.fail = &gateway.UnreachableError{Script: gateway.ScriptCardDirect, Attempts: 9, Last: errors.New("timeout")}
	report, err := f.runner.Sweep(ctx)
	if err != nil || report.Count(ResultUnconfirmed) != 1 {
		t.Fatalf("sweep = %+v, %v", report, err)
	}
	children, _ := f.store.ListDonations(ctx, domain.DonationFilter{ParentID: head.ID})
	if len(children) != 1 || children[0].Status != domain.DonationProcessing {
		t.Fatalf("children = %+v", children)
	}
	orderID := f.charger.cards[0].OrderID
	tx, _ := f.store.GetTransaction(ctx, orderID)
	if tx.Status != domain.TxProcessing {
		t.Fatalf("tx status = %s, want processing", tx.Status)
	}
	queued, _ := f.tasks.ListByRef(ctx, head.ID)
	if len(queued) != 1 || queued[0].Kind != domain.TaskRecurringReconcile {
		t.Fatalf("queued = %+v", queued)
	}

	// The gateway captured the money and its callback arrives late.
	if _, err := f.ledger.ApplyOutcome(ctx, orderID, ledger.PaymentResult{Outcome: ledger.OutcomeSuccess, PaidAt: due}); err != nil {
		t.Fatalf("late callback: %v", err)
	}

	f.now = due.Add(15 * time.Minute)
	tasks, _ := f.tasks.ClaimDue(ctx, f.now, 10)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if err := f.runner.HandleReconcileTask(ctx, tasks[0]); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if f.charger.checks != 0 || f.charger.calls() != 1 {
		t.Fatalf("status checks = %d, charges = %d", f.charger.checks, f.charger.calls())
	}
	got, _ := f.store.GetDonation(ctx, head.ID)
	if want := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC); !got.NextDueDate.Equal(want) {
		t.Fatalf("head next due = %v, want %v", got.NextDueDate, want)
	}
	queued, _ = f.tasks.ListByRef(ctx, head.ID)
	for _, q := range queued {
		if q.Kind == domain.TaskRecurringRetry {
			t.Fatalf("retry scheduled for a paid charge: %+v", q)
		}
	}
}

func TestReconcileDeclinedChargeSchedulesRetry(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := anchor.AddDate(0, 1, 0)
	f := newFixture(t, due)
	head := f.seedHead(t, anchor, due, "tok123")
	ctx := context.Background()

	f.charger.fail = &gateway.UnreachableError{Script: gateway.ScriptCardDirect, Attempts: 9, Last: errors.New("timeout")}
	if _, err := f.runner.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	f.now = due.Add(15 * time.Minute)
	f.charger.status = "pending"
	tasks, _ := f.tasks.ClaimDue(ctx, f.now, 10)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if err := f.runner.HandleReconcileTask(ctx, tasks[0]); err != nil {
		t.Fatalf("first check: %v", err)
	}

	f.now = due.Add(30 * time.Minute)
	f.charger.status = "failed"
	tasks, _ = f.tasks.ClaimDue(ctx, f.now, 10)
	if len(tasks) != 1 || tasks[0].Kind != domain.TaskRecurringReconcile {
		t.Fatalf("tasks = %+v", tasks)
	}
	if err := f.runner.HandleReconcileTask(ctx, tasks[0]); err != nil {
		t.Fatalf("second check: %v", err)
	}
	if f.charger.checks != 2 || f.charger.calls() != 1 {
		t.Fatalf("status checks = %d, charges = %d", f.charger.checks, f.charger.calls())
	}
	children, _ := f.store.ListDonations(ctx, domain.DonationFilter{ParentID: head.ID})
	if len(children) != 1 || children[0].Status != domain.DonationFailed {
		t.Fatalf("children = %+v", children)
	}
	retries, _ := f.tasks.ClaimDue(ctx, f.now.Add(72*time.Hour), 10)
	if len(retries) != 1 || retries[0].Kind != domain.TaskRecurringRetry || retries[0].Attempt != 2 {
		t.Fatalf("retries = %+v", retries)
	}
}

func TestRetrySkippedForPausedSubscription(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	due := anchor.AddDate(0, 1, 0)
	f := newFixture(t, due)
	head := f.seedHead(t, anchor, due, "tok123")
	if _, err := f.ledger.Pause(context.Background(), head.ID, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	task := domain.Task{Kind: domain.TaskRecurringRetry, RefID: head.ID, Attempt: 2}
	if err := f.runner.HandleRetryTask(context.Background(), task); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.charger.calls() != 0 {
		t.Fatalf("paused subscription was charged")
	}
}

func TestActivateChainAfterSubscriptionChange(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	head := f.seedHead(t, anchor, anchor.AddDate(0, 1, 0), "tok123")
	ctx := context.Background()

	next, err := f.ledger.ChangeSubscription(ctx, head.ID, ledger.SubscriptionChange{Amount: decimal.NewFromInt(1500)})
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	res, err := f.runner.ActivateChain(ctx, next.ID)
	if err != nil || res != ResultCharged {
		t.Fatalf("activate = %s, %v", res, err)
	}
	if len(f.charger.inits) != 1 || f.charger.inits[0].OrderID != next.ParentOrderID || len(f.charger.cards) != 0 {
		t.Fatalf("card init calls = %+v, direct = %+v", f.charger.inits, f.charger.cards)
	}
	got, _ := f.store.GetDonation(ctx, next.ID)
	if got.Status != domain.DonationCompleted || !got.RecurringActive || got.AnchorDate == nil || !got.AnchorDate.Equal(now) {
		t.Fatalf("new head = %+v", got)
	}
	if got.RecurringProfileID == nil || *got.RecurringProfileID != 7001 {
		t.Fatalf("profile id = %v", got.RecurringProfileID)
	}
	if !got.NextDueDate.Equal(now.AddDate(0, 1, 0)) {
		t.Fatalf("next due = %v", got.NextDueDate)
	}
}

func TestActivateChainKeepsExistingProfile(t *testing.T) {
	anchor := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	head := f.seedHead(t, anchor, anchor.AddDate(0, 1, 0), "tok123")
	profile := int64(42)
	head.RecurringProfileID = &profile
	ctx := context.Background()
	if err := f.store.UpdateDonation(ctx, head); err != nil {
		t.Fatalf("update: %v", err)
	}

	next, err := f.ledger.ChangeSubscription(ctx, head.ID, ledger.SubscriptionChange{Amount: decimal.NewFromInt(700)})
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	if res, err := f.runner.ActivateChain(ctx, next.ID); err != nil || res != ResultCharged {
		t.Fatalf("activate = %s, %v", res, err)
	}
	if len(f.charger.profiles) != 1 || f.charger.profiles[0].ProfileID != 42 || len(f.charger.inits) != 0 {
		t.Fatalf("profile charges = %+v, inits = %+v", f.charger.profiles, f.charger.inits)
	}
	if !f.charger.profiles[0].Amount.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("amount = %s", f.charger.profiles[0].Amount)
	}
}
