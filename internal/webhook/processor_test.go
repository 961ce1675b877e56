package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"donationsvc/internal/adapter/memory"
	"donationsvc/internal/billing"
	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/providers/gateway"
)

const testSecret = "webhook-secret"

type harness struct {
	store     *memory.Store
	ledger    *ledger.Ledger
	processor *Processor
	notified  atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memory.NewStore()}
	now := time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC)
	h.ledger = ledger.New(h.store, billing.NewScheduler(time.UTC), ledger.Options{
		Clock: func() time.Time { return now },
		Listeners: []ledger.Listener{ledger.ListenerFunc(func(context.Context, ledger.Change) {
			h.notified.Add(1)
		})},
	})
	p, err := NewProcessor(h.ledger, Options{SecretKey: testSecret, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	h.processor = p
	return h
}

func (h *harness) open(t *testing.T, kind domain.DonationKind, campaignID *string) (*domain.Donation, string) {
	t.Helper()
	ctx := context.Background()
	d := &domain.Donation{Amount: decimal.NewFromInt(1000), Currency: "KGS", Kind: kind, CampaignID: campaignID}
	if err := h.ledger.OpenDonation(ctx, d); err != nil {
		t.Fatalf("open: %v", err)
	}
	orderID := ledger.InitialOrderID(d.Code, time.Now())
	if _, err := h.ledger.RecordOutboundAttempt(ctx, d, orderID, d.Amount, d.Currency, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	return d, orderID
}

func signed(fields map[string]string) map[string]string {
	fields["pg_salt"] = "salt-1"
	fields[gateway.SignatureField] = gateway.Sign(fields, testSecret, gateway.ScriptResult)
	return fields
}

func assertAck(t *testing.T, ack gateway.Ack, status string) {
	t.Helper()
	if ack.Status != status {
		t.Fatalf("ack status = %s (%s), want %s", ack.Status, ack.Description, status)
	}
	if !gateway.Verify(ack.Fields(), ack.Signature, testSecret, gateway.ScriptResult) {
		t.Fatalf("ack signature does not verify")
	}
}

func TestCallbackRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	d, orderID := h.open(t, domain.KindOneTime, nil)
	fields := signed(map[string]string{"pg_order_id": orderID, "pg_result": "1"})
	fields["pg_amount"] = "1"

	out := h.processor.HandleCallback(context.Background(), fields)
	assertAck(t, out.Ack, gateway.AckError)
	if !errors.Is(out.Err, domain.ErrSignatureInvalid) {
		t.Fatalf("err = %v", out.Err)
	}
	got, _ := h.store.GetDonation(context.Background(), d.ID)
	if got.Status != domain.DonationProcessing {
		t.Fatalf("status = %s, tampered callback was applied", got.Status)
	}
}

func TestCallbackUnknownOrder(t *testing.T) {
	h := newHarness(t)
	out := h.processor.HandleCallback(context.Background(), signed(map[string]string{"pg_order_id": "DON_X_1", "pg_result": "1"}))
	assertAck(t, out.Ack, gateway.AckError)
	if out.Ack.Description != DescOrderNotFound || !errors.Is(out.Err, domain.ErrUnknownOrder) {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCallbackSuccessStoresInstrument(t *testing.T) {
	h := newHarness(t)
	h.store.PutCampaign(domain.Campaign{ID: "camp"})
	campaign := "camp"
	d, orderID := h.open(t, domain.KindMonthly, &campaign)

	out := h.processor.HandleCallback(context.Background(), signed(map[string]string{
		"pg_order_id":             orderID,
		"pg_payment_id":           "88",
		"pg_result":               "1",
		"pg_payment_date":         "2025-12-14 09:00:00",
		"pg_card_token":           "tok123",
		"pg_recurring_profile_id": "555",
	}))
	assertAck(t, out.Ack, gateway.AckOK)
	if out.Err != nil || out.Result != ledger.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	got, _ := h.store.GetDonation(context.Background(), d.ID)
	want := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	if got.CardToken != "tok123" || got.RecurringProfileID == nil || *got.RecurringProfileID != 555 {
		t.Fatalf("instrument = %q %v", got.CardToken, got.RecurringProfileID)
	}
	if got.NextDueDate == nil || !got.NextDueDate.Equal(want) {
		t.Fatalf("next due = %v, want %v", got.NextDueDate, want)
	}
	tx, _ := h.store.GetTransaction(context.Background(), orderID)
	if tx.ExternalID != "88" || tx.GatewayResponse["pg_card_token"] != "tok123" {
		t.Fatalf("tx = %+v", tx)
	}
	if _, ok := tx.GatewayResponse[gateway.SignatureField]; ok {
		t.Fatalf("signature stored in raw response")
	}
	c, _ := h.store.GetCampaign(context.Background(), campaign)
	if !c.RaisedAmount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("raised = %s", c.RaisedAmount)
	}
}

func TestCallbackRedeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	h.store.PutCampaign(domain.Campaign{ID: "camp"})
	campaign := "camp"
	_, orderID := h.open(t, domain.KindOneTime, &campaign)
	fields := signed(map[string]string{"pg_order_id": orderID, "pg_result": "1"})

	first := h.processor.HandleCallback(context.Background(), fields)
	second := h.processor.HandleCallback(context.Background(), fields)
	assertAck(t, first.Ack, gateway.AckOK)
	assertAck(t, second.Ack, gateway.AckOK)
	if !first.Change.Changed || second.Change.Changed {
		t.Fatalf("changed flags = %v, %v", first.Change.Changed, second.Change.Changed)
	}
	if h.notified.Load() != 1 {
		t.Fatalf("notifications = %d, want 1", h.notified.Load())
	}
	c, _ := h.store.GetCampaign(context.Background(), campaign)
	if !c.RaisedAmount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("raised = %s", c.RaisedAmount)
	}
}

func TestConcurrentCallbacksNotifyOnce(t *testing.T) {
	h := newHarness(t)
	_, orderID := h.open(t, domain.KindOneTime, nil)
	fields := signed(map[string]string{"pg_order_id": orderID, "pg_result": "1"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[string]string, len(fields))
			for k, v := range fields {
				local[k] = v
			}
			if out := h.processor.HandleCallback(context.Background(), local); out.Ack.Status != gateway.AckOK {
				t.Errorf("ack = %+v", out.Ack)
			}
		}()
	}
	wg.Wait()
	if h.notified.Load() != 1 {
		t.Fatalf("notifications = %d, want 1", h.notified.Load())
	}
}

func TestCallbackConflictingOutcomeIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	d, orderID := h.open(t, domain.KindOneTime, nil)
	h.processor.HandleCallback(context.Background(), signed(map[string]string{"pg_order_id": orderID, "pg_result": "1"}))

	out := h.processor.HandleCallback(context.Background(), signed(map[string]string{"pg_order_id": orderID, "pg_result": "0"}))
	assertAck(t, out.Ack, gateway.AckOK)
	if !errors.Is(out.Err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v", out.Err)
	}
	got, _ := h.store.GetDonation(context.Background(), d.ID)
	if got.Status != domain.DonationCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCallbackFailureAndPending(t *testing.T) {
	h := newHarness(t)
	d, orderID := h.open(t, domain.KindMonthly, nil)

	out := h.processor.HandleCallback(context.Background(), signed(map[string]string{"pg_order_id": orderID, "pg_result": "2"}))
	if out.Result != ledger.OutcomePending {
		t.Fatalf("result = %s, want pending", out.Result)
	}
	out = h.processor.HandleCallback(context.Background(), signed(map[string]string{
		"pg_order_id":            orderID,
		"pg_result":              "0",
		"pg_failure_code":        "3",
		"pg_failure_description": "Card expired",
	}))
	assertAck(t, out.Ack, gateway.AckOK)
	tx, _ := h.store.GetTransaction(context.Background(), orderID)
	if tx.Status != domain.TxFailed || tx.ErrorCode != "3" || tx.ErrorMessage != "Card expired" {
		t.Fatalf("tx = %+v", tx)
	}
	got, _ := h.store.GetDonation(context.Background(), d.ID)
	if got.Status != domain.DonationFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestMapResult(t *testing.T) {
	tests := map[string]ledger.Outcome{
		"1":  ledger.OutcomeSuccess,
		"0":  ledger.OutcomeFailed,
		"":   ledger.OutcomePending,
		"2":  ledger.OutcomePending,
		" 1": ledger.OutcomeSuccess,
	}
	for in, want := range tests {
		if got := MapResult(in); got != want {
			t.Fatalf("MapResult(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestMapPaymentStatus(t *testing.T) {
	tests := map[string]ledger.Outcome{
		"success": ledger.OutcomeSuccess,
		"SUCCESS": ledger.OutcomeSuccess,
		"failed":  ledger.OutcomeFailed,
		"error":   ledger.OutcomeFailed,
		"pending": ledger.OutcomePending,
		"revoked": ledger.OutcomePending,
		"partial": ledger.OutcomePending,
		"":        ledger.OutcomePending,
	}
	for in, want := range tests {
		if got := MapPaymentStatus(in); got != want {
			t.Fatalf("MapPaymentStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewProcessorRequiresSecret(t *testing.T) {
	if _, err := NewProcessor(nil, Options{}); err == nil {
		t.Fatalf("expected error without secret")
	}
}
