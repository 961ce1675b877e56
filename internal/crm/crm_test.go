package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"donationsvc/internal/adapter/memory"
	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/retry"
)

func TestStageFor(t *testing.T) {
	tests := []struct {
		status     domain.DonationStatus
		subsequent bool
		want       string
	}{
		{domain.DonationPending, false, StageProspecting},
		{domain.DonationProcessing, false, StageQualification},
		{domain.DonationCompleted, true, StageClosedWon},
		{domain.DonationFailed, false, StageClosedLost},
		{domain.DonationFailed, true, StageMissed},
		{domain.DonationCancelled, true, StageClosedLost},
		{domain.DonationRefunded, false, StageProspecting},
	}
	for _, tt := range tests {
		if got := StageFor(tt.status, tt.subsequent); got != tt.want {
			t.Fatalf("StageFor(%s, %v) = %q, want %q", tt.status, tt.subsequent, got, tt.want)
		}
	}
}

func TestTypeFor(t *testing.T) {
	tests := map[domain.DonationKind]string{
		domain.KindOneTime:   "One-time Donation",
		domain.KindMonthly:   "Monthly Recurring",
		domain.KindQuarterly: "Quarterly Recurring",
		domain.KindYearly:    "Annual Recurring",
	}
	for kind, want := range tests {
		if got := TypeFor(kind); got != want {
			t.Fatalf("TypeFor(%s) = %q, want %q", kind, got, want)
		}
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct{ in, first, last string }{
		{"", "", "Unknown"},
		{"Aibek", "Aibek", "Unknown"},
		{"  Aibek   Asanov Uulu ", "Aibek", "Asanov Uulu"},
	}
	for _, tt := range tests {
		first, last := SplitName(tt.in)
		if first != tt.first || last != tt.last {
			t.Fatalf("SplitName(%q) = %q %q", tt.in, first, last)
		}
	}
}

func TestHTTPSink(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/contacts":
			var c Contact
			if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.LastName == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"id":"C-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/opportunities":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["contact_id"] != "C-1" || body["stage"] != StageClosedWon {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"id":"O-1","success":true}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/opportunities/O-1":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"maintenance"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	sink, err := NewHTTPSink(Options{BaseURL: ts.URL + "/", APIToken: "token-1"})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	contactID, err := sink.UpsertContact(ctx, Contact{FirstName: "A", LastName: "B"})
	if err != nil || contactID != "C-1" {
		t.Fatalf("contact = %q, %v", contactID, err)
	}
	oppID, err := sink.CreateOpportunity(ctx, contactID, Opportunity{Name: "x", Stage: StageClosedWon, Amount: decimal.NewFromInt(5)})
	if err != nil || oppID != "O-1" {
		t.Fatalf("opportunity = %q, %v", oppID, err)
	}
	err = sink.UpdateStage(ctx, oppID, StageMissed, "")
	var sinkErr *SinkError
	if !errors.As(err, &sinkErr) || !sinkErr.Temporary() || sinkErr.Message != "maintenance" {
		t.Fatalf("update stage err = %v", err)
	}
	if !retry.Retryable(err) {
		t.Fatalf("5xx must be retryable")
	}
	if len(calls) != 3 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestNewHTTPSinkRequiresCredentials(t *testing.T) {
	if _, err := NewHTTPSink(Options{BaseURL: "http://crm"}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewHTTPSink(Options{APIToken: "t"}); err == nil {
		t.Fatalf("expected error without base url")
	}
}

type fakeSink struct {
	mu            sync.Mutex
	contacts      []Contact
	opportunities []Opportunity
	stages        []string
	failures      int
	fail          error
}

func (f *fakeSink) next() error {
	if f.failures > 0 {
		f.failures--
		return f.fail
	}
	return nil
}

func (f *fakeSink) UpsertContact(_ context.Context, c Contact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return "", err
	}
	f.contacts = append(f.contacts, c)
	return "C-1", nil
}

func (f *fakeSink) CreateOpportunity(_ context.Context, _ string, o Opportunity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opportunities = append(f.opportunities, o)
	return "O-1", nil
}

func (f *fakeSink) UpdateStage(_ context.Context, _, stage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return err
	}
	f.stages = append(f.stages, stage)
	return nil
}

func fastRetry(tries uint) *retry.Coordinator {
	p := retry.DefaultPolicy()
	p.TransientInitial = time.Millisecond
	p.TransientMax = time.Millisecond
	p.TransientMaxTries = tries
	return retry.NewCoordinator(memory.NewTaskQueue(), nil, p, nil, nil)
}

func seedDonation(t *testing.T, store *memory.Store) *domain.Donation {
	t.Helper()
	campaign := "camp-1"
	store.PutCampaign(domain.Campaign{ID: campaign, CRMID: "SF-CAMP"})
	d := &domain.Donation{
		Code:          "CODE000001",
		Amount:        decimal.NewFromInt(1000),
		Currency:      "KGS",
		Kind:          domain.KindMonthly,
		Status:        domain.DonationCompleted,
		IsRecurring:   true,
		DonorName:     "Aibek Asanov",
		DonorEmail:    "aibek@example.org",
		CampaignID:    &campaign,
		ParentOrderID: "DON_CODE000001_1",
		CreatedAt:     time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()
	if err := store.CreateDonation(ctx, d); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.CreateTransaction(ctx, &domain.Transaction{DonationID: d.ID, TransactionID: "DON_CODE000001_1", Kind: domain.TxKindPayment, Status: domain.TxSuccess, Amount: d.Amount}); err != nil {
		t.Fatalf("seed tx: %v", err)
	}
	return d
}

func TestSyncerCreatesThenUpdates(t *testing.T) {
	store := memory.NewStore()
	d := seedDonation(t, store)
	sink := &fakeSink{}
	s := NewSyncer(store, sink, fastRetry(3), nil, nil)
	ctx := context.Background()

	if err := s.Sync(ctx, d.ID); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(sink.contacts) != 1 || sink.contacts[0].FirstName != "Aibek" || sink.contacts[0].LastName != "Asanov" {
		t.Fatalf("contacts = %+v", sink.contacts)
	}
	opp := sink.opportunities[0]
	if opp.OrderID != "DON_CODE000001_1" || opp.Stage != StageClosedWon || opp.Type != "Monthly Recurring" || opp.CampaignID != "SF-CAMP" {
		t.Fatalf("opportunity = %+v", opp)
	}
	got, _ := store.GetDonation(ctx, d.ID)
	if got.CRMID != "O-1" || !got.CRMSynced || got.CRMSyncError != "" {
		t.Fatalf("crm state = %q %v %q", got.CRMID, got.CRMSynced, got.CRMSyncError)
	}

	if err := s.Sync(ctx, d.ID); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(sink.opportunities) != 1 || len(sink.stages) != 1 || sink.stages[0] != StageClosedWon {
		t.Fatalf("second sync created instead of updating: %+v", sink)
	}
}

func TestSyncerRetriesAndRecordsError(t *testing.T) {
	store := memory.NewStore()
	d := seedDonation(t, store)
	ctx := context.Background()

	flaky := &fakeSink{failures: 2, fail: &SinkError{Op: "upsert contact", Status: 502}}
	if err := NewSyncer(store, flaky, fastRetry(3), nil, nil).Sync(ctx, d.ID); err != nil {
		t.Fatalf("sync with transient failures: %v", err)
	}

	other := seedDonationWithCode(t, store, "CODE000002")
	down := &fakeSink{failures: 10, fail: &SinkError{Op: "upsert contact", Status: 503, Message: "down"}}
	err := NewSyncer(store, down, fastRetry(3), nil, nil).Sync(ctx, other.ID)
	if err == nil {
		t.Fatalf("expected error when crm stays down")
	}
	if down.failures != 7 {
		t.Fatalf("attempts = %d, want 3", 10-down.failures)
	}
	got, _ := store.GetDonation(ctx, other.ID)
	if got.CRMSynced || !strings.Contains(got.CRMSyncError, "down") {
		t.Fatalf("sync error not stored: %+v", got)
	}

	rejected := seedDonationWithCode(t, store, "CODE000003")
	bad := &fakeSink{failures: 10, fail: &SinkError{Op: "upsert contact", Status: 400}}
	_ = NewSyncer(store, bad, fastRetry(3), nil, nil).Sync(ctx, rejected.ID)
	if bad.failures != 9 {
		t.Fatalf("4xx retried %d times", 10-bad.failures)
	}
}

func seedDonationWithCode(t *testing.T, store *memory.Store, code string) *domain.Donation {
	t.Helper()
	d := &domain.Donation{Code: code, Amount: decimal.NewFromInt(10), Currency: "KGS", Kind: domain.KindOneTime, Status: domain.DonationFailed}
	if err := store.CreateDonation(context.Background(), d); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return d
}

func TestListenerDispatchesRelevantChanges(t *testing.T) {
	tasks := memory.NewTaskQueue()
	listener := Listener(TaskDispatcher{Tasks: tasks}, zerolog.Nop())
	ctx := context.Background()

	d := domain.Donation{ID: "d-1", Status: domain.DonationCompleted}
	listener.DonationChanged(ctx, ledger.Change{Donation: d, PreviousStatus: domain.DonationProcessing, Changed: true})
	listener.DonationChanged(ctx, ledger.Change{Donation: d, PreviousStatus: domain.DonationCompleted, Changed: true})
	listener.DonationChanged(ctx, ledger.Change{Donation: domain.Donation{ID: "d-2", Status: domain.DonationProcessing}, PreviousStatus: domain.DonationPending, Changed: true})

	queued, _ := tasks.ClaimDue(ctx, time.Now().Add(time.Second), 10)
	if len(queued) != 1 || queued[0].RefID != "d-1" || queued[0].Kind != domain.TaskCRMSync {
		t.Fatalf("queued = %+v", queued)
	}
}

type stubSQS struct {
	mu       sync.Mutex
	sent     []string
	inbox    []types.Message
	deleted  []string
	received int
}

func (s *stubSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func (s *stubSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	if in.WaitTimeSeconds != 20 {
		return nil, errors.New("expected long polling")
	}
	msgs := s.inbox
	s.inbox = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (s *stubSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSDispatchAndConsume(t *testing.T) {
	client := &stubSQS{}
	ctx := context.Background()
	if err := (SQSDispatcher{Client: client, QueueURL: "https://sqs/q"}).Dispatch(ctx, "d-9"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(client.sent) != 1 || !strings.Contains(client.sent[0], `"donation_id":"d-9"`) {
		t.Fatalf("sent = %v", client.sent)
	}

	client.inbox = []types.Message{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("r1"), Body: aws.String(client.sent[0])},
		{MessageId: aws.String("2"), ReceiptHandle: aws.String("r2"), Body: aws.String("not json")},
	}
	var handled []string
	consumer := &Consumer{
		Client:   client,
		QueueURL: "https://sqs/q",
		Handle: func(_ context.Context, id string) error {
			handled = append(handled, id)
			return errors.New("crm down")
		},
		Logger: zerolog.Nop(),
	}
	n, err := consumer.PollOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	if len(handled) != 1 || handled[0] != "d-9" {
		t.Fatalf("handled = %v", handled)
	}
	if len(client.deleted) != 2 {
		t.Fatalf("deleted = %v", client.deleted)
	}
}
