package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"donationsvc/internal/adapter/memory"
	"donationsvc/internal/domain"
	"donationsvc/internal/providers/gateway"
	"donationsvc/internal/retry"
)

func slowPayments(t *testing.T, handler http.HandlerFunc, budget time.Duration) *Payments {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := gateway.NewClient(gateway.Options{
		MerchantID:  "545",
		SecretKey:   "secret",
		BaseURL:     srv.URL,
		AltBaseURLs: []string{},
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	policy := retry.DefaultPolicy()
	policy.TransientInitial = time.Minute
	policy.TransientMaxTries = 3
	policy.InteractiveInitial = 10 * time.Millisecond
	policy.InteractiveBudget = budget
	return NewPayments(client, retry.NewCoordinator(memory.NewTaskQueue(), nil, policy, nil, nil))
}

func TestDonorCallsDoNotWaitForTransientBackoff(t *testing.T) {
	p := slowPayments(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 5*time.Second)

	calls := map[string]func(ctx context.Context) error{
		"checkout": func(ctx context.Context) error {
			_, err := p.CreatePayment(ctx, gateway.PaymentRequest{OrderID: "ord-1", Amount: decimal.NewFromInt(500)})
			return err
		},
		"any amount": func(ctx context.Context) error {
			_, err := p.CreateAnyAmountPayment(ctx, gateway.PaymentRequest{OrderID: "ord-2", Amount: decimal.NewFromInt(500)})
			return err
		},
		"status": func(ctx context.Context) error {
			_, err := p.CheckStatus(ctx, "ord-1")
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			err := call(context.Background())
			if !errors.Is(err, domain.ErrGatewayUnreachable) {
				t.Fatalf("err = %v, want unreachable", err)
			}
			if elapsed := time.Since(start); elapsed > 3*time.Second {
				t.Fatalf("donor call took %v", elapsed)
			}
		})
	}
}

func TestDonorCallsStopAtInteractiveBudget(t *testing.T) {
	p := slowPayments(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 100*time.Millisecond)

	start := time.Now()
	_, err := p.CreatePayment(context.Background(), gateway.PaymentRequest{OrderID: "ord-1", Amount: decimal.NewFromInt(500)})
	if err == nil {
		t.Fatal("expected an error from a hung gateway")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("checkout took %v, budget is 100ms", elapsed)
	}
}

func TestOperatorContextSwitchesChargesToInteractive(t *testing.T) {
	p := slowPayments(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 5*time.Second)

	start := time.Now()
	_, err := p.ChargeStoredCard(retry.WithInteractive(context.Background()), gateway.CardCharge{
		OrderID: "REC_ABC_1",
		Token:   "tok",
		Amount:  decimal.NewFromInt(500),
	})
	if !errors.Is(err, domain.ErrGatewayUnreachable) {
		t.Fatalf("err = %v, want unreachable", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("operator charge took %v", elapsed)
	}
}

func TestRefundIsSentOnce(t *testing.T) {
	var hits atomic.Int32
	p := slowPayments(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 5*time.Second)
	amount := decimal.NewFromInt(200)

	if _, err := p.client.Refund(context.Background(), "pay-1", &amount); !errors.Is(err, domain.ErrGatewayUnreachable) {
		t.Fatalf("direct refund err = %v, want unreachable", err)
	}
	single := hits.Swap(0)

	_, err := p.Refund(context.Background(), "pay-1", &amount)
	if !errors.Is(err, domain.ErrGatewayUnreachable) {
		t.Fatalf("err = %v, want unreachable", err)
	}
	if got := hits.Load(); got != single {
		t.Fatalf("gateway requests = %d, want %d from a single attempt", got, single)
	}
}
