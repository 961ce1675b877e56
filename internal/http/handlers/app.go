package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"donationsvc/internal/app"
	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/providers/gateway"
	"donationsvc/internal/recurring"
	"donationsvc/internal/webhook"
)

// Payments is the part of the gateway the HTTP layer calls directly.
type Payments interface {
	CreatePayment(ctx context.Context, req gateway.PaymentRequest) (gateway.Result, error)
	CreateAnyAmountPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.Result, error)
	CheckStatus(ctx context.Context, orderID string) (gateway.Result, error)
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (gateway.Result, error)
}

// Callbacks processes gateway result callbacks.
type Callbacks interface {
	HandleCallback(ctx context.Context, fields map[string]string) webhook.Outcome
}

// Billing runs recurring charges on demand.
type Billing interface {
	Sweep(ctx context.Context) (recurring.SweepReport, error)
	ActivateChain(ctx context.Context, headID string) (recurring.Result, error)
}

type App struct {
	Ledger   *ledger.Ledger
	Store    domain.Repository
	Payments Payments
	Webhook  Callbacks
	Billing  Billing
	Ping     func(ctx context.Context) error
	Currency string
	Logger   zerolog.Logger
	Now      func() time.Time
}

func NewApp(s *app.Services) *App {
	return &App{
		Ledger:   s.Ledger,
		Store:    s.Store,
		Payments: s.Payments,
		Webhook:  s.Webhook,
		Billing:  s.Runner,
		Ping:     s.Ping,
		Currency: s.Config.GatewayCurrency,
		Logger:   s.Logger,
		Now:      time.Now,
	}
}

func (a *App) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, msg string) {
	a.json(w, code, map[string]any{"error": map[string]string{"code": kind, "message": msg}})
}
