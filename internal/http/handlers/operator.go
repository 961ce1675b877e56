package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"donationsvc/internal/app"
	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/middleware"
	"donationsvc/internal/recurring"
	"donationsvc/internal/retry"
)

type operatorRequest struct {
	Note        string           `json:"note"`
	NextDueDate *time.Time       `json:"next_due_date"`
	Amount      *decimal.Decimal `json:"amount"`
	Kind        string           `json:"kind"`
	CardToken   string           `json:"card_token"`
	Reason      string           `json:"reason"`
	ExternalID  string           `json:"external_id"`
}

// decodeOptional reads an optional JSON body. An empty body is not an error.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func operatorNote(r *http.Request, note string) string {
	note = strings.TrimSpace(note)
	if op := middleware.OperatorFromContext(r.Context()); op != "" {
		if note == "" {
			return "by " + op
		}
		return fmt.Sprintf("%s (by %s)", note, op)
	}
	return note
}

func (a *App) GetDonation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := a.Store.GetDonation(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	txs, err := a.Store.ListTransactions(r.Context(), d.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(txs))
	for _, t := range txs {
		items = append(items, transactionView(t))
	}
	view := donationView(d)
	view["transactions"] = items
	a.json(w, http.StatusOK, view)
}

// SubscriptionAction serves cancel, pause, resume and close.
func (a *App) SubscriptionAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req operatorRequest
		if err := decodeOptional(r, &req); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		id := chi.URLParam(r, "id")
		note := operatorNote(r, req.Note)

		var (
			d   *domain.Donation
			err error
		)
		switch action {
		case "cancel":
			d, err = a.Ledger.Cancel(r.Context(), id, note)
		case "pause":
			d, err = a.Ledger.Pause(r.Context(), id, note)
		case "resume":
			d, err = a.Ledger.Resume(r.Context(), id, req.NextDueDate, note)
		case "close":
			d, err = a.Ledger.Close(r.Context(), id, note)
		default:
			a.error(w, http.StatusNotFound, "not_found", "unknown action")
			return
		}
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.Logger.Info().Str("donation_id", id).Str("action", action).Str("operator", middleware.OperatorFromContext(r.Context())).Msg("operator: subscription updated")
		a.json(w, http.StatusOK, donationView(d))
	}
}

// ChangeSubscription replaces the terms of a subscription and charges the new
// chain straight away when a stored instrument is available.
func (a *App) ChangeSubscription(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeOptional(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	change := ledger.SubscriptionChange{
		Kind:      domain.DonationKind(strings.TrimSpace(req.Kind)),
		CardToken: strings.TrimSpace(req.CardToken),
		Reason:    operatorNote(r, req.Reason),
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
	if req.Amount != nil {
		if !req.Amount.IsPositive() {
			a.error(w, http.StatusBadRequest, "bad_request", "amount must be positive")
			return
		}
		change.Amount = *req.Amount
	}
	head, err := a.Ledger.ChangeSubscription(r.Context(), chi.URLParam(r, "id"), change)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	activation := recurring.ResultMissingInstrument
	if head.HasBillingInstrument() {
		activation, err = a.Billing.ActivateChain(retry.WithInteractive(r.Context()), head.ID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("donation_id", head.ID).Msg("operator: first charge of changed subscription failed")
		}
		if reloaded, getErr := a.Store.GetDonation(r.Context(), head.ID); getErr == nil {
			head = reloaded
		}
	}
	view := donationView(head)
	view["activation"] = activation
	a.json(w, http.StatusOK, view)
}

// Refund revokes a successful payment at the gateway and records the
// reversal.
func (a *App) Refund(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeOptional(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	refund, err := app.RefundPayment(r.Context(), a.Ledger, a.Payments, chi.URLParam(r, "orderID"), req.Amount, operatorNote(r, req.Reason))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, transactionView(*refund))
}

// Chargeback records an issuer chargeback reported out of band.
func (a *App) Chargeback(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeOptional(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	cb, err := a.Ledger.RecordChargeback(r.Context(), ledger.ReversalRequest{
		TransactionID: chi.URLParam(r, "orderID"),
		Amount:        req.Amount,
		Reason:        operatorNote(r, req.Reason),
		ExternalID:    strings.TrimSpace(req.ExternalID),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, transactionView(*cb))
}

// Sweep runs one billing pass synchronously.
func (a *App) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := a.Billing.Sweep(context.WithoutCancel(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	errs := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		errs = append(errs, e.Error())
	}
	a.json(w, http.StatusOK, map[string]any{
		"claimed": report.Claimed,
		"results": report.Results,
		"errors":  errs,
	})
}

func donationView(d *domain.Donation) map[string]any {
	return map[string]any{
		"id":                  d.ID,
		"code":                d.Code,
		"amount":              d.Amount.StringFixed(2),
		"currency":            d.Currency,
		"kind":                d.Kind,
		"status":              d.Status,
		"subscription_status": d.SubscriptionStatus,
		"recurring_active":    d.RecurringActive,
		"next_due_date":       d.NextDueDate,
		"parent_donation_id":  d.ParentDonationID,
		"card":                domain.MaskToken(d.CardToken),
		"created_at":          d.CreatedAt,
	}
}

func transactionView(t domain.Transaction) map[string]any {
	return map[string]any{
		"transaction_id": t.TransactionID,
		"donation_id":    t.DonationID,
		"external_id":    t.ExternalID,
		"kind":           t.Kind,
		"status":         t.Status,
		"amount":         t.Amount.StringFixed(2),
		"currency":       t.Currency,
		"error_code":     t.ErrorCode,
		"error_message":  t.ErrorMessage,
		"processed_at":   t.ProcessedAt,
	}
}
