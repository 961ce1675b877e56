package handlers

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"donationsvc/internal/app"
	"donationsvc/internal/domain"
	"donationsvc/internal/ledger"
	"donationsvc/internal/middleware"
	"donationsvc/internal/providers/gateway"
)

const maxCallbackBody = 1 << 20

// PaymentResult receives the gateway's result callback. The gateway only
// understands the signed XML acknowledgement, so the HTTP status is always
// 200 and failures are reported inside the document.
func (a *App) PaymentResult(w http.ResponseWriter, r *http.Request) {
	fields, err := callbackFields(w, r)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("payment result: unreadable body")
	}
	out := a.Webhook.HandleCallback(r.Context(), fields)
	body, err := out.Ack.Marshal()
	if err != nil {
		a.Logger.Error().Err(err).Str("order_id", out.OrderID).Msg("payment result: encode ack")
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// callbackFields flattens a form, multipart or JSON callback into pg_* fields.
// Query parameters are merged in; body values win.
func callbackFields(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	fields := map[string]string{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)

	var err error
	switch mediaType {
	case "application/json":
		for k, vs := range r.URL.Query() {
			fields[k] = vs[0]
		}
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err = dec.Decode(&raw); err != nil {
			return fields, fmt.Errorf("decode json callback: %w", err)
		}
		for k, v := range raw {
			fields[k] = cast.ToString(v)
		}
		return fields, nil
	case "multipart/form-data":
		err = r.ParseMultipartForm(maxCallbackBody)
	default:
		err = r.ParseForm()
	}
	for k, vs := range r.Form {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}
	return fields, err
}

type checkoutRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Kind        string          `json:"kind"`
	AnyAmount   bool            `json:"any_amount"`
	Description string          `json:"description"`
	DonorName   string          `json:"donor_name"`
	DonorEmail  string          `json:"donor_email"`
	DonorPhone  string          `json:"donor_phone"`
	CampaignID  string          `json:"campaign_id"`
	ReturnURL   string          `json:"return_url"`
}

// DonationsCreate opens a donation and starts the hosted checkout. The donor
// is redirected to redirect_url; the outcome arrives on the result callback.
func (a *App) DonationsCreate(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	kind := domain.DonationKind(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = domain.KindOneTime
	}
	if !kind.Valid() {
		a.error(w, http.StatusBadRequest, "bad_request", "unknown donation kind")
		return
	}
	if !req.Amount.IsPositive() {
		a.error(w, http.StatusBadRequest, "bad_request", "amount must be positive")
		return
	}
	if req.AnyAmount && kind.Recurring() {
		a.error(w, http.StatusBadRequest, "bad_request", "any-amount checkout cannot be recurring")
		return
	}
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = a.Currency
	}

	ctx := r.Context()
	now := a.now()
	d := &domain.Donation{
		Code:          domain.NewDonationCode(),
		Amount:        req.Amount,
		Currency:      currency,
		Kind:          kind,
		PaymentMethod: "card",
		DonorName:     strings.TrimSpace(req.DonorName),
		DonorEmail:    strings.TrimSpace(req.DonorEmail),
		DonorPhone:    strings.TrimSpace(req.DonorPhone),
		Country:       middleware.CountryFromContext(ctx),
		Language:      middleware.LocaleFromContext(ctx),
	}
	if id := strings.TrimSpace(req.CampaignID); id != "" {
		d.CampaignID = &id
	}
	orderID := ledger.InitialOrderID(d.Code, now)
	if kind.Recurring() {
		d.ParentOrderID = orderID
	}
	if err := a.Ledger.OpenDonation(ctx, d); err != nil {
		a.fail(w, r, err)
		return
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Donation " + d.Code
	}
	payReq := gateway.PaymentRequest{
		OrderID:     orderID,
		Amount:      d.Amount,
		Currency:    d.Currency,
		Description: description,
		UserIP:      middleware.ClientIP(r),
		Phone:       d.DonorPhone,
		Email:       d.DonorEmail,
		Language:    d.Language,
		ReturnURL:   strings.TrimSpace(req.ReturnURL),
		Recurring:   kind.Recurring(),
	}
	var (
		res     gateway.Result
		callErr error
	)
	if req.AnyAmount {
		res, callErr = a.Payments.CreateAnyAmountPayment(ctx, payReq)
	} else {
		res, callErr = a.Payments.CreatePayment(ctx, payReq)
	}

	if _, err := a.Ledger.RecordOutboundAttempt(ctx, d, orderID, d.Amount, d.Currency, res.Fields); err != nil {
		a.fail(w, r, err)
		return
	}
	log := a.Logger.With().Str("donation_id", d.ID).Str("order_id", orderID).Logger()
	if callErr != nil {
		log.Warn().Err(callErr).Msg("checkout: gateway refused payment")
		if _, err := a.Ledger.ApplyOutcome(ctx, orderID, ledger.PaymentResult{
			Outcome:      ledger.OutcomeFailed,
			PaidAt:       now,
			ErrorCode:    gateway.ErrorCode(callErr),
			ErrorMessage: callErr.Error(),
			Raw:          res.Fields,
		}); err != nil {
			log.Error().Err(err).Msg("checkout: record failure")
		}
		a.fail(w, r, callErr)
		return
	}
	log.Info().Str("kind", string(kind)).Msg("checkout: payment initiated")

	a.json(w, http.StatusCreated, map[string]any{
		"donation_id":  d.ID,
		"code":         d.Code,
		"order_id":     orderID,
		"payment_id":   res.PaymentID(),
		"redirect_url": res.RedirectURL(),
		"status":       d.Status,
	})
}

// PaymentStatus polls the gateway for an order and applies a final answer the
// callback has not delivered yet.
func (a *App) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	tx, res, err := app.SyncStatus(r.Context(), a.Ledger, a.Payments, chi.URLParam(r, "orderID"), a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	gatewayStatus := res.Get("pg_payment_status")

	a.json(w, http.StatusOK, map[string]any{
		"order_id":       tx.TransactionID,
		"donation_id":    tx.DonationID,
		"status":         tx.Status,
		"gateway_status": gatewayStatus,
		"amount":         tx.Amount.StringFixed(2),
		"currency":       tx.Currency,
	})
}
