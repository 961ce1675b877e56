package gateway

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

// PaymentRequest describes a donor-facing checkout.
type PaymentRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Description string
	UserIP      string
	Phone       string
	Email       string
	Language    string
	ReturnURL   string
	Recurring   bool
}

// CardCharge charges a stored card token without donor interaction.
type CardCharge struct {
	OrderID     string
	Token       string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Phone       string
	Email       string
}

// ProfileCharge charges a gateway-managed recurring profile.
type ProfileCharge struct {
	OrderID     string
	ProfileID   int64
	Amount      decimal.Decimal
	Description string
}

// CreatePayment starts a hosted checkout and returns the redirect URL in the
// result.
func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest) (Result, error) {
	fields, err := c.paymentFields(req)
	if err != nil {
		return Result{}, err
	}
	fields["pg_language"] = MatchLanguage(req.Language)
	fields["pg_lifetime"] = strconv.Itoa(int(c.lifetime.Seconds()))
	fields["pg_request_method"] = "POST"
	fields["pg_success_url_method"] = "GET"
	fields["pg_failure_url_method"] = "GET"
	setIfPresent(fields, "pg_user_phone", req.Phone)
	setIfPresent(fields, "pg_user_contact_email", req.Email)
	if req.Recurring {
		fields["pg_recurring_start"] = "1"
		fields["pg_recurring_lifetime"] = strconv.Itoa(c.recurringLifetime)
	}
	return c.call(ctx, endpointInitPayment, fields)
}

// CreateAnyAmountPayment starts a checkout where the donor may edit the amount.
func (c *Client) CreateAnyAmountPayment(ctx context.Context, req PaymentRequest) (Result, error) {
	fields, err := c.paymentFields(req)
	if err != nil {
		return Result{}, err
	}
	return c.call(ctx, endpointAnyAmount, fields)
}

// CheckStatus asks the gateway for the current state of an order.
func (c *Client) CheckStatus(ctx context.Context, orderID string) (Result, error) {
	if strings.TrimSpace(orderID) == "" {
		return Result{}, errors.New("gateway: order id required")
	}
	return c.call(ctx, endpointStatus, map[string]string{"pg_order_id": orderID})
}

// Refund revokes a payment, partially when amount is set.
func (c *Client) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (Result, error) {
	if strings.TrimSpace(paymentID) == "" {
		return Result{}, errors.New("gateway: payment id required")
	}
	fields := map[string]string{"pg_payment_id": paymentID}
	if amount != nil {
		if !amount.IsPositive() {
			return Result{}, errors.New("gateway: refund amount must be positive")
		}
		fields["pg_refund_amount"] = FormatAmount(*amount)
	}
	return c.call(ctx, endpointRevoke, fields)
}

// ChargeStoredCard charges a saved card token directly.
func (c *Client) ChargeStoredCard(ctx context.Context, charge CardCharge) (Result, error) {
	if strings.TrimSpace(charge.Token) == "" {
		return Result{}, errors.New("gateway: card token required")
	}
	if !charge.Amount.IsPositive() {
		return Result{}, errors.New("gateway: amount must be positive")
	}
	fields := map[string]string{
		"pg_order_id":           charge.OrderID,
		"pg_amount":             FormatAmount(charge.Amount),
		"pg_currency":           c.currencyOr(charge.Currency),
		"pg_description":        charge.Description,
		"pg_card_token":         charge.Token,
		"pg_result_url":         c.resultURL,
		"pg_request_method":     "POST",
		"pg_testing_mode":       c.testingMode(),
		"pg_user_phone":         charge.Phone,
		"pg_user_contact_email": charge.Email,
	}
	return c.call(ctx, endpointCardDirect, fields)
}

// ChargeRecurringProfile charges through a gateway-managed recurring profile.
func (c *Client) ChargeRecurringProfile(ctx context.Context, charge ProfileCharge) (Result, error) {
	if charge.ProfileID <= 0 {
		return Result{}, errors.New("gateway: recurring profile id required")
	}
	if !charge.Amount.IsPositive() {
		return Result{}, errors.New("gateway: amount must be positive")
	}
	fields := map[string]string{
		"pg_order_id":          charge.OrderID,
		"pg_recurring_profile": strconv.FormatInt(charge.ProfileID, 10),
		"pg_amount":            FormatAmount(charge.Amount),
		"pg_description":       charge.Description,
		"pg_result_url":        c.resultURL,
		"pg_request_method":    "POST",
		"pg_testing_mode":      c.testingMode(),
	}
	return c.call(ctx, endpointRecurring, fields)
}

// InitCardForRecurring links a card token to a new recurring profile. The
// result may carry pg_recurring_profile_id and a refreshed pg_card_token.
func (c *Client) InitCardForRecurring(ctx context.Context, charge CardCharge) (Result, error) {
	if strings.TrimSpace(charge.Token) == "" {
		return Result{}, errors.New("gateway: card token required")
	}
	fields := map[string]string{
		"pg_order_id":           charge.OrderID,
		"pg_amount":             FormatAmount(charge.Amount),
		"pg_currency":           c.currencyOr(charge.Currency),
		"pg_description":        charge.Description,
		"pg_card_token":         charge.Token,
		"pg_result_url":         c.resultURL,
		"pg_success_url":        c.returnURL,
		"pg_failure_url":        c.returnURL,
		"pg_request_method":     "POST",
		"pg_success_url_method": "GET",
		"pg_failure_url_method": "GET",
		"pg_recurring_start":    "1",
		"pg_recurring_lifetime": strconv.Itoa(c.recurringLifetime),
		"pg_testing_mode":       c.testingMode(),
	}
	setIfPresent(fields, "pg_user_phone", charge.Phone)
	setIfPresent(fields, "pg_user_contact_email", charge.Email)
	return c.call(ctx, endpointCardInit, fields)
}

func (c *Client) paymentFields(req PaymentRequest) (map[string]string, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, errors.New("gateway: order id required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.New("gateway: amount must be positive")
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = c.returnURL
	}
	return map[string]string{
		"pg_order_id":     req.OrderID,
		"pg_amount":       FormatAmount(req.Amount),
		"pg_currency":     c.currencyOr(req.Currency),
		"pg_description":  req.Description,
		"pg_success_url":  returnURL,
		"pg_failure_url":  returnURL,
		"pg_result_url":   c.resultURL,
		"pg_user_ip":      req.UserIP,
		"pg_testing_mode": c.testingMode(),
	}, nil
}

func (c *Client) testingMode() string {
	if c.testMode {
		return "1"
	}
	return "0"
}

func (c *Client) currencyOr(currency string) string {
	if v := strings.ToUpper(strings.TrimSpace(currency)); v != "" {
		return v
	}
	return c.currency
}

func setIfPresent(fields map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		fields[key] = v
	}
}

// FormatAmount renders an amount the way the gateway expects it: no
// trailing zeros, at most two decimals.
func FormatAmount(amount decimal.Decimal) string {
	return amount.Round(2).String()
}

var languageMatcher = language.NewMatcher([]language.Tag{
	language.Russian,
	language.Kirghiz,
	language.English,
})

// MatchLanguage maps an Accept-Language style preference onto one of the
// checkout languages the gateway supports. Russian is the default.
func MatchLanguage(preference string) string {
	if strings.TrimSpace(preference) == "" {
		return "ru"
	}
	tags, _, err := language.ParseAcceptLanguage(preference)
	if err != nil || len(tags) == 0 {
		return "ru"
	}
	_, idx, conf := languageMatcher.Match(tags...)
	if conf == language.No {
		return "ru"
	}
	switch idx {
	case 1:
		return "ky"
	case 2:
		return "en"
	default:
		return "ru"
	}
}
