package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Encoding is a request body content-encoding accepted by the gateway.
type Encoding string

const (
	EncodingForm      Encoding = "form"
	EncodingJSON      Encoding = "json"
	EncodingMultipart Encoding = "multipart"
)

const (
	defaultBaseURL    = "https://api.freedompay.kg"
	defaultAltBaseURL = "https://api.freedompay.kz"
	defaultTimeout    = 30 * time.Second
	maxResponseBytes  = 1 << 20
	userAgent         = "donationsvc-gateway/1.0"
)

// Options configures a Client. MerchantID and SecretKey are required.
type Options struct {
	MerchantID              string
	SecretKey               string
	BaseURL                 string
	AltBaseURLs             []string
	TestMode                bool
	ResultURL               string
	ReturnURL               string
	Currency                string
	Lifetime                time.Duration
	RecurringLifetimeMonths int
	Timeout                 time.Duration
	Encodings               []Encoding
	HTTPClient              *http.Client
	Logger                  *zerolog.Logger
	NewSalt                 func() string
}

// Client talks to the card-payment gateway. Every call is signed with the
// endpoint's script name and tried across hosts, paths and encodings until
// one answers HTTP 200.
type Client struct {
	merchantID        string
	secret            string
	hosts             []string
	testMode          bool
	resultURL         string
	returnURL         string
	currency          string
	lifetime          time.Duration
	recurringLifetime int
	timeout           time.Duration
	encodings         []Encoding
	httpClient        *http.Client
	logger            zerolog.Logger
	newSalt           func() string
}

type endpoint struct {
	script string
	paths  []string
}

var (
	endpointInitPayment = endpoint{script: ScriptInitPayment, paths: []string{"/init_payment.php", "/init_payment", "/payment/init"}}
	endpointAnyAmount   = endpoint{script: ScriptAnyAmount, paths: []string{"/any_amount.php"}}
	endpointStatus      = endpoint{script: ScriptStatus, paths: []string{"/get_status3.php"}}
	endpointCardInit    = endpoint{script: ScriptCardInit, paths: []string{"/card/init"}}
	endpointCardDirect  = endpoint{script: ScriptCardDirect, paths: []string{"/card/direct"}}
	endpointRecurring   = endpoint{script: ScriptRecurringPayment, paths: []string{"/make_recurring_payment"}}
	endpointRevoke      = endpoint{script: ScriptRevoke, paths: []string{"/revoke.php", "/payment/refund"}}
)

// NewClient validates opts and applies defaults.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.MerchantID) == "" || strings.TrimSpace(opts.SecretKey) == "" {
		return nil, errors.New("gateway: merchant id and secret key are required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	hosts := []string{base}
	alts := opts.AltBaseURLs
	if alts == nil {
		alts = []string{defaultAltBaseURL}
	}
	for _, alt := range alts {
		alt = strings.TrimRight(strings.TrimSpace(alt), "/")
		if alt != "" && alt != base {
			hosts = append(hosts, alt)
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	encodings := opts.Encodings
	if len(encodings) == 0 {
		encodings = []Encoding{EncodingForm, EncodingJSON, EncodingMultipart}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	newSalt := opts.NewSalt
	if newSalt == nil {
		newSalt = uuid.NewString
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = "KGS"
	}
	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	recurringLifetime := opts.RecurringLifetimeMonths
	if recurringLifetime <= 0 {
		recurringLifetime = 12
	}
	return &Client{
		merchantID:        strings.TrimSpace(opts.MerchantID),
		secret:            opts.SecretKey,
		hosts:             hosts,
		testMode:          opts.TestMode,
		resultURL:         opts.ResultURL,
		returnURL:         opts.ReturnURL,
		currency:          currency,
		lifetime:          lifetime,
		recurringLifetime: recurringLifetime,
		timeout:           timeout,
		encodings:         encodings,
		httpClient:        httpClient,
		logger:            logger,
		newSalt:           newSalt,
	}, nil
}

// Secret exposes the signing key to collaborators that verify callbacks.
func (c *Client) Secret() string { return c.secret }

// call signs fields for ep and sends them. The first HTTP 200 decides the
// outcome; transport errors and other status codes move on to the next
// combination.
func (c *Client) call(ctx context.Context, ep endpoint, fields map[string]string) (Result, error) {
	fields["pg_merchant_id"] = c.merchantID
	fields["pg_salt"] = c.newSalt()
	delete(fields, SignatureField)
	fields[SignatureField] = Sign(fields, c.secret, ep.script)

	var last error
	attempts := 0
	for _, host := range c.hosts {
		for _, path := range ep.paths {
			for _, enc := range c.encodings {
				attempts++
				target := host + path
				body, err := c.send(ctx, target, enc, fields)
				if err != nil {
					last = err
					c.logger.Warn().Err(err).Str("script", ep.script).Str("url", target).Str("encoding", string(enc)).Msg("gateway: attempt failed")
					if ctx.Err() != nil {
						return Result{}, &UnreachableError{Script: ep.script, Attempts: attempts, Last: ctx.Err()}
					}
					continue
				}
				res, err := ParseResponse(body)
				if err != nil {
					c.logger.Error().Str("script", ep.script).Str("url", target).Msg("gateway: unparseable response")
					return Result{}, &RejectedError{Script: ep.script, Code: "unparseable_response", Description: err.Error()}
				}
				c.logger.Debug().Str("script", ep.script).Str("url", target).Str("format", res.Format).Str("status", res.Status()).Msg("gateway: response")
				if !res.OK() {
					return res, &RejectedError{
						Script:      ep.script,
						Code:        res.ErrorCode(),
						Description: res.ErrorDescription(),
						Fields:      res.Fields,
					}
				}
				return res, nil
			}
		}
	}
	return Result{}, &UnreachableError{Script: ep.script, Attempts: attempts, Last: last}
}

func (c *Client) send(ctx context.Context, target string, enc Encoding, fields map[string]string) ([]byte, error) {
	body, contentType, err := encodeFields(enc, fields)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/xml,text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway: %s via %s: http %d", target, enc, resp.StatusCode)
	}
	return payload, nil
}

func encodeFields(enc Encoding, fields map[string]string) ([]byte, string, error) {
	switch enc {
	case EncodingForm:
		values := url.Values{}
		for k, v := range fields {
			values.Set(k, v)
		}
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	case EncodingJSON:
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, "", err
		}
		return raw, "application/json", nil
	case EncodingMultipart:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := w.WriteField(k, fields[k]); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), w.FormDataContentType(), nil
	default:
		return nil, "", fmt.Errorf("gateway: unsupported encoding %q", enc)
	}
}
