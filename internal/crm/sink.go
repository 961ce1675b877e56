package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink is the external CRM.
type Sink interface {
	UpsertContact(ctx context.Context, c Contact) (string, error)
	CreateOpportunity(ctx context.Context, contactID string, o Opportunity) (string, error)
	UpdateStage(ctx context.Context, opportunityID, stage, closeDate string) error
}

// ErrMissingToken indicates that the sink was configured without credentials.
var ErrMissingToken = errors.New("crm: api token is required")

// SinkError is a non-2xx reply from the CRM. Server-side and throttling
// replies are temporary.
type SinkError struct {
	Op      string
	Status  int
	Message string
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("crm: %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Temporary reports whether the call may succeed if repeated.
func (e *SinkError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type transportError struct{ err error }

func (e *transportError) Error() string   { return "crm: " + e.err.Error() }
func (e *transportError) Unwrap() error   { return e.err }
func (e *transportError) Temporary() bool { return true }

// Options configures an HTTPSink.
type Options struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zerolog.Logger
}

// HTTPSink talks to the CRM's REST API with a bearer token.
type HTTPSink struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPSink builds a sink.
func NewHTTPSink(opts Options) (*HTTPSink, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("crm: base url is required")
	}
	token := strings.TrimSpace(opts.APIToken)
	if token == "" {
		return nil, ErrMissingToken
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &HTTPSink{baseURL: baseURL, token: token, httpClient: httpClient, logger: logger}, nil
}

type idResponse struct {
	ID      string `json:"id"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UpsertContact creates or updates a contact keyed by email.
func (s *HTTPSink) UpsertContact(ctx context.Context, c Contact) (string, error) {
	var out idResponse
	if err := s.do(ctx, "upsert contact", http.MethodPut, "/contacts", c, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &SinkError{Op: "upsert contact", Status: http.StatusOK, Message: "empty id"}
	}
	return out.ID, nil
}

// CreateOpportunity records a donation for a contact.
func (s *HTTPSink) CreateOpportunity(ctx context.Context, contactID string, o Opportunity) (string, error) {
	payload := struct {
		ContactID string `json:"contact_id"`
		Opportunity
	}{ContactID: contactID, Opportunity: o}
	var out idResponse
	if err := s.do(ctx, "create opportunity", http.MethodPost, "/opportunities", payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &SinkError{Op: "create opportunity", Status: http.StatusOK, Message: "empty id"}
	}
	return out.ID, nil
}

// UpdateStage moves an existing opportunity. closeDate may be empty.
func (s *HTTPSink) UpdateStage(ctx context.Context, opportunityID, stage, closeDate string) error {
	payload := map[string]string{"stage": stage}
	if closeDate != "" {
		payload["close_date"] = closeDate
	}
	return s.do(ctx, "update stage", http.MethodPatch, "/opportunities/"+url.PathEscape(opportunityID), payload, nil)
}

func (s *HTTPSink) do(ctx context.Context, op, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("crm: encode %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("crm: build %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &transportError{err: fmt.Errorf("%s: %w", op, err)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: fmt.Errorf("%s: read response: %w", op, err)}
	}
	if resp.StatusCode >= 300 {
		var detail idResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &detail) == nil && detail.Error != "" {
			msg = detail.Error
		}
		return &SinkError{Op: op, Status: resp.StatusCode, Message: msg}
	}
	s.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("crm: call ok")
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("crm: decode %s: %w", op, err)
	}
	return nil
}

// LogSink stands in for the CRM when none is configured. It logs every call
// and hands out synthetic ids.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) UpsertContact(_ context.Context, c Contact) (string, error) {
	id := "local-contact-" + uuid.NewString()
	s.Logger.Info().Str("contact_id", id).Str("source", c.Source).Msg("crm: contact (not configured)")
	return id, nil
}

func (s LogSink) CreateOpportunity(_ context.Context, contactID string, o Opportunity) (string, error) {
	id := "local-opportunity-" + uuid.NewString()
	s.Logger.Info().Str("opportunity_id", id).Str("order_id", o.OrderID).Str("stage", o.Stage).Msg("crm: opportunity (not configured)")
	return id, nil
}

func (s LogSink) UpdateStage(_ context.Context, opportunityID, stage, _ string) error {
	s.Logger.Info().Str("opportunity_id", opportunityID).Str("stage", stage).Msg("crm: stage update (not configured)")
	return nil
}
