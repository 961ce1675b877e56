package gateway

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

// Result is a gateway reply normalized to flat pg_* fields regardless of
// the wire format it arrived in.
type Result struct {
	Fields map[string]string
	Format string
}

func (r Result) Get(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

func (r Result) Status() string { return strings.ToLower(strings.TrimSpace(r.Get("pg_status"))) }

// OK reports whether the gateway accepted the call.
func (r Result) OK() bool { return r.Status() == "ok" }

func (r Result) PaymentID() string   { return r.Get("pg_payment_id") }
func (r Result) RedirectURL() string { return r.Get("pg_redirect_url") }
func (r Result) CardToken() string   { return r.Get("pg_card_token") }

func (r Result) ErrorCode() string { return r.Get("pg_error_code") }

func (r Result) ErrorDescription() string {
	if v := r.Get("pg_error_description"); v != "" {
		return v
	}
	return r.Get("pg_description")
}

// RecurringProfileID returns the profile id when the gateway reported one.
func (r Result) RecurringProfileID() *int64 {
	return ParseProfileID(r.Get("pg_recurring_profile_id"), r.Get("pg_recurring_profile"))
}

// PaymentStatus is the charge state reported by the status endpoint.
func (r Result) PaymentStatus() string {
	if v := r.Get("pg_payment_status"); v != "" {
		return strings.ToLower(v)
	}
	return r.Status()
}

// ParseProfileID returns the first candidate that parses as a positive integer.
func ParseProfileID(candidates ...string) *int64 {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if v, err := cast.ToInt64E(c); err == nil && v > 0 {
			return &v
		}
	}
	return nil
}

type responseFormat struct {
	name  string
	parse func(body []byte) (map[string]string, bool)
}

// responseFormats is tried in order; the first parser that recognizes the
// body wins.
var responseFormats = []responseFormat{
	{name: "xml", parse: parseXMLFields},
	{name: "html", parse: parseHTMLInputs},
	{name: "json", parse: parseJSONFields},
	{name: "form", parse: parseFormText},
}

var errUnparseable = errors.New("gateway: unable to parse response")

// ParseResponse normalizes an XML, HTML, JSON or pg_x=y reply.
func ParseResponse(body []byte) (Result, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Result{}, errUnparseable
	}
	for _, f := range responseFormats {
		if fields, ok := f.parse(trimmed); ok {
			return Result{Fields: fields, Format: f.name}, nil
		}
	}
	return Result{}, errUnparseable
}

// parseXMLFields reads the direct children of the root element. Documents
// without any pg_* child are not gateway replies.
func parseXMLFields(body []byte) (map[string]string, bool) {
	if body[0] != '<' {
		return nil, false
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	fields := make(map[string]string)
	depth := 0
	var current string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				current = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 && current != "" {
				fields[current] = strings.TrimSpace(text.String())
				current = ""
			}
			depth--
		}
	}
	if !hasGatewayKey(fields) {
		return nil, false
	}
	return fields, true
}

var (
	inputNameFirst  = regexp.MustCompile(`<input[^>]*name="(pg_\w+)"[^>]*value="([^"]*)"`)
	inputValueFirst = regexp.MustCompile(`<input[^>]*value="([^"]*)"[^>]*name="(pg_\w+)"`)
	formPair        = regexp.MustCompile(`(pg_\w+)=([^\s&"<]+)`)
)

func parseHTMLInputs(body []byte) (map[string]string, bool) {
	fields := make(map[string]string)
	for _, m := range inputNameFirst.FindAllSubmatch(body, -1) {
		fields[string(m[1])] = html.UnescapeString(string(m[2]))
	}
	for _, m := range inputValueFirst.FindAllSubmatch(body, -1) {
		if _, seen := fields[string(m[2])]; !seen {
			fields[string(m[2])] = html.UnescapeString(string(m[1]))
		}
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

func parseJSONFields(body []byte) (map[string]string, bool) {
	if body[0] != '{' {
		return nil, false
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			continue
		}
		fields[k] = s
	}
	if !hasGatewayKey(fields) {
		return nil, false
	}
	return fields, true
}

func parseFormText(body []byte) (map[string]string, bool) {
	fields := make(map[string]string)
	for _, m := range formPair.FindAllSubmatch(body, -1) {
		value := string(m[2])
		if unescaped, err := url.QueryUnescape(value); err == nil {
			value = unescaped
		}
		fields[string(m[1])] = value
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

func hasGatewayKey(fields map[string]string) bool {
	for k := range fields {
		if strings.HasPrefix(k, "pg_") {
			return true
		}
	}
	return false
}
