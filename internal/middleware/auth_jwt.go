package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// RoleOperator is the only role allowed on operator endpoints.
const RoleOperator = "operator"

// TokenClaims is the HS256 payload issued to operators.
type TokenClaims struct {
	Sub    string `json:"sub"`
	Role   string `json:"role"`
	Exp    int64  `json:"exp"`
	Issuer string `json:"iss"`
}

type operatorKey struct{}

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("invalid token signature")
	ErrTokenExpired   = errors.New("token expired")
)

var jwtHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// SignJWT issues an HS256 token. payctl token uses it to mint operator
// credentials.
func SignJWT(secret string, claims TokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signed := jwtHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signed + "." + base64.RawURLEncoding.EncodeToString(mac(secret, signed)), nil
}

func mac(secret, signed string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signed))
	return h.Sum(nil)
}

// VerifyJWT checks an HS256 token. Only alg HS256 is accepted and tokens
// must carry sub and exp.
func VerifyJWT(secret, token string, now time.Time) (*TokenClaims, error) {
	head, rest, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrMalformedToken
	}
	body, sig, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(sig, ".") {
		return nil, ErrMalformedToken
	}

	var header struct {
		Alg string `json:"alg"`
	}
	raw, err := base64.RawURLEncoding.DecodeString(head)
	if err != nil || json.Unmarshal(raw, &header) != nil || header.Alg != "HS256" {
		return nil, ErrMalformedToken
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, mac(secret, head+"."+body)) {
		return nil, ErrBadSignature
	}

	raw, err = base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrMalformedToken
	}
	var claims TokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil || claims.Sub == "" || claims.Exp == 0 {
		return nil, ErrMalformedToken
	}
	if now.Unix() >= claims.Exp {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// RequireOperator rejects requests without a valid bearer token carrying the
// operator role. The operator's subject is stored in the request context.
func RequireOperator(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := VerifyJWT(secret, strings.TrimSpace(token), time.Now())
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if claims.Role != RoleOperator {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), operatorKey{}, claims.Sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated operator's subject.
func OperatorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(operatorKey{}).(string); ok {
		return v
	}
	return ""
}
