package gateway

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// SignatureField is the request/response field that carries the signature.
const SignatureField = "pg_sig"

// Script names salt the signature of each gateway endpoint.
const (
	ScriptInitPayment      = "init_payment.php"
	ScriptAnyAmount        = "any_amount.php"
	ScriptStatus           = "get_status3.php"
	ScriptCardInit         = "card/init"
	ScriptCardDirect       = "card/direct"
	ScriptRecurringPayment = "make_recurring_payment"
	ScriptRevoke           = "revoke.php"
	ScriptResult           = "result"
)

// Sign computes the gateway signature: the script name, then every non-empty
// value in lexicographic key order (pg_sig excluded), then the secret, all
// joined with ";" and hashed with MD5.
func Sign(fields map[string]string, secret, scriptName string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == SignatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(scriptName)
	for _, k := range keys {
		if v := fields[k]; v != "" {
			b.WriteByte(';')
			b.WriteString(v)
		}
	}
	b.WriteByte(';')
	b.WriteString(secret)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the signature over fields and compares it with claimed
// in constant time.
func Verify(fields map[string]string, claimed, secret, scriptName string) bool {
	claimed = strings.ToLower(strings.TrimSpace(claimed))
	if claimed == "" {
		return false
	}
	expected := Sign(fields, secret, scriptName)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(claimed)) == 1
}
