package gateway

import "testing"

func TestSignMatchesKnownDigest(t *testing.T) {
	fields := map[string]string{
		"pg_order_id":    "DON_1",
		"pg_amount":      "1000",
		"pg_merchant_id": "123",
		"pg_salt":        "abc",
		"pg_empty":       "",
		"pg_sig":         "ignored",
	}
	got := Sign(fields, "secret", ScriptInitPayment)
	if got != "006fea4a3d7e8ee5694948c8c73cc172" {
		t.Fatalf("Sign() = %s", got)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		script string
	}{
		{name: "callback", fields: map[string]string{"pg_order_id": "DON_1", "pg_result": "1"}, script: ScriptResult},
		{name: "empty values skipped", fields: map[string]string{"pg_order_id": "DON_1", "pg_card_token": ""}, script: ScriptCardDirect},
		{name: "unicode description", fields: map[string]string{"pg_description": "Пожертвование", "pg_amount": "50"}, script: ScriptInitPayment},
		{name: "no fields", fields: map[string]string{}, script: ScriptStatus},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sig := Sign(tc.fields, "s3cret", tc.script)
			if !Verify(tc.fields, sig, "s3cret", tc.script) {
				t.Fatalf("Verify() = false for freshly signed fields")
			}
			for k := range tc.fields {
				tampered := copyFields(tc.fields)
				tampered[k] = tampered[k] + "x"
				if Verify(tampered, sig, "s3cret", tc.script) {
					t.Fatalf("Verify() accepted tampered field %s", k)
				}
			}
			if Verify(tc.fields, sig, "other", tc.script) {
				t.Fatalf("Verify() accepted wrong secret")
			}
			if Verify(tc.fields, sig, "s3cret", "other.php") {
				t.Fatalf("Verify() accepted wrong script name")
			}
		})
	}
}

func TestVerifyCallbackDigest(t *testing.T) {
	fields := map[string]string{"pg_order_id": "DON_1", "pg_result": "1"}
	if !Verify(fields, "BFF185699AA846209871D4470013DD0F", "secret", ScriptResult) {
		t.Fatalf("expected upper-case signature to verify")
	}
	if Verify(fields, "", "secret", ScriptResult) {
		t.Fatalf("empty signature must not verify")
	}
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
