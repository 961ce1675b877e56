package infra

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestComponentLoggerTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("production", &buf)

	Component(logger, "sweep").Info().Str("donation_id", "d1").Msg("sweep: charged")
	logger.Debug().Msg("hidden")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single JSON entry, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "sweep" || entry["service"] != "donationsvc" || entry["donation_id"] != "d1" {
		t.Fatalf("unexpected entry %#v", entry)
	}
}
