package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"donationsvc/internal/adapter/memory"
	"donationsvc/internal/app"
	"donationsvc/internal/domain"
	"donationsvc/internal/export"
	"donationsvc/internal/infra"
	"donationsvc/internal/ledger"
	"donationsvc/internal/middleware"
)

func testServices(t *testing.T, now time.Time) *app.Services {
	t.Helper()
	cfg := &infra.Config{
		GatewayMerchantID:      "545",
		GatewaySecretKey:       "cli-secret",
		GatewayBaseURL:         "http://127.0.0.1:1",
		GatewayAltBaseURLs:     []string{},
		BillingLocation:        time.UTC,
		RecurringRetryMax:      2,
		RecurringRetryDelay:    72 * time.Hour,
		TransientRetryBase:     time.Millisecond,
		TransientRetryMaxTries: 1,
	}
	s, err := app.Assemble(cfg, zerolog.Nop(), memory.NewStore(), memory.NewTaskQueue(), app.Deps{
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return s
}

func paidMonthly(t *testing.T, s *app.Services, now time.Time) *domain.Donation {
	t.Helper()
	ctx := context.Background()
	d := &domain.Donation{Amount: decimal.NewFromInt(300), Currency: "KGS", Kind: domain.KindMonthly, DonorName: "Ada Lovelace"}
	if err := s.Ledger.OpenDonation(ctx, d); err != nil {
		t.Fatalf("open: %v", err)
	}
	orderID := ledger.InitialOrderID(d.Code, now)
	if _, err := s.Ledger.RecordOutboundAttempt(ctx, d, orderID, d.Amount, d.Currency, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.Ledger.ApplyOutcome(ctx, orderID, ledger.PaymentResult{Outcome: ledger.OutcomeSuccess, PaidAt: now, CardToken: "tok_1111"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	return d
}

func run(env Environment, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	env.Stdout = &stdout
	env.Stderr = &stderr
	code := Run(env, args)
	return code, stdout.String(), stderr.String()
}

func TestNextDateClampsWithoutDrift(t *testing.T) {
	code, out, errOut := run(Environment{}, "next-date", "2026-01-31T10:00:00Z", "--tz", "UTC", "--count", "3")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	want := "2026-02-28T10:00:00Z\n2026-03-31T10:00:00Z\n2026-04-30T10:00:00Z\n"
	if out != want {
		t.Fatalf("unexpected dates:\n%s\nwant:\n%s", out, want)
	}
}

func TestNextDateRejectsOneTime(t *testing.T) {
	if code, _, _ := run(Environment{}, "next-date", "2026-01-31", "--kind", "one_time"); code == 0 {
		t.Fatalf("expected non-zero exit for one_time")
	}
}

func TestPauseAndResume(t *testing.T) {
	now := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	s := testServices(t, now)
	d := paidMonthly(t, s, now)
	env := Environment{Connect: func(context.Context) (*app.Services, error) { return s, nil }}

	code, out, errOut := run(env, "pause", d.ID, "--note", "donor on holiday")
	if code != 0 || !strings.Contains(out, "subscription=paused") {
		t.Fatalf("pause: exit %d out=%q err=%q", code, out, errOut)
	}
	code, out, errOut = run(env, "resume", d.ID, "--next-due", "2026-03-05")
	if code != 0 || !strings.Contains(out, "next_due=2026-03-05T00:00:00Z") {
		t.Fatalf("resume: exit %d out=%q err=%q", code, out, errOut)
	}
}

func TestCommandErrorsExitNonZero(t *testing.T) {
	now := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	s := testServices(t, now)
	env := Environment{Connect: func(context.Context) (*app.Services, error) { return s, nil }}

	code, _, errOut := run(env, "cancel", "missing-id")
	if code != 1 || !strings.Contains(errOut, "not found") {
		t.Fatalf("expected not found error, got %d %q", code, errOut)
	}
	if code, _, _ := run(env, "refund", "DON_X_1", "--amount", "abc"); code != 1 {
		t.Fatalf("expected amount parse failure, got %d", code)
	}
	if code, _, _ := run(Environment{}, "sweep"); code != 1 {
		t.Fatalf("expected failure without connection, got %d", code)
	}
}

func TestExportWritesWorkbook(t *testing.T) {
	now := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	s := testServices(t, now)
	paidMonthly(t, s, now)
	paidMonthly(t, s, now)
	env := Environment{Connect: func(context.Context) (*app.Services, error) { return s, nil }}

	path := filepath.Join(t.TempDir(), "out.xlsx")
	code, _, errOut := run(env, "export", "-o", path, "--status", "completed")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(export.SheetName)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and two rows, got %d", len(rows))
	}
}

func TestTokenIsAcceptedByOperatorAuth(t *testing.T) {
	now := time.Now()
	env := Environment{OperatorSecret: "ops-secret", Now: func() time.Time { return now }}
	code, out, errOut := run(env, "token", "alice", "--ttl", "1h")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	claims, err := middleware.VerifyJWT("ops-secret", strings.TrimSpace(out), now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Sub != "alice" || claims.Role != middleware.RoleOperator {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if code, _, _ := run(Environment{}, "token", "alice"); code != 1 {
		t.Fatalf("expected failure without a secret, got %d", code)
	}
}
