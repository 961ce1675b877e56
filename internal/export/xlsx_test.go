package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"donationsvc/internal/domain"
)

func TestWriteDonations(t *testing.T) {
	next := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	campaign := "winter"
	donations := []domain.Donation{
		{
			Code:               "AAAA000001",
			CreatedAt:          time.Date(2025, 12, 14, 9, 0, 0, 0, time.UTC),
			DonorName:          "Aibek Asanov",
			DonorEmail:         "aibek@example.org",
			Amount:             decimal.RequireFromString("1000.50"),
			Currency:           "KGS",
			Kind:               domain.KindMonthly,
			Status:             domain.DonationCompleted,
			IsRecurring:        true,
			SubscriptionStatus: domain.SubscriptionActive,
			NextDueDate:        &next,
			ParentOrderID:      "DON_AAAA000001_1",
			CampaignID:         &campaign,
		},
		{Code: "BBBB000002", Amount: decimal.NewFromInt(20), Currency: "USD", Kind: domain.KindOneTime, Status: domain.DonationPending},
	}

	var buf bytes.Buffer
	if err := WriteDonations(&buf, donations, time.UTC); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][0] != "Code" || rows[0][len(Header)-1] != "Campaign" {
		t.Fatalf("header = %v", rows[0])
	}
	first := rows[1]
	if first[0] != "AAAA000001" || first[1] != "2025-12-14 09:00:00" || first[5] != "1000.5" || first[9] != "yes" || first[11] != "2026-01-14" || first[13] != "winter" {
		t.Fatalf("row = %v", first)
	}
	if rows[2][0] != "BBBB000002" || rows[2][9] != "no" {
		t.Fatalf("row = %v", rows[2])
	}
}
