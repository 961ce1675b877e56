// Package export writes donation reports as XLSX spreadsheets.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"donationsvc/internal/domain"
)

// SheetName is the worksheet holding the donation rows.
const SheetName = "Donations"

// Header lists the exported columns in order.
var Header = []string{
	"Code", "Created", "Donor", "Email", "Phone", "Amount", "Currency",
	"Kind", "Status", "Recurring", "Subscription", "Next due", "Parent order", "Campaign",
}

// WriteDonations streams donations into a single-sheet workbook. Times are
// rendered in loc.
func WriteDonations(w io.Writer, donations []domain.Donation, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("export: rename sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("export: stream writer: %w", err)
	}
	header := make([]any, len(Header))
	for i, h := range Header {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("export: header: %w", err)
	}
	for i, d := range donations {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row(d, loc)); err != nil {
			return fmt.Errorf("export: row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("export: flush: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: write: %w", err)
	}
	return nil
}

func row(d domain.Donation, loc *time.Location) []any {
	amount, _ := d.Amount.Round(2).Float64()
	recurring := "no"
	if d.IsRecurring {
		recurring = "yes"
	}
	nextDue := ""
	if d.NextDueDate != nil {
		nextDue = d.NextDueDate.In(loc).Format(time.DateOnly)
	}
	campaign := ""
	if d.CampaignID != nil {
		campaign = *d.CampaignID
	}
	return []any{
		d.Code,
		d.CreatedAt.In(loc).Format(time.DateTime),
		d.DonorName,
		d.DonorEmail,
		d.DonorPhone,
		amount,
		d.Currency,
		string(d.Kind),
		string(d.Status),
		recurring,
		string(d.SubscriptionStatus),
		nextDue,
		d.ParentOrderID,
		campaign,
	}
}
