// Package billing computes subscription charge dates. Every date is derived
// from the anchor (the first successful charge) so that month-end clamping
// never drifts the schedule.
package billing

import (
	"time"

	"donationsvc/internal/domain"
)

// Scheduler computes next due dates in a fixed billing location.
type Scheduler struct {
	loc *time.Location
}

// NewScheduler returns a scheduler that reads calendar fields in loc.
// A nil loc means UTC.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{loc: loc}
}

// PeriodMonths returns the billing period in months for recurring kinds.
func PeriodMonths(kind domain.DonationKind) (int, bool) {
	switch kind {
	case domain.KindMonthly:
		return 1, true
	case domain.KindQuarterly:
		return 3, true
	case domain.KindYearly:
		return 12, true
	default:
		return 0, false
	}
}

// NextDueDate returns the charge date following current. With no current due
// date the result is one period after the anchor. Otherwise the whole periods
// between anchor and current are counted by calendar month and one more
// period is added to the anchor. A current date back-dated to the anchor's
// month or earlier still counts as the first period. The day of month is the
// anchor's, clamped to the last day of shorter months, and the anchor's time
// of day is kept. One-time donations have no next date.
func (s *Scheduler) NextDueDate(anchor time.Time, current *time.Time, kind domain.DonationKind) (time.Time, bool) {
	months, ok := PeriodMonths(kind)
	if !ok {
		return time.Time{}, false
	}
	a := anchor.In(s.loc)
	periods := 0
	if current != nil {
		c := current.In(s.loc)
		diff := (c.Year()-a.Year())*12 + int(c.Month()) - int(a.Month())
		periods = floorDiv(diff, months)
		if periods < 1 {
			periods = 1
		}
	}
	return s.AddPeriods(a, months*(periods+1)), true
}

// FirstDueAfter returns the earliest period boundary of the anchor's
// schedule that falls strictly after t.
func (s *Scheduler) FirstDueAfter(anchor, t time.Time, kind domain.DonationKind) (time.Time, bool) {
	months, ok := PeriodMonths(kind)
	if !ok {
		return time.Time{}, false
	}
	a := anchor.In(s.loc)
	c := t.In(s.loc)
	n := floorDiv((c.Year()-a.Year())*12+int(c.Month())-int(a.Month()), months)
	if n < 1 {
		n = 1
	}
	for {
		due := s.AddPeriods(a, months*n)
		if due.After(t) {
			return due, true
		}
		n++
	}
}

// AddPeriods adds n months to anchor keeping its day of month where it
// exists and clamping to the month's last day otherwise.
func (s *Scheduler) AddPeriods(anchor time.Time, n int) time.Time {
	a := anchor.In(s.loc)
	first := time.Date(a.Year(), a.Month()+time.Month(n), 1, a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), s.loc)
	day := a.Day()
	if last := daysIn(first.Year(), first.Month(), s.loc); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), s.loc)
}

// Location is the billing time zone.
func (s *Scheduler) Location() *time.Location { return s.loc }

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
