// Package models defines data structures for the harvester.
package models

import (
	"fmt"
	"iter"
	"time"
)

// DateLayout is the canonical textual form of a Date, used for folder
// names and ledger keys.
const DateLayout = "02-01-2006"

// Date is a calendar day without a time component.
type Date struct {
	t time.Time
}

// NewDate returns the calendar day y-m-d. Out-of-range values normalise the
// way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// ParseDate parses the canonical DD-MM-YYYY form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// String returns the canonical DD-MM-YYYY form.
func (d Date) String() string {
	return d.t.Format(DateLayout)
}

// Format formats the day with a time layout.
func (d Date) Format(layout string) string {
	return d.t.Format(layout)
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return d.t
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d.t.IsZero()
}

// AddDays returns the day n days after d.
func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// Before reports whether d is an earlier day than o.
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

// After reports whether d is a later day than o.
func (d Date) After(o Date) bool { return d.t.After(o.t) }

// Equal reports whether d and o are the same day.
func (d Date) Equal(o Date) bool { return d.t.Equal(o.t) }

// Compare returns -1, 0 or +1 depending on whether d is before, equal to or
// after o.
func (d Date) Compare(o Date) int {
	return d.t.Compare(o.t)
}

// DateRange is an inclusive span of calendar days with Start <= End.
type DateRange struct {
	start Date
	end   Date
}

// NewDateRange builds a range; it fails when end is before start.
func NewDateRange(start, end Date) (DateRange, error) {
	if start.IsZero() || end.IsZero() {
		return DateRange{}, fmt.Errorf("date range bounds are required")
	}
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	return DateRange{start: start, end: end}, nil
}

// YearRange returns 1 January through 31 December of year.
func YearRange(year int) DateRange {
	return DateRange{start: NewDate(year, time.January, 1), end: NewDate(year, time.December, 31)}
}

// Start returns the first day of the range.
func (r DateRange) Start() Date { return r.start }

// End returns the last day of the range, inclusive.
func (r DateRange) End() Date { return r.end }

// Len returns the number of days in the range.
func (r DateRange) Len() int {
	if r.start.IsZero() {
		return 0
	}
	return int(r.end.t.Sub(r.start.t).Hours()/24) + 1
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.start) && !d.After(r.end)
}

// All yields every day of the range in ascending order.
func (r DateRange) All() iter.Seq[Date] {
	return func(yield func(Date) bool) {
		if r.start.IsZero() {
			return
		}
		for d := r.start; !d.After(r.end); d = d.AddDays(1) {
			if !yield(d) {
				return
			}
		}
	}
}

func (r DateRange) String() string {
	return r.start.String() + ".." + r.end.String()
}
