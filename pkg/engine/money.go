package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	twelve       = decimal.NewFromInt(12)
	one          = decimal.NewFromInt(1)
	closingLimit = decimal.NewFromFloat(0.01)
)

// Money rounds to cents, half away from zero. Every monetary value the engine
// produces passes through here right after it is computed.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// CalendarDate drops the clock part of t, keeping its own year, month and day.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date builds a calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// AddMonths moves t forward by n months, clamping to the last day of the
// target month (Jan 31 + 1 month is Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	t = CalendarDate(t)
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from a to b, negative when b is
// earlier.
func DaysBetween(a, b time.Time) int {
	return int(CalendarDate(b).Sub(CalendarDate(a)).Hours() / 24)
}
