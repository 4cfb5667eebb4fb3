// Package timecalc provides the pure time arithmetic behind schedule
// generation: calendar-aware advancement in a subject's timezone, local
// midnight truncation, and period-to-duration conversion.
package timecalc

import (
	"time"

	"studyline/internal/domain"
)

// fallbackHorizon is applied when a rule carries an unrecognized unit:
// advancing far into the future instead of failing keeps one malformed rule
// from aborting a bulk regeneration.
const fallbackHorizonYears = 2

const (
	millisPerMinute = 60 * 1000
	millisPerHour   = 60 * millisPerMinute
	millisPerDay    = 24 * millisPerHour
)

// Advance moves an instant forward by amount units, computed on the calendar
// of the given timezone so that day-and-larger steps track local wall-clock
// time across DST transitions.
func Advance(t time.Time, unit domain.TimeUnit, amount int64, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	n := int(amount)
	switch unit {
	case domain.UnitMinute:
		return local.Add(time.Duration(amount) * time.Minute)
	case domain.UnitHour:
		return local.Add(time.Duration(amount) * time.Hour)
	case domain.UnitDay:
		return local.AddDate(0, 0, n)
	case domain.UnitWeek:
		return local.AddDate(0, 0, 7*n)
	case domain.UnitMonth:
		return local.AddDate(0, n, 0)
	case domain.UnitYear:
		return local.AddDate(n, 0, 0)
	default:
		return local.AddDate(fallbackHorizonYears, 0, 0)
	}
}

// TruncateToMidnight returns the start of the instant's day in the given
// timezone.
func TruncateToMidnight(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// PeriodToMillis converts a (unit, amount) period into milliseconds using
// fixed approximations: week=7d, month=31d, year=365d. This is deliberately
// calendar-inexact; callers depend on these exact values.
func PeriodToMillis(unit domain.TimeUnit, amount int64) int64 {
	switch unit {
	case domain.UnitMinute:
		return amount * millisPerMinute
	case domain.UnitHour:
		return amount * millisPerHour
	case domain.UnitDay:
		return amount * millisPerDay
	case domain.UnitWeek:
		return amount * 7 * millisPerDay
	case domain.UnitMonth:
		return amount * 31 * millisPerDay
	case domain.UnitYear:
		return amount * 365 * millisPerDay
	default:
		return 0
	}
}
