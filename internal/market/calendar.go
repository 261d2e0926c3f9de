// Package market provides the exchange calendar: trading days, the daily
// trading window and open/close instants, all in the exchange's timezone.
package market

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// maxLookaheadDays bounds NextOpen's search. A calendar that cannot find a
// trading day within this many days is misconfigured; the caller must treat
// ErrNoTradingDay as fatal rather than spin forever.
const maxLookaheadDays = 30

// ErrNoTradingDay is returned when no trading day exists within the lookahead
// bound. This is a configuration error, not a transient condition.
var ErrNoTradingDay = errors.New("no trading day found within lookahead bound")

// Calendar answers market-hours questions for a single exchange.
// The trading window is a fixed daily [open, close] interval in the
// exchange's local timezone; both boundary instants count as open.
type Calendar struct {
	loc         *time.Location
	openHour    int
	openMinute  int
	closeHour   int
	closeMinute int

	// holidayFn reports whether a date (midnight, exchange zone) is a
	// holiday. Overridable in tests.
	holidayFn func(t time.Time) bool

	log zerolog.Logger
}

// NewCalendar creates a calendar for NYSE/NASDAQ core hours (09:30-16:00 ET).
func NewCalendar(log zerolog.Logger) (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}

	c := &Calendar{
		loc:         loc,
		openHour:    9,
		openMinute:  30,
		closeHour:   16,
		closeMinute: 0,
		log:         log.With().Str("component", "market_calendar").Logger(),
	}
	c.holidayFn = c.isHoliday
	return c, nil
}

// Location returns the exchange timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsOpen reports whether the market is open at instant t.
// Inputs in other zones are normalized to the exchange zone first.
func (c *Calendar) IsOpen(t time.Time) bool {
	t = t.In(c.loc)

	if !c.IsTradingDay(t) {
		return false
	}

	// Second-granularity comparison so that one second past close is closed
	// while the exact boundary instants are open.
	cur := t.Hour()*3600 + t.Minute()*60 + t.Second()
	open := c.openHour*3600 + c.openMinute*60
	closeS := c.closeHour*3600 + c.closeMinute*60

	return cur >= open && cur <= closeS
}

// IsTradingDay reports whether the date of t (exchange zone) is a trading day
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)

	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}

	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
	return !c.holidayFn(day)
}

// NextOpen returns the first open instant at or after t.
// If t is within a trading session, t itself is returned.
func (c *Calendar) NextOpen(t time.Time) (time.Time, error) {
	t = t.In(c.loc)

	if c.IsOpen(t) {
		return t, nil
	}

	for i := 0; i <= maxLookaheadDays; i++ {
		day := t.AddDate(0, 0, i)
		open := time.Date(day.Year(), day.Month(), day.Day(), c.openHour, c.openMinute, 0, 0, c.loc)

		if c.IsTradingDay(day) && !open.Before(t) {
			return open, nil
		}
	}

	c.log.Error().
		Time("from", t).
		Int("lookahead_days", maxLookaheadDays).
		Msg("No trading day within lookahead bound, calendar is misconfigured")
	return time.Time{}, ErrNoTradingDay
}

// NextClose returns the close instant of the current or next trading session
func (c *Calendar) NextClose(t time.Time) (time.Time, error) {
	t = t.In(c.loc)

	if c.IsOpen(t) {
		return time.Date(t.Year(), t.Month(), t.Day(), c.closeHour, c.closeMinute, 0, 0, c.loc), nil
	}

	open, err := c.NextOpen(t)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(open.Year(), open.Month(), open.Day(), c.closeHour, c.closeMinute, 0, 0, c.loc), nil
}

// OpenOn returns the open instant on the date of t (exchange zone),
// regardless of whether that date is a trading day.
func (c *Calendar) OpenOn(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), c.openHour, c.openMinute, 0, 0, c.loc)
}

// CloseOn returns the close instant on the date of t (exchange zone)
func (c *Calendar) CloseOn(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), c.closeHour, c.closeMinute, 0, 0, c.loc)
}

// SecondsUntilOpen returns seconds from t until the next open instant
func (c *Calendar) SecondsUntilOpen(t time.Time) (int, error) {
	open, err := c.NextOpen(t)
	if err != nil {
		return 0, err
	}
	return int(open.Sub(t.In(c.loc)).Seconds()), nil
}

// SecondsUntilClose returns seconds from t until the next close instant
func (c *Calendar) SecondsUntilClose(t time.Time) (int, error) {
	closeAt, err := c.NextClose(t)
	if err != nil {
		return 0, err
	}
	return int(closeAt.Sub(t.In(c.loc)).Seconds()), nil
}

// isHoliday reports whether day (midnight, exchange zone) is an exchange
// holiday. The set covers the fixed-date US holidays plus the movable ones
// (third-Monday rules, Good Friday, Thanksgiving), computed per year.
func (c *Calendar) isHoliday(day time.Time) bool {
	y := day.Year()

	holidays := []time.Time{
		observedFixed(y, time.January, 1, c.loc),     // New Year's Day
		nthWeekday(y, time.January, time.Monday, 3, c.loc),   // MLK Day
		nthWeekday(y, time.February, time.Monday, 3, c.loc),  // Presidents Day
		goodFriday(y, c.loc),                         // Good Friday
		lastWeekday(y, time.May, time.Monday, c.loc), // Memorial Day
		observedFixed(y, time.June, 19, c.loc),       // Juneteenth
		observedFixed(y, time.July, 4, c.loc),        // Independence Day
		nthWeekday(y, time.September, time.Monday, 1, c.loc),  // Labor Day
		nthWeekday(y, time.November, time.Thursday, 4, c.loc), // Thanksgiving
		observedFixed(y, time.December, 25, c.loc),   // Christmas
	}

	for _, h := range holidays {
		if h.Equal(day) {
			return true
		}
	}
	return false
}

// observedFixed shifts a fixed-date holiday to the adjacent weekday when it
// falls on a weekend (Saturday observed Friday, Sunday observed Monday).
func observedFixed(year int, month time.Month, day int, loc *time.Location) time.Time {
	d := time.Date(year, month, day, 0, 0, 0, 0, loc)
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

// nthWeekday returns the nth given weekday of a month
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int, loc *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(weekday) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekday returns the last given weekday of a month
func lastWeekday(year int, month time.Month, weekday time.Weekday, loc *time.Location) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(weekday) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

// goodFriday is two days before Easter Sunday (anonymous Gregorian computus)
func goodFriday(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	cc := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := cc / 4
	k := cc % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	dayNum := (h+l-7*m+114)%31 + 1

	easter := time.Date(year, time.Month(month), dayNum, 0, 0, 0, 0, loc)
	return easter.AddDate(0, 0, -2)
}
