package util

import (
	"fmt"
	"log/slog"
	"time"

	"papertrader/internal/config"
)

// DayChecker reports whether a calendar day is an exchange trading day.
// Implementations typically consult an exchange calendar service.
type DayChecker interface {
	IsTradingDay(day time.Time) (bool, error)
}

type window struct {
	start, end int // minutes after local midnight, end exclusive
}

// TradingCalendar provides market-hours awareness for one exchange: a set of
// intraday sessions on weekdays, optionally narrowed by a holiday source.
type TradingCalendar struct {
	loc      *time.Location
	sessions []window
	days     DayChecker
	log      *slog.Logger
}

// NewTradingCalendar builds a calendar for the given exchange time zone and
// HH:MM session windows. A nil log uses slog.Default.
func NewTradingCalendar(timezone string, sessions []config.Session, log *slog.Logger) (*TradingCalendar, error) {
	if log == nil {
		log = slog.Default()
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	tc := &TradingCalendar{
		loc: loc,
		log: log.With("component", "calendar"),
	}
	for _, s := range sessions {
		start, err := config.ParseClock(s.Start)
		if err != nil {
			return nil, err
		}
		end, err := config.ParseClock(s.End)
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, fmt.Errorf("session %s-%s ends before it starts", s.Start, s.End)
		}
		tc.sessions = append(tc.sessions, window{start: start, end: end})
	}
	return tc, nil
}

// WithDayChecker attaches an exchange holiday source. A failing source falls
// back to the plain weekday rule.
func (tc *TradingCalendar) WithDayChecker(d DayChecker) *TradingCalendar {
	tc.days = d
	return tc
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// IsMarketOpen returns whether t falls inside one of the configured sessions
// on a trading day.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	local := t.In(tc.loc)
	if !tc.isTradingDay(local) {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	for _, w := range tc.sessions {
		if m >= w.start && m < w.end {
			return true
		}
	}
	return false
}

// NextOpen returns the next session open at or after t. It returns the zero
// time when no session opens within two weeks.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	for d := 0; d < 14; d++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+d, 0, 0, 0, 0, tc.loc)
		if !tc.isTradingDay(day) {
			continue
		}
		for _, w := range tc.sessions {
			open := day.Add(time.Duration(w.start) * time.Minute)
			if !open.Before(local) {
				return open
			}
		}
	}
	return time.Time{}
}

// NextClose returns the end of the session containing t, or of the next
// session when the market is closed at t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	for d := 0; d < 14; d++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+d, 0, 0, 0, 0, tc.loc)
		if !tc.isTradingDay(day) {
			continue
		}
		for _, w := range tc.sessions {
			closeAt := day.Add(time.Duration(w.end) * time.Minute)
			if closeAt.After(local) {
				return closeAt
			}
		}
	}
	return time.Time{}
}

func (tc *TradingCalendar) isTradingDay(local time.Time) bool {
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if tc.days == nil {
		return true
	}
	open, err := tc.days.IsTradingDay(local)
	if err != nil {
		tc.log.Warn("exchange calendar unavailable, using weekday rule", "error", err)
		return true
	}
	return open
}
