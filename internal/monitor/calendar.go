package monitor

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/atlas-desktop/screener-backend/pkg/types"
)

// Session is one continuous trading window in "15:04" local time
type Session struct {
	Start string `mapstructure:"start" json:"start"`
	End   string `mapstructure:"end" json:"end"`
}

// DefaultSessions are the morning and afternoon exchange sessions
func DefaultSessions() []Session {
	return []Session{
		{Start: "09:30", End: "11:30"},
		{Start: "13:00", End: "15:00"},
	}
}

// Calendar answers trading-time questions for weekdays in one time zone.
// Exchange holidays are not modelled.
type Calendar struct {
	loc     *time.Location
	windows [][2]int // minutes since midnight, inclusive
}

// NewCalendar parses the sessions for the named time zone
func NewCalendar(timeZone string, sessions []Session) (*Calendar, error) {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return nil, types.Errorf(types.KindConfiguration, "monitor", "unknown time zone %q", timeZone)
	}
	if len(sessions) == 0 {
		return nil, types.NewError(types.KindConfiguration, "monitor", "at least one session is required")
	}

	windows := make([][2]int, 0, len(sessions))
	for _, s := range sessions {
		start, err := minuteOfDay(s.Start)
		if err != nil {
			return nil, err
		}
		end, err := minuteOfDay(s.End)
		if err != nil {
			return nil, err
		}
		if start >= end {
			return nil, types.Errorf(types.KindConfiguration, "monitor", "session %s-%s ends before it starts", s.Start, s.End)
		}
		windows = append(windows, [2]int{start, end})
	}
	return &Calendar{loc: loc, windows: windows}, nil
}

// Location returns the calendar's time zone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether t falls on a weekday
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsTradingTime reports whether t is inside a session on a trading day
func (c *Calendar) IsTradingTime(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	local := t.In(c.loc)
	minute := local.Hour()*60 + local.Minute()
	for _, w := range c.windows {
		if minute >= w[0] && minute <= w[1] {
			return true
		}
	}
	return false
}

// NextSessionStart returns the first session opening strictly after t
func (c *Calendar) NextSessionStart(t time.Time) time.Time {
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	for d := 0; d < 8; d++ {
		date := day.AddDate(0, 0, d)
		if !c.IsTradingDay(date) {
			continue
		}
		for _, w := range c.windows {
			open := date.Add(time.Duration(w[0]) * time.Minute)
			if open.After(t) {
				return open
			}
		}
	}
	return time.Time{}
}

// TradingDays lists the trading days between from and to inclusive
func (c *Calendar) TradingDays(from, to time.Time) []time.Time {
	days := make([]time.Time, 0)
	f := from.In(c.loc)
	day := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, c.loc)
	for !day.After(to) {
		if c.IsTradingDay(day) {
			days = append(days, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return days
}

func minuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, types.Errorf(types.KindConfiguration, "monitor", "invalid session time %q", hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (s Session) String() string {
	return fmt.Sprintf("%s-%s", s.Start, s.End)
}
