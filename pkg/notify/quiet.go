package notify

import (
	"fmt"
	"time"
)

// QuietHours is the concrete QuietWindow over a daily HH:MM window,
// possibly spanning midnight (e.g. 22:00–07:00).
type QuietHours struct {
	startMin int // minutes since midnight
	endMin   int
	loc      *time.Location
}

// NewQuietHours parses "HH:MM" bounds. An empty timezone means local time.
func NewQuietHours(start, end, timezone string) (*QuietHours, error) {
	loc := time.Local
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("failed to load quiet hours timezone: %w", err)
		}
	}
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("invalid quiet hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("invalid quiet hours end: %w", err)
	}
	return &QuietHours{startMin: s, endMin: e, loc: loc}, nil
}

// Contains reports whether t falls inside the window.
func (q *QuietHours) Contains(t time.Time) bool {
	local := t.In(q.loc)
	minutes := local.Hour()*60 + local.Minute()
	if q.startMin <= q.endMin {
		return minutes >= q.startMin && minutes < q.endMin
	}
	// Window wraps midnight.
	return minutes >= q.startMin || minutes < q.endMin
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
