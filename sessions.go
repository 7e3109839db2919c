package main

import "time"

const (
	SessionPre    = "PRE"
	SessionRTH    = "RTH"
	SessionAH     = "AH"
	SessionClosed = "CLOSED"
)

func NYDateSession(tsMs int64, loc *time.Location) (date string, session string) {
	t := time.UnixMilli(tsMs).In(loc)
	return t.Format("2006-01-02"), SessionForNY(t)
}

// SessionForNY labels a New York wall-clock time with its US equity session.
// Weekends are CLOSED; exchange holidays are not tracked.
func SessionForNY(t time.Time) string {
	// PRE = 04:00:00 to 09:30:00
	// RTH = 09:30:00 to 16:00:00
	// AH  = 16:00:00 to 20:00:00
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}
	h, m, s := t.Clock()
	sec := h*3600 + m*60 + s

	preStart := 4 * 3600
	rthStart := 9*3600 + 30*60
	ahStart := 16 * 3600
	ahEnd := 20 * 3600

	switch {
	case sec >= preStart && sec < rthStart:
		return SessionPre
	case sec >= rthStart && sec < ahStart:
		return SessionRTH
	case sec >= ahStart && sec < ahEnd:
		return SessionAH
	default:
		return SessionClosed
	}
}

// loadNY falls back to a fixed -05:00 zone when tzdata is unavailable.
func loadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}
