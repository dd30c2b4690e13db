// Package clock holds the UTC day arithmetic shared by daily counters.
package clock

import "time"

// NextUTCMidnight returns the start of the UTC day following t
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// UntilUTCMidnight returns how long until the next UTC midnight, never less
// than one second so it is always usable as a key TTL
func UntilUTCMidnight(t time.Time) time.Duration {
	d := NextUTCMidnight(t).Sub(t)
	if d < time.Second {
		return time.Second
	}
	return d
}

// UTCDate formats t as a YYYY-MM-DD day bucket
func UTCDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
