package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextUTCMidnight(t *testing.T) {
	now := time.Date(2026, 10, 16, 23, 59, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), NextUTCMidnight(now))
	assert.Equal(t, 30*time.Second, UntilUTCMidnight(now))

	// offsets are normalized to UTC first
	tz := time.FixedZone("UTC+10", 10*3600)
	local := time.Date(2026, 10, 17, 5, 0, 0, 0, tz)
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), NextUTCMidnight(local))
	assert.Equal(t, "2026-10-16", UTCDate(local))
}

func TestUntilUTCMidnight_Floor(t *testing.T) {
	now := time.Date(2026, 12, 31, 23, 59, 59, 999_000_000, time.UTC)
	assert.Equal(t, time.Second, UntilUTCMidnight(now))
}
