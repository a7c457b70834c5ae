package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuotaKeysAreGlobal(t *testing.T) {
	// These two key names are a wire contract with the rest of the fleet:
	// every worker and every process must increment the same keys.
	assert.Equal(t, "strava:quota:daily", dailyKey)
	assert.Equal(t, "strava:quota:15min", shortKey)
}

func TestSecondsUntilMidnightUTC(t *testing.T) {
	secs := secondsUntilMidnightUTC()
	assert.Greater(t, secs, 0)
	assert.LessOrEqual(t, secs, 24*60*60)
}

func TestSecondsUntilMidnightDuration(t *testing.T) {
	d := secondsUntilMidnightDuration()
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 24*time.Hour)
}
