package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	from := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		expr string
		next time.Time
	}{
		{"every 3 seconds", from.Add(3 * time.Second)},
		{"every 1 second", from.Add(time.Second)},
		{"Every 10 Minutes", from.Add(10 * time.Minute)},
		{"every 2 hours", from.Add(2 * time.Hour)},
		{"every day", from.Add(24 * time.Hour)},
		{"every 90s", from.Add(90 * time.Second)},
		{"at 02:01", time.Date(2026, 3, 14, 2, 1, 0, 0, time.UTC)},
		{"at 00:01 every day", time.Date(2026, 3, 14, 0, 1, 0, 0, time.UTC)},
		{"@hourly", from.Add(time.Hour)},
		{"@every 5m", from.Add(5 * time.Minute)},
		{"*/15 * * * *", from.Add(15 * time.Minute)},
		{"30 0 12 * * *", time.Date(2026, 3, 14, 12, 0, 30, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			schedule, err := ParseSchedule(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.next, schedule.Next(from))
		})
	}
}

func TestParseScheduleRejectsInvalidExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"   ",
		"every",
		"every 0 seconds",
		"every -5 minutes",
		"every 3 fortnights",
		"every x seconds",
		"every 18446744075 seconds",
		"every 9223372036854775807 days",
		"every 100ms",
		"every 3 seconds please",
		"at 25:00",
		"at noon",
		"* * *",
		"61 * * * *",
		"@sometimes",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseSchedule(expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestNext(t *testing.T) {
	from := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)

	ticks, err := Next("at 02:01", from, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2026, 3, 15, 2, 1, 0, 0, time.UTC),
		time.Date(2026, 3, 16, 2, 1, 0, 0, time.UTC),
		time.Date(2026, 3, 17, 2, 1, 0, 0, time.UTC),
	}, ticks)

	_, err = Next("whenever", from, 1)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestNextUsesLocationOfFrom(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	from := time.Date(2026, 3, 14, 0, 0, 0, 0, loc)

	ticks, err := Next("at 02:01", from, 1)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, time.Date(2026, 3, 14, 2, 1, 0, 0, loc), ticks[0])
}
