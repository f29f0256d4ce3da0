package cron_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentloop/internal/cron"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	cases := []string{
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"abc * * * *",
		"*/0 * * * *",
	}
	for _, expr := range cases {
		_, err := cron.Parse(expr)
		assert.ErrorIs(t, err, cron.BadCronExpression, "expr=%q", expr)
	}
}

func TestNext_EveryFiveMinutes(t *testing.T) {
	t.Parallel()

	s, err := cron.Parse("*/5 * * * *")
	require.NoError(t, err)

	from := mustParseTime(t, "2024-06-15T10:30:00Z")
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, mustParseTime(t, "2024-06-15T10:35:00Z"), next)
}

func TestNext_WeekdaysOnly(t *testing.T) {
	t.Parallel()

	// 2024-06-15 is a Saturday; next weekday 09:00 is Monday 2024-06-17.
	s, err := cron.Parse("0 9 * * 1-5")
	require.NoError(t, err)

	from := mustParseTime(t, "2024-06-15T10:30:00Z")
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, mustParseTime(t, "2024-06-17T09:00:00Z"), next)
}

func TestNext_Feb30NeverMatches(t *testing.T) {
	t.Parallel()

	s, err := cron.Parse("0 0 30 2 *")
	require.NoError(t, err)

	from := mustParseTime(t, "2024-01-01T00:00:00Z")
	_, err = s.Next(from)
	assert.ErrorIs(t, err, cron.Unreachable)
}

func TestNext_DomDowOrSemantics(t *testing.T) {
	t.Parallel()

	// When both day-of-month and day-of-week are restricted, either match
	// is sufficient: the 1st OR a Monday.
	s, err := cron.Parse("0 0 1 * 1")
	require.NoError(t, err)

	from := mustParseTime(t, "2024-06-03T00:00:00Z") // Monday
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, mustParseTime(t, "2024-06-10T00:00:00Z"), next) // next Monday
}

func TestNext_MonthRollover(t *testing.T) {
	t.Parallel()

	s, err := cron.Parse("0 0 1 * *")
	require.NoError(t, err)

	from := mustParseTime(t, "2024-06-15T10:30:00Z")
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, mustParseTime(t, "2024-07-01T00:00:00Z"), next)
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	desc, err := cron.Describe("30 9 * * *")
	require.NoError(t, err)
	assert.Equal(t, "daily at 09:30", desc)

	desc, err = cron.Describe("0 * * * *")
	require.NoError(t, err)
	assert.Equal(t, "every hour", desc)
}
