package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/clara-labs/clara/pkg/models"
)

func newTestCalendar(t *testing.T, at time.Time) *Calendar {
	t.Helper()
	return New(clocktesting.NewFakeClock(at))
}

func TestLocal_DayKey(t *testing.T) {
	cal := newTestCalendar(t, time.Time{})

	// 2026-08-26 03:00 UTC is still 2026-08-25 in Los Angeles.
	utc := time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)

	_, key, err := cal.Local("UTC", utc)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-26", key)

	local, key, err := cal.Local("America/Los_Angeles", utc)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25", key)
	assert.Equal(t, 20, local.Hour())
}

func TestLocal_InvalidZone(t *testing.T) {
	cal := newTestCalendar(t, time.Time{})
	_, _, err := cal.Local("Not/AZone", time.Now())
	assert.Error(t, err)
}

func TestInPostingWindow(t *testing.T) {
	cal := newTestCalendar(t, time.Time{})
	tenant := &models.Tenant{
		Timezone:     "UTC",
		PostingHours: []int{9, 10, 11, 12, 13, 14, 15, 16, 17},
	}

	assert.True(t, cal.InPostingWindow(tenant, time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)))
	assert.False(t, cal.InPostingWindow(tenant, time.Date(2026, 8, 26, 8, 59, 0, 0, time.UTC)))
	assert.False(t, cal.InPostingWindow(tenant, time.Date(2026, 8, 26, 18, 0, 0, 0, time.UTC)))
}

func TestInPostingWindow_TenantZone(t *testing.T) {
	cal := newTestCalendar(t, time.Time{})
	tenant := &models.Tenant{
		Timezone:     "Asia/Tokyo",
		PostingHours: []int{9},
	}

	// 00:00 UTC == 09:00 JST.
	assert.True(t, cal.InPostingWindow(tenant, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)))
	assert.False(t, cal.InPostingWindow(tenant, time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)))
}

// A standard spring-forward jump (America/New_York, 2026-03-08: 02:00 →
// 03:00) must neither skip nor double any allowed local hour.
func TestInPostingWindow_DSTSpringForward(t *testing.T) {
	cal := newTestCalendar(t, time.Time{})
	tenant := &models.Tenant{
		Timezone:     "America/New_York",
		PostingHours: []int{1, 3},
	}

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 01:30 local exists and is allowed.
	assert.True(t, cal.InPostingWindow(tenant, time.Date(2026, 3, 8, 1, 30, 0, 0, loc)))

	// 02:30 local does not exist on this date; the zone database maps the
	// instant into 03:30 EDT, which is allowed.
	utc := time.Date(2026, 3, 8, 7, 30, 0, 0, time.UTC) // 03:30 EDT
	local, _, err := cal.Local("America/New_York", utc)
	require.NoError(t, err)
	assert.Equal(t, 3, local.Hour())
	assert.True(t, cal.InPostingWindow(tenant, utc))

	// 04:30 local is not allowed.
	assert.False(t, cal.InPostingWindow(tenant, time.Date(2026, 3, 8, 4, 30, 0, 0, loc)))
}

func TestNextWindowOpen(t *testing.T) {
	cal := newTestCalendar(t, time.Time{})
	tenant := &models.Tenant{
		Timezone:     "UTC",
		PostingHours: []int{9, 10},
	}

	// Inside the window: opens now.
	now := time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC)
	open, ok := cal.NextWindowOpen(tenant, now)
	require.True(t, ok)
	assert.Equal(t, now, open)

	// After the window: opens at 09:00 next day.
	now = time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	open, ok = cal.NextWindowOpen(tenant, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC), open.UTC())

	// Before the window: opens at 09:00 same day.
	now = time.Date(2026, 8, 26, 3, 15, 0, 0, time.UTC)
	open, ok = cal.NextWindowOpen(tenant, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC), open.UTC())
}

func TestNextWindowOpen_NoHours(t *testing.T) {
	cal := newTestCalendar(t, time.Time{})
	tenant := &models.Tenant{Timezone: "UTC"}
	_, ok := cal.NextWindowOpen(tenant, time.Now())
	assert.False(t, ok)
}

func TestNextLocalMidnight(t *testing.T) {
	cal := newTestCalendar(t, time.Time{})

	at := time.Date(2026, 8, 26, 22, 0, 0, 0, time.UTC)
	next, err := cal.NextLocalMidnight("UTC", at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), next.UTC())

	// Tokyo midnight happens at 15:00 UTC.
	next, err = cal.NextLocalMidnight("Asia/Tokyo", time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC), next.UTC())
}
