// Package calendar provides the engine's notion of time: a monotonic clock
// for pacing, UTC wall time for audit records, and tenant-local window and
// day-key arithmetic across IANA time zones.
package calendar

import (
	"fmt"
	"sync"
	"time"

	"github.com/clara-labs/clara/pkg/models"
	"k8s.io/utils/clock"
)

// DayKeyLayout formats tenant-local dates used to bucket daily counters.
const DayKeyLayout = "2006-01-02"

// Calendar answers "what time is it" questions for the scheduler and the
// pipeline. All methods are safe for concurrent use.
type Calendar struct {
	clock clock.Clock

	mu        sync.RWMutex
	locations map[string]*time.Location
}

// New creates a Calendar on the given clock. Tests pass a fake clock for
// deterministic scheduling.
func New(c clock.Clock) *Calendar {
	return &Calendar{
		clock:     c,
		locations: make(map[string]*time.Location),
	}
}

// Clock exposes the underlying clock for components that need timers.
func (c *Calendar) Clock() clock.Clock {
	return c.clock
}

// NowMono returns the current time carrying a monotonic reading. Used for
// pacing, backoff, and bucket refill arithmetic.
func (c *Calendar) NowMono() time.Time {
	return c.clock.Now()
}

// NowWall returns the current UTC wall-clock time for audit records.
func (c *Calendar) NowWall() time.Time {
	return c.clock.Now().UTC()
}

// location resolves and caches an IANA zone.
func (c *Calendar) location(tz string) (*time.Location, error) {
	c.mu.RLock()
	loc, ok := c.locations[tz]
	c.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	c.mu.Lock()
	c.locations[tz] = loc
	c.mu.Unlock()
	return loc, nil
}

// Local maps t into the tenant's zone and returns the local time together
// with the tenant-local day key. The day boundary is 00:00 local time; DST
// transitions are handled by the zone database.
func (c *Calendar) Local(tz string, t time.Time) (time.Time, string, error) {
	loc, err := c.location(tz)
	if err != nil {
		return time.Time{}, "", err
	}
	local := t.In(loc)
	return local, local.Format(DayKeyLayout), nil
}

// DayKey returns the tenant-local calendar date for t.
func (c *Calendar) DayKey(tz string, t time.Time) (string, error) {
	_, key, err := c.Local(tz, t)
	return key, err
}

// InPostingWindow reports whether the local wall hour of t is in the
// tenant's posting-hour allow-list. Tenants with an unresolvable zone are
// treated as outside their window.
func (c *Calendar) InPostingWindow(tenant *models.Tenant, t time.Time) bool {
	local, _, err := c.Local(tenant.Timezone, t)
	if err != nil {
		return false
	}
	return tenant.PostsInHour(local.Hour())
}

// NextWindowOpen returns the earliest instant at or after t at which the
// tenant's posting window is open. The second return is false when the
// tenant has no posting hours or an invalid zone.
func (c *Calendar) NextWindowOpen(tenant *models.Tenant, t time.Time) (time.Time, bool) {
	if len(tenant.PostingHours) == 0 {
		return time.Time{}, false
	}
	loc, err := c.location(tenant.Timezone)
	if err != nil {
		return time.Time{}, false
	}

	local := t.In(loc)
	if tenant.PostsInHour(local.Hour()) {
		return t, true
	}

	// Walk hour boundaries; 48 steps covers any window even across a DST
	// jump that removes an hour.
	candidate := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	for i := 0; i < 49; i++ {
		candidate = candidate.Add(time.Hour)
		if tenant.PostsInHour(candidate.In(loc).Hour()) {
			return candidate.In(loc), true
		}
	}
	return time.Time{}, false
}

// NextLocalMidnight returns the next tenant-local 00:00 after t, i.e. the
// instant the tenant's daily counters reset.
func (c *Calendar) NextLocalMidnight(tz string, t time.Time) (time.Time, error) {
	loc, err := c.location(tz)
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(loc)
	// AddDate on the date normalizes through DST oddities at midnight.
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return next, nil
}
