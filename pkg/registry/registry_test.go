package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/clara-labs/clara/pkg/calendar"
	"github.com/clara-labs/clara/pkg/models"
	"github.com/clara-labs/clara/pkg/store"
)

func newTestRegistry(t *testing.T, tenants ...*models.Tenant) (*Registry, *store.Memory, *clocktesting.FakeClock) {
	repo := store.NewMemory()
	ctx := context.Background()
	for _, tn := range tenants {
		require.NoError(t, repo.UpsertTenant(ctx, tn))
	}

	cl := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := New(repo, calendar.New(cl), 0, cl)
	require.NoError(t, reg.Load(ctx))
	return reg, repo, cl
}

func tenant(id string, active bool) *models.Tenant {
	return &models.Tenant{
		ID:           id,
		DisplayName:  id,
		PostingHours: []int{12},
		Timezone:     "UTC",
		Active:       active,
	}
}

func TestListActiveFiltersInactive(t *testing.T) {
	reg, _, _ := newTestRegistry(t, tenant("a", true), tenant("b", false), tenant("c", true))

	active := reg.ListActive()
	ids := make([]string, 0, len(active))
	for _, tn := range active {
		ids = append(ids, tn.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestSnapshotIsACopy(t *testing.T) {
	reg, _, _ := newTestRegistry(t, tenant("a", true))

	snap, err := reg.Snapshot("a")
	require.NoError(t, err)
	snap.DisplayName = "mutated"

	fresh, err := reg.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, "a", fresh.DisplayName)

	_, err = reg.Snapshot("missing")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestClaimLifecycle(t *testing.T) {
	reg, _, _ := newTestRegistry(t, tenant("a", true))

	require.True(t, reg.TryClaim("a"))
	assert.False(t, reg.TryClaim("a"), "double claim must fail")
	assert.True(t, reg.Claimed("a"))

	reg.Release("a")
	assert.False(t, reg.Claimed("a"))
	assert.True(t, reg.TryClaim("a"))

	assert.False(t, reg.TryClaim("missing"))
}

func TestRecordCompletionUpdatesCounters(t *testing.T) {
	reg, repo, cl := newTestRegistry(t, tenant("a", true))
	ctx := context.Background()

	require.True(t, reg.TryClaim("a"))
	require.NoError(t, reg.RecordCompletion("a", Outcome{LLMCalls: 2, Published: true}))
	assert.False(t, reg.Claimed("a"))

	snap, err := reg.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Counters.LLMCalls)
	assert.Equal(t, 1, snap.Counters.Posts)
	assert.Equal(t, "2026-03-01", snap.Counters.DayKey)
	require.NotNil(t, snap.LastActedAt)
	assert.True(t, snap.LastActedAt.Equal(cl.Now()))

	// Write-back is batched: the repository only sees it after a flush.
	stored, err := repo.GetTenant(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, stored.LastActedAt)

	require.NoError(t, reg.Flush(ctx))
	stored, err = repo.GetTenant(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, stored.LastActedAt)
	assert.Equal(t, 2, stored.Counters.LLMCalls)
}

func TestRecordCompletionRollsOverDay(t *testing.T) {
	reg, _, cl := newTestRegistry(t, tenant("a", true))

	require.NoError(t, reg.RecordCompletion("a", Outcome{LLMCalls: 1, Published: true}))

	cl.SetTime(cl.Now().Add(24 * time.Hour))
	require.NoError(t, reg.RecordCompletion("a", Outcome{LLMCalls: 1}))

	snap, err := reg.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", snap.Counters.DayKey)
	assert.Equal(t, 1, snap.Counters.LLMCalls)
	assert.Equal(t, 0, snap.Counters.Posts)
}

func TestLoadPreservesUnflushedActivity(t *testing.T) {
	reg, _, cl := newTestRegistry(t, tenant("a", true))
	ctx := context.Background()

	require.NoError(t, reg.RecordCompletion("a", Outcome{LLMCalls: 3, Published: true}))

	// Reconcile before the flush: the stale repository row must not wipe
	// the locally newer counters.
	require.NoError(t, reg.Load(ctx))

	snap, err := reg.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Counters.LLMCalls)
	require.NotNil(t, snap.LastActedAt)
	assert.True(t, snap.LastActedAt.Equal(cl.Now()))
}

func TestLoadPicksUpNewAndRemovedTenants(t *testing.T) {
	reg, repo, _ := newTestRegistry(t, tenant("a", true))
	ctx := context.Background()

	require.NoError(t, repo.UpsertTenant(ctx, tenant("b", true)))
	require.NoError(t, reg.Load(ctx))

	_, err := reg.Snapshot("b")
	assert.NoError(t, err)
}

type failingRepo struct {
	*store.Memory
	fail bool
}

func (f *failingRepo) UpdateTenantActivity(ctx context.Context, id string, actedAt time.Time, c models.DailyCounters) error {
	if f.fail {
		return errors.New("transient db error")
	}
	return f.Memory.UpdateTenantActivity(ctx, id, actedAt, c)
}

func TestFlushRetriesFailedWriteBacks(t *testing.T) {
	repo := &failingRepo{Memory: store.NewMemory(), fail: true}
	ctx := context.Background()
	require.NoError(t, repo.UpsertTenant(ctx, tenant("a", true)))

	cl := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := New(repo, calendar.New(cl), 0, cl)
	require.NoError(t, reg.Load(ctx))

	require.NoError(t, reg.RecordCompletion("a", Outcome{Published: true}))
	require.Error(t, reg.Flush(ctx))

	repo.fail = false
	require.NoError(t, reg.Flush(ctx))

	stored, err := repo.GetTenant(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Counters.Posts)
}
