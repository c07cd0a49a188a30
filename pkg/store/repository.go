// Package store defines the repository owning durable tenant and post data,
// with a Postgres implementation and an in-memory implementation for tests
// and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/clara-labs/clara/pkg/models"
)

// Sentinel errors for repository operations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrIllegalTransition indicates a post status update that does not
	// follow the status machine's edges. The update is rejected atomically.
	ErrIllegalTransition = errors.New("illegal post status transition")

	// ErrAlreadyExists indicates an insert with a duplicate id.
	ErrAlreadyExists = errors.New("record already exists")
)

// PostUpdate carries the optional fields set together with a status
// transition. The transition plus these fields form a single atomic write.
type PostUpdate struct {
	Text        *string
	ExternalID  *string
	PublishedAt *time.Time
	Failure     *models.Failure
}

// Repository is the durable source of truth for tenants and posts. The
// registry's in-memory snapshots are caches over it.
type Repository interface {
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	UpsertTenant(ctx context.Context, t *models.Tenant) error

	// UpdateTenantActivity writes back last_acted_at and the daily
	// counters after a completed cycle.
	UpdateTenantActivity(ctx context.Context, id string, actedAt time.Time, counters models.DailyCounters) error

	InsertPost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)

	// UpdatePostStatus performs a conditional transition from → to,
	// rejecting illegal edges and stale preconditions with
	// ErrIllegalTransition.
	UpdatePostStatus(ctx context.Context, id string, from, to models.PostStatus, fields PostUpdate) error

	// RecentPublishedTexts returns the tenant's last n published texts,
	// newest first, for the duplication check.
	RecentPublishedTexts(ctx context.Context, tenantID string, n int) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
