package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clara-labs/clara/pkg/models"
)

// Memory is an in-memory Repository used by tests and local single-process
// runs. It applies the same transition rules as the Postgres implementation.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]*models.Tenant
	posts   map[string]*models.Post
	// insertion order per tenant, newest last; used by RecentPublishedTexts
	published map[string][]string
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		tenants:   make(map[string]*models.Tenant),
		posts:     make(map[string]*models.Post),
		published: make(map[string][]string),
	}
}

// ListTenants implements Repository.
func (m *Memory) ListTenants(_ context.Context) ([]*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTenant implements Repository.
func (m *Memory) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// UpsertTenant implements Repository.
func (m *Memory) UpsertTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t.Clone()
	if existing, ok := m.tenants[t.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.tenants[t.ID] = cp
	return nil
}

// UpdateTenantActivity implements Repository.
func (m *Memory) UpdateTenantActivity(_ context.Context, id string, actedAt time.Time, counters models.DailyCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	ts := actedAt
	t.LastActedAt = &ts
	t.Counters = counters
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// InsertPost implements Repository.
func (m *Memory) InsertPost(_ context.Context, p *models.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[p.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *p
	m.posts[p.ID] = &cp
	return nil
}

// GetPost implements Repository.
func (m *Memory) GetPost(_ context.Context, id string) (*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// UpdatePostStatus implements Repository.
func (m *Memory) UpdatePostStatus(_ context.Context, id string, from, to models.PostStatus, fields PostUpdate) error {
	if !models.CanTransition(from, to) {
		return ErrIllegalTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	// Conditional update: the record must still be in the expected state.
	if p.Status != from {
		return ErrIllegalTransition
	}

	p.Status = to
	if fields.Text != nil {
		p.Text = *fields.Text
	}
	if fields.ExternalID != nil {
		p.ExternalID = *fields.ExternalID
	}
	if fields.PublishedAt != nil {
		ts := *fields.PublishedAt
		p.PublishedAt = &ts
	}
	if fields.Failure != nil {
		f := *fields.Failure
		p.Failure = &f
	}

	if to == models.PostStatusPublished {
		m.published[p.TenantID] = append(m.published[p.TenantID], p.Text)
	}
	return nil
}

// RecentPublishedTexts implements Repository.
func (m *Memory) RecentPublishedTexts(_ context.Context, tenantID string, n int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	texts := m.published[tenantID]
	if len(texts) > n {
		texts = texts[len(texts)-n:]
	}
	// Newest first.
	out := make([]string, 0, len(texts))
	for i := len(texts) - 1; i >= 0; i-- {
		out = append(out, texts[i])
	}
	return out, nil
}

// Ping implements Repository.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close implements Repository.
func (m *Memory) Close() error { return nil }
