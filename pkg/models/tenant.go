// Package models defines the core domain types shared across the engine:
// tenants, posts, the post status machine, and failure kinds.
package models

import (
	"log/slog"
	"time"
)

// Credentials is the opaque posting-backend credential bundle for a tenant.
// It is passed by reference to the posting driver and must never appear in
// logs; LogValue redacts it wholesale.
type Credentials struct {
	APIKey       string `json:"api_key" yaml:"api_key"`
	APISecret    string `json:"api_secret" yaml:"api_secret"`
	AccessToken  string `json:"access_token" yaml:"access_token"`
	AccessSecret string `json:"access_secret" yaml:"access_secret"`
}

// LogValue implements slog.LogValuer so credentials are redacted even when
// logged by accident.
func (Credentials) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// Empty reports whether no credential material is present.
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.AccessToken == ""
}

// DailyCounters tracks a tenant's per-day usage, bucketed by the tenant-local
// calendar date in DayKey. Counters reset when the day key rolls over.
type DailyCounters struct {
	DayKey   string `json:"day_key"`
	LLMCalls int    `json:"llm_calls"`
	Posts    int    `json:"posts"`
}

// ResetIfRolledOver zeroes the counters when dayKey differs from the stored
// key. The reset is idempotent: calling it repeatedly with the same key is a
// no-op.
func (d *DailyCounters) ResetIfRolledOver(dayKey string) bool {
	if d.DayKey == dayKey {
		return false
	}
	d.DayKey = dayKey
	d.LLMCalls = 0
	d.Posts = 0
	return true
}

// Tenant is the unit of multi-tenancy: one social account on whose behalf
// the engine generates and publishes posts.
type Tenant struct {
	ID              string        `json:"id"`
	DisplayName     string        `json:"display_name"`
	PersonaPrompt   string        `json:"persona_prompt"`
	PostingHours    []int         `json:"posting_hours" validate:"dive,min=0,max=23"`
	Timezone        string        `json:"timezone"`
	Credentials     Credentials   `json:"-"`
	KnowledgeHandle string        `json:"knowledge_handle,omitempty"`
	Active          bool          `json:"active"`
	LastActedAt     *time.Time    `json:"last_acted_at,omitempty"`
	Counters        DailyCounters `json:"daily_counters"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out as a read-only snapshot.
func (t *Tenant) Clone() *Tenant {
	cp := *t
	cp.PostingHours = append([]int(nil), t.PostingHours...)
	if t.LastActedAt != nil {
		ts := *t.LastActedAt
		cp.LastActedAt = &ts
	}
	return &cp
}

// PostsInHour reports whether the given local clock hour is in the tenant's
// posting window allow-list.
func (t *Tenant) PostsInHour(hour int) bool {
	for _, h := range t.PostingHours {
		if h == hour {
			return true
		}
	}
	return false
}
