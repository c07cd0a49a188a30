package models

import "time"

// PostStatus is the state of a post record.
type PostStatus string

// Post status constants. Transitions only move along the edges returned by
// CanTransition; UpdatePostStatus implementations must reject anything else.
const (
	PostStatusPending    PostStatus = "pending"
	PostStatusGenerating PostStatus = "generating"
	PostStatusValidating PostStatus = "validating"
	PostStatusPublishing PostStatus = "publishing"
	PostStatusPublished  PostStatus = "published"
	PostStatusFailed     PostStatus = "failed"
)

// transitions is the legal edge set of the post status machine. The
// generating → pending edge hands a record back when the LLM driver
// throttles the cycle; the next selection starts a fresh attempt.
var transitions = map[PostStatus][]PostStatus{
	PostStatusPending:    {PostStatusGenerating, PostStatusFailed},
	PostStatusGenerating: {PostStatusPending, PostStatusValidating, PostStatusFailed},
	PostStatusValidating: {PostStatusPublishing, PostStatusFailed},
	PostStatusPublishing: {PostStatusPublished, PostStatusFailed},
}

// CanTransition reports whether from → to is a legal status edge.
func CanTransition(from, to PostStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state.
func (s PostStatus) Terminal() bool {
	return s == PostStatusPublished || s == PostStatusFailed
}

// FailureKind classifies terminal post failures for the failure field and
// for metrics.
type FailureKind string

// Failure kinds surfaced on failed post records.
const (
	FailureKindValidation    FailureKind = "validation"
	FailureKindTemplate      FailureKind = "template"
	FailureKindQuotaExceeded FailureKind = "quota_exceeded"
	FailureKindLLM           FailureKind = "llm"
	FailureKindPublish       FailureKind = "publish"
	FailureKindCancelled     FailureKind = "cancelled"
	FailureKindInternal      FailureKind = "internal"
)

// Failure captures why a post ended in the failed state.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Post is the unit of output: one generated and (ideally) published text.
//
// Invariants: ExternalID is set iff Status == published; Failure is set iff
// Status == failed.
type Post struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Text        string     `json:"text"`
	Status      PostStatus `json:"status"`
	ExternalID  string     `json:"external_id,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}
