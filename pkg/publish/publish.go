// Package publish defines the posting driver: the outbound surface that
// turns validated text into a live post on the social backend.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/clara-labs/clara/pkg/models"
)

// ErrDuplicateContent is returned when the backend rejects a post as a
// duplicate of a recent one. Terminal for the attempt; never retried.
var ErrDuplicateContent = errors.New("duplicate content rejected by backend")

// Receipt identifies a successfully published post on the backend.
type Receipt struct {
	ExternalID  string
	PublishedAt time.Time
}

// Driver publishes posts on behalf of a tenant using that tenant's
// credentials. Implementations surface throttling as driver.RateLimitError
// and transient faults as retryable so the pipeline can branch on kind.
type Driver interface {
	Publish(ctx context.Context, creds models.Credentials, text string) (Receipt, error)

	// Delete removes a published post. Operator tooling only; the
	// pipeline never calls it.
	Delete(ctx context.Context, creds models.Credentials, externalID string) error
}
