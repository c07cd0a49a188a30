package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clara-labs/clara/pkg/models"
)

// Fake is a scriptable Driver for tests. Errs are served in call order;
// after they run out every call succeeds.
type Fake struct {
	mu       sync.Mutex
	Errs     []error
	calls    int
	deleted  []string
	receipts []Receipt
}

// Publish implements Driver.
func (f *Fake) Publish(_ context.Context, _ models.Credentials, text string) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.Errs) && f.Errs[idx] != nil {
		return Receipt{}, f.Errs[idx]
	}
	r := Receipt{
		ExternalID:  fmt.Sprintf("ext-%d", f.calls),
		PublishedAt: time.Now().UTC(),
	}
	f.receipts = append(f.receipts, r)
	return r, nil
}

// Delete implements Driver.
func (f *Fake) Delete(_ context.Context, _ models.Credentials, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, externalID)
	return nil
}

// Calls returns how many Publish calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Receipts returns the successful publishes so far.
func (f *Fake) Receipts() []Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Receipt(nil), f.receipts...)
}

// Deleted returns the external ids passed to Delete.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
