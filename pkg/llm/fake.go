package llm

import (
	"context"
	"sync"
	"sync/atomic"
)

// FakeDriver is a scriptable Driver for tests. Responses are served in
// order; when they run out the last one repeats. A nil Err list means every
// call succeeds.
type FakeDriver struct {
	mu        sync.Mutex
	Responses []string
	Errs      []error
	calls     atomic.Int64

	// Delay, when set, blocks each call until the channel is closed.
	// Used to hold a call in flight while asserting coalescing.
	Delay chan struct{}
}

// Complete implements Driver.
func (f *FakeDriver) Complete(ctx context.Context, _ string, _ Params) (Completion, error) {
	n := f.calls.Add(1)

	if f.Delay != nil {
		select {
		case <-f.Delay:
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n - 1)
	if len(f.Errs) > 0 {
		if idx < len(f.Errs) {
			if err := f.Errs[idx]; err != nil {
				return Completion{}, err
			}
		}
	}
	if len(f.Responses) == 0 {
		return Completion{Text: "fake completion"}, nil
	}
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	return Completion{Text: f.Responses[idx]}, nil
}

// Calls returns how many Complete calls were made.
func (f *FakeDriver) Calls() int { return int(f.calls.Load()) }

// FakeEmbedder returns fixed vectors per input text. Texts without a mapping
// get Default; a nil Default falls back to a length-3 unit vector.
type FakeEmbedder struct {
	mu      sync.Mutex
	Vectors map[string][]float32
	Default []float32
	Err     error
	calls   atomic.Int64
}

// Embed implements Embedder.
func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if v, ok := f.Vectors[text]; ok {
		return v, nil
	}
	if f.Default != nil {
		return f.Default, nil
	}
	return []float32{1, 0, 0}, nil
}

// Calls returns how many Embed calls were made.
func (f *FakeEmbedder) Calls() int { return int(f.calls.Load()) }
