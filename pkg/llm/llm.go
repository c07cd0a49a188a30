// Package llm defines the text-generation and embedding driver interfaces
// and an OpenAI-compatible implementation.
package llm

import "context"

// Params tunes a single completion call.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Completion is the result of one generation call.
type Completion struct {
	Text string
	// TokensUsed is the provider-reported total, zero when unavailable.
	TokensUsed int
}

// Driver produces completions. Implementations must honor ctx cancellation
// and deadlines, and surface provider throttling as driver.RateLimitError.
type Driver interface {
	Complete(ctx context.Context, prompt string, params Params) (Completion, error)
}

// Embedder maps text to a vector for similarity comparison. Vectors from one
// Embedder are only comparable with vectors from the same model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
