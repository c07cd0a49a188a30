package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/clara-labs/clara/pkg/driver"
)

// OpenAIConfig holds the settings for the OpenAI-compatible backend.
type OpenAIConfig struct {
	// BaseURL overrides the endpoint; empty uses the provider default.
	BaseURL        string
	Model          string
	EmbeddingModel string
	APIKey         string
	Timeout        time.Duration
}

// OpenAI implements Driver and Embedder over an OpenAI-compatible API.
type OpenAI struct {
	client  *openai.LLM
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAI builds the client. Works against any OpenAI-compatible endpoint
// via BaseURL.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: API key is required")
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	return &OpenAI{
		client:  client,
		timeout: cfg.Timeout,
		logger:  slog.With("component", "llm"),
	}, nil
}

// Complete implements Driver.
func (o *OpenAI) Complete(ctx context.Context, prompt string, params Params) (Completion, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var callOpts []llms.CallOption
	if params.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(params.MaxTokens))
	}
	callOpts = append(callOpts, llms.WithTemperature(params.Temperature))

	start := time.Now()
	text, err := llms.GenerateFromSinglePrompt(ctx, o.client, prompt, callOpts...)
	if err != nil {
		return Completion{}, classify(err)
	}

	o.logger.Debug("Completion finished",
		"duration", time.Since(start),
		"prompt_len", len(prompt),
		"completion_len", len(text))

	return Completion{Text: strings.TrimSpace(text)}, nil
}

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	vecs, err := o.client.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, classify(err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("llm: expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// classify maps provider errors onto the shared driver taxonomy. The client
// library does not expose response codes, so throttling is detected from the
// message.
func classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "rate limit") {
		return fmt.Errorf("llm call throttled: %w", &driver.RateLimitError{})
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") {
		return driver.Retryable(fmt.Errorf("llm call failed: %w", err))
	}
	return fmt.Errorf("llm call failed: %w", err)
}
