// Package pipeline runs one tenant work item end to end: admission, prompt
// rendering, cached generation, validation, and publishing, driving the post
// record through its status machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/clara-labs/clara/pkg/driver"
	"github.com/clara-labs/clara/pkg/knowledge"
	"github.com/clara-labs/clara/pkg/llm"
	"github.com/clara-labs/clara/pkg/models"
	"github.com/clara-labs/clara/pkg/prompt"
	"github.com/clara-labs/clara/pkg/publish"
	"github.com/clara-labs/clara/pkg/ratelimit"
	"github.com/clara-labs/clara/pkg/semcache"
	"github.com/clara-labs/clara/pkg/store"
	"github.com/clara-labs/clara/pkg/validate"
)

// Status is the outcome of one pipeline run.
type Status string

// Run outcomes.
const (
	// StatusPublished means the post went out.
	StatusPublished Status = "published"

	// StatusDeferred means admission rejected the cycle or the LLM driver
	// throttled it; the record stays pending and the tenant is retried by
	// the scheduler once the bucket allows.
	StatusDeferred Status = "deferred"

	// StatusFailed means the record reached the failed state.
	StatusFailed Status = "failed"

	// StatusAborted means shutdown cancelled the run; the record remains
	// in the state it last attained.
	StatusAborted Status = "aborted"
)

// Result summarizes a run for the worker's bookkeeping.
type Result struct {
	Status     Status
	PostID     string
	RetryAfter time.Duration

	// LLMCalls is the number of actual driver invocations (zero on cache
	// hits).
	LLMCalls int

	CacheOutcome semcache.Outcome
	FailureKind  models.FailureKind
	Err          error
}

// Config tunes the pipeline.
type Config struct {
	// TemplateName is the prompt template each cycle renders.
	TemplateName string

	LLMParams llm.Params

	// MaxRetries bounds retry attempts for LLM and publish calls.
	MaxRetries int

	// MaxRetryInterval caps the exponential backoff between attempts.
	MaxRetryInterval time.Duration

	// PostParkMax bounds how long a validated text may wait on the post
	// bucket before failing with quota_exceeded.
	PostParkMax time.Duration

	// DuplicateWindow is how many recent published posts feed the
	// duplication rule.
	DuplicateWindow int

	// KnowledgeResults caps retrieved context documents per cycle.
	KnowledgeResults int
}

// Pipeline executes work items. Stateless across runs; safe for concurrent
// use by multiple workers.
type Pipeline struct {
	cfg       Config
	repo      store.Repository
	limiter   *ratelimit.Coordinator
	templates *prompt.Registry
	cache     *semcache.Cache
	chain     *validate.Chain
	generator llm.Driver
	publisher publish.Driver
	know      *knowledge.Store
	clock     clock.Clock
	logger    *slog.Logger
}

// New wires a pipeline.
func New(cfg Config, repo store.Repository, limiter *ratelimit.Coordinator, templates *prompt.Registry,
	cache *semcache.Cache, chain *validate.Chain, generator llm.Driver, publisher publish.Driver,
	know *knowledge.Store, cl clock.Clock) *Pipeline {
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		repo:      repo,
		limiter:   limiter,
		templates: templates,
		cache:     cache,
		chain:     chain,
		generator: generator,
		publisher: publisher,
		know:      know,
		clock:     cl,
		logger:    slog.With("component", "pipeline"),
	}
}

// Run executes one cycle for the tenant. The caller holds the tenant claim
// and releases or records it based on the result.
func (p *Pipeline) Run(ctx context.Context, tenant *models.Tenant) Result {
	log := p.logger.With("tenant_id", tenant.ID)

	// Step 1: the record exists before any external call.
	post := &models.Post{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		Status:    models.PostStatusPending,
		CreatedAt: p.clock.Now().UTC(),
	}
	if err := p.repo.InsertPost(ctx, post); err != nil {
		return Result{Status: StatusFailed, FailureKind: models.FailureKindInternal,
			Err: fmt.Errorf("failed to create post record: %w", err)}
	}
	res := Result{PostID: post.ID}

	// Step 2: LLM admission. A deferral leaves the record pending.
	if adm := p.limiter.AdmitLLM(ctx, tenant.ID); !adm.Admit {
		log.Debug("Cycle deferred by admission", "blocked_key", adm.BlockedKey, "retry_after", adm.RetryAfter)
		res.Status = StatusDeferred
		res.RetryAfter = adm.RetryAfter
		return res
	}

	if err := p.repo.UpdatePostStatus(ctx, post.ID, models.PostStatusPending, models.PostStatusGenerating, store.PostUpdate{}); err != nil {
		return p.internalFailure(res, err)
	}

	// Step 3: optional context; degraded retrieval is never fatal.
	contextText := p.fetchContext(ctx, tenant, log)

	// Step 4: render.
	rendered, err := p.templates.Render(p.cfg.TemplateName, tenant.PersonaPrompt, map[string]string{
		"context": contextText,
	})
	if err != nil {
		var terr *prompt.TemplateError
		if errors.As(err, &terr) {
			return p.fail(ctx, res, post.ID, models.PostStatusGenerating, models.FailureKindTemplate, err)
		}
		return p.internalFailure(res, err)
	}

	// Steps 5 and 6: cache lookup, LLM on miss, identical prompts
	// coalesced.
	llmCalls := 0
	text, outcome, err := p.cache.GetOrCompute(ctx, rendered.Hash, rendered.Text, func(ctx context.Context) (string, error) {
		return p.generate(ctx, tenant.ID, rendered.Text, &llmCalls)
	})
	res.LLMCalls = llmCalls
	res.CacheOutcome = outcome
	if err != nil {
		if ctx.Err() != nil {
			return p.aborted(res, err)
		}
		if rl, ok := driver.AsRateLimit(err); ok {
			return p.deferThrottled(ctx, res, post.ID, rl.RetryAfter, log)
		}
		return p.fail(ctx, res, post.ID, models.PostStatusGenerating, models.FailureKindLLM, err)
	}

	if err := p.repo.UpdatePostStatus(ctx, post.ID, models.PostStatusGenerating, models.PostStatusValidating,
		store.PostUpdate{Text: &text}); err != nil {
		return p.internalFailure(res, err)
	}

	// Step 7: validation.
	recent, err := p.repo.RecentPublishedTexts(ctx, tenant.ID, p.cfg.DuplicateWindow)
	if err != nil {
		return p.internalFailure(res, fmt.Errorf("failed to load recent posts: %w", err))
	}
	verdict := p.chain.Run(ctx, validate.Input{Text: text, RecentTexts: recent})
	if !verdict.OK() {
		return p.fail(ctx, res, post.ID, models.PostStatusValidating, models.FailureKindValidation,
			errors.New(verdict.Failed.Reason))
	}

	// Step 8: post admission, parking the validated text up to the cap.
	if err := p.admitPost(ctx, tenant.ID, log); err != nil {
		if ctx.Err() != nil {
			return p.aborted(res, err)
		}
		return p.fail(ctx, res, post.ID, models.PostStatusValidating, models.FailureKindQuotaExceeded, err)
	}

	if err := p.repo.UpdatePostStatus(ctx, post.ID, models.PostStatusValidating, models.PostStatusPublishing, store.PostUpdate{}); err != nil {
		return p.internalFailure(res, err)
	}

	// Step 9: publish with retries; the status check keeps retries
	// idempotent.
	receipt, err := p.publishWithRetry(ctx, post.ID, tenant.Credentials, text)
	if err != nil {
		if ctx.Err() != nil {
			return p.aborted(res, err)
		}
		return p.fail(ctx, res, post.ID, models.PostStatusPublishing, models.FailureKindPublish, err)
	}

	// Step 10: published, external id, and timestamp in one write.
	publishedAt := receipt.PublishedAt.UTC()
	if err := p.repo.UpdatePostStatus(ctx, post.ID, models.PostStatusPublishing, models.PostStatusPublished,
		store.PostUpdate{ExternalID: &receipt.ExternalID, PublishedAt: &publishedAt}); err != nil {
		return p.internalFailure(res, err)
	}

	log.Info("Post published", "post_id", post.ID, "external_id", receipt.ExternalID, "cache", string(outcome))
	res.Status = StatusPublished
	return res
}

// fetchContext retrieves tenant knowledge, returning empty text on any
// degradation.
func (p *Pipeline) fetchContext(ctx context.Context, tenant *models.Tenant, log *slog.Logger) string {
	if p.know == nil || tenant.KnowledgeHandle == "" {
		return ""
	}
	max := p.cfg.KnowledgeResults
	if max <= 0 {
		max = 3
	}
	results, err := p.know.Search(ctx, tenant.KnowledgeHandle, knowledge.Query{
		Text:       tenant.PersonaPrompt,
		MaxResults: max,
	})
	if err != nil {
		log.Warn("Knowledge retrieval failed, proceeding without context", "error", err)
		return ""
	}
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Document.Text)
	}
	return strings.Join(texts, "\n")
}

// generate calls the LLM with exponential backoff on transient errors.
// Driver throttling ends the cycle instead of retrying in place: the
// tenant's per-second bucket is extended by the signaled retry_after and the
// error bubbles up so Run can defer, keeping the worker free until the
// scheduler reselects the tenant after the hint elapses.
func (p *Pipeline) generate(ctx context.Context, tenantID, promptText string, calls *int) (string, error) {
	var completion llm.Completion
	op := func() error {
		*calls++
		var err error
		completion, err = p.generator.Complete(ctx, promptText, p.cfg.LLMParams)
		if err == nil {
			return nil
		}
		if rl, ok := driver.AsRateLimit(err); ok {
			p.limiter.HoldLLMSecond(ctx, tenantID, rl.RetryAfter)
			return backoff.Permanent(err)
		}
		if driver.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, p.retryPolicy(ctx)); err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	return completion.Text, nil
}

// admitPost acquires the daily post bucket, waiting on deferrals up to
// PostParkMax in total.
func (p *Pipeline) admitPost(ctx context.Context, tenantID string, log *slog.Logger) error {
	deadline := p.clock.Now().Add(p.cfg.PostParkMax)
	for {
		adm := p.limiter.AdmitPost(ctx, tenantID)
		if adm.Admit {
			return nil
		}

		now := p.clock.Now()
		if now.Add(adm.RetryAfter).After(deadline) {
			return fmt.Errorf("daily post quota exhausted for tenant %s", tenantID)
		}
		log.Debug("Parking validated text on post bucket", "retry_after", adm.RetryAfter)

		timer := p.clock.NewTimer(adm.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// publishWithRetry posts with the same retry policy as generation. Each
// retry re-reads the record first so a post that already went out is never
// sent twice.
func (p *Pipeline) publishWithRetry(ctx context.Context, postID string, creds models.Credentials, text string) (publish.Receipt, error) {
	var receipt publish.Receipt
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			current, err := p.repo.GetPost(ctx, postID)
			if err == nil && current.Status == models.PostStatusPublished {
				receipt = publish.Receipt{ExternalID: current.ExternalID}
				return nil
			}
		}

		var err error
		receipt, err = p.publisher.Publish(ctx, creds, text)
		if err == nil {
			return nil
		}
		if errors.Is(err, publish.ErrDuplicateContent) {
			return backoff.Permanent(err)
		}
		if driver.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, p.retryPolicy(ctx)); err != nil {
		return publish.Receipt{}, fmt.Errorf("publish failed: %w", err)
	}
	return receipt, nil
}

func (p *Pipeline) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = p.cfg.MaxRetryInterval
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.cfg.MaxRetries)), ctx)
}

// deferThrottled hands the record back to pending after driver throttling.
// The per-second bucket already carries the retry_after hold, so the
// scheduler will not reselect the tenant before the hint elapses.
func (p *Pipeline) deferThrottled(ctx context.Context, res Result, postID string, retryAfter time.Duration, log *slog.Logger) Result {
	if err := p.repo.UpdatePostStatus(ctx, postID, models.PostStatusGenerating, models.PostStatusPending, store.PostUpdate{}); err != nil {
		p.logger.Error("Failed to return throttled post to pending", "post_id", postID, "error", err)
	}
	log.Debug("Cycle deferred by driver throttling", "retry_after", retryAfter)
	res.Status = StatusDeferred
	res.RetryAfter = retryAfter
	return res
}

// fail transitions the record to failed and finalizes the result. The
// transition uses the caller's known current state; a lost race is logged,
// not escalated.
func (p *Pipeline) fail(ctx context.Context, res Result, postID string, from models.PostStatus, kind models.FailureKind, cause error) Result {
	failure := &models.Failure{Kind: kind, Message: cause.Error()}
	if err := p.repo.UpdatePostStatus(ctx, postID, from, models.PostStatusFailed,
		store.PostUpdate{Failure: failure}); err != nil {
		p.logger.Error("Failed to record post failure", "post_id", postID, "error", err)
	}
	res.Status = StatusFailed
	res.FailureKind = kind
	res.Err = cause
	return res
}

func (p *Pipeline) internalFailure(res Result, err error) Result {
	res.Status = StatusFailed
	res.FailureKind = models.FailureKindInternal
	res.Err = err
	return res
}

func (p *Pipeline) aborted(res Result, err error) Result {
	res.Status = StatusAborted
	res.Err = err
	return res
}
