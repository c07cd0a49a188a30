package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/clara-labs/clara/pkg/driver"
	"github.com/clara-labs/clara/pkg/models"
)

// XConfig holds X API v2 client settings.
type XConfig struct {
	// BaseURL of the API; override for tests.
	BaseURL string
	Timeout time.Duration

	// BreakerFailures consecutive failures open the circuit for
	// BreakerCooldown. While open, calls fail fast as retryable.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// XClient implements Driver against the X API v2 posting endpoints. A single
// circuit breaker guards the backend across all tenants; credentials are
// applied per call.
type XClient struct {
	cfg     XConfig
	base    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewXClient builds the client.
func NewXClient(cfg XConfig) *XClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.x.com"
	}
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}

	settings := gobreaker.Settings{
		Name:    "x-api",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Posting circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &XClient{
		cfg:     cfg,
		base:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  slog.With("component", "publish"),
	}
}

// client returns an HTTP client authenticating as the tenant.
func (x *XClient) client(ctx context.Context, creds models.Credentials) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken})
	ctx = context.WithValue(ctx, oauth2.HTTPClient, x.base)
	return oauth2.NewClient(ctx, src)
}

type tweetRequest struct {
	Text string `json:"text"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Publish implements Driver.
func (x *XClient) Publish(ctx context.Context, creds models.Credentials, text string) (Receipt, error) {
	if creds.Empty() {
		return Receipt{}, fmt.Errorf("publish: tenant has no credentials")
	}

	body, err := json.Marshal(tweetRequest{Text: text})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode post request: %w", err)
	}

	v, err := x.breaker.Execute(func() (any, error) {
		return x.doPublish(ctx, creds, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Receipt{}, driver.Retryable(fmt.Errorf("posting backend circuit open: %w", err))
		}
		return Receipt{}, err
	}
	return v.(Receipt), nil
}

func (x *XClient) doPublish(ctx context.Context, creds models.Credentials, body []byte) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.cfg.BaseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client(ctx, creds).Do(req)
	if err != nil {
		return Receipt{}, driver.Retryable(fmt.Errorf("posting request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var tr tweetResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return Receipt{}, fmt.Errorf("failed to decode post response: %w", err)
		}
		return Receipt{ExternalID: tr.Data.ID, PublishedAt: time.Now().UTC()}, nil
	}

	return Receipt{}, x.statusError(resp)
}

// statusError maps an error response onto the driver taxonomy.
func (x *XClient) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ae apiError
	_ = json.Unmarshal(raw, &ae)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("posting throttled: %w", &driver.RateLimitError{
			RetryAfter: retryAfter(resp),
		})
	case resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(ae.Detail), "duplicate"):
		return ErrDuplicateContent
	case resp.StatusCode >= 500:
		return driver.Retryable(fmt.Errorf("posting backend error %d: %s", resp.StatusCode, ae.Title))
	default:
		return fmt.Errorf("posting rejected with status %d: %s", resp.StatusCode, ae.Detail)
	}
}

// retryAfter parses the Retry-After header, zero when absent or malformed.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Delete implements Driver.
func (x *XClient) Delete(ctx context.Context, creds models.Credentials, externalID string) error {
	if creds.Empty() {
		return fmt.Errorf("publish: tenant has no credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, x.cfg.BaseURL+"/2/tweets/"+externalID, nil)
	if err != nil {
		return err
	}

	resp, err := x.client(ctx, creds).Do(req)
	if err != nil {
		return driver.Retryable(fmt.Errorf("delete request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return x.statusError(resp)
	}
	x.logger.Info("Deleted post", "external_id", externalID)
	return nil
}
