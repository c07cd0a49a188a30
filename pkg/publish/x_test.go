package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-labs/clara/pkg/driver"
	"github.com/clara-labs/clara/pkg/models"
)

var testCreds = models.Credentials{
	APIKey:      "key",
	AccessToken: "token",
}

func newTestClient(handler http.HandlerFunc) (*XClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewXClient(XConfig{
		BaseURL:         srv.URL,
		Timeout:         5 * time.Second,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	})
	return client, srv
}

func TestPublishSuccess(t *testing.T) {
	var gotAuth string
	var gotBody tweetRequest
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/2/tweets", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1234567890"}}`))
	})
	defer srv.Close()

	receipt, err := client.Publish(context.Background(), testCreds, "hello world")
	require.NoError(t, err)
	assert.Equal(t, "1234567890", receipt.ExternalID)
	assert.False(t, receipt.PublishedAt.IsZero())
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "hello world", gotBody.Text)
}

func TestPublishRateLimited(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	_, err := client.Publish(context.Background(), testCreds, "text")
	require.Error(t, err)

	rl, ok := driver.AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, rl.RetryAfter)
}

func TestPublishDuplicateContent(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"title":"Forbidden","detail":"You are not allowed to create a Tweet with duplicate content."}`))
	})
	defer srv.Close()

	_, err := client.Publish(context.Background(), testCreds, "text")
	assert.ErrorIs(t, err, ErrDuplicateContent)
	assert.False(t, driver.IsRetryable(err))
}

func TestPublishServerErrorIsRetryable(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	_, err := client.Publish(context.Background(), testCreds, "text")
	require.Error(t, err)
	assert.True(t, driver.IsRetryable(err))
}

func TestPublishBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	client, srv := newTestClient(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Publish(ctx, testCreds, "text")
		require.Error(t, err)
	}
	require.Equal(t, 3, calls)

	// Circuit is open: the backend is not touched and the error is
	// retryable so the pipeline backs off rather than failing the post.
	_, err := client.Publish(ctx, testCreds, "text")
	require.Error(t, err)
	assert.True(t, driver.IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestPublishRequiresCredentials(t *testing.T) {
	client := NewXClient(XConfig{})
	_, err := client.Publish(context.Background(), models.Credentials{}, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestDelete(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/2/tweets/42", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"deleted":true}}`))
	})
	defer srv.Close()

	err := client.Delete(context.Background(), testCreds, "42")
	assert.NoError(t, err)
}
