package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-labs/clara/pkg/engine"
	"github.com/clara-labs/clara/pkg/metrics"
	"github.com/clara-labs/clara/pkg/models"
	"github.com/clara-labs/clara/pkg/publish"
	"github.com/clara-labs/clara/pkg/store"
)

type fakeStatus struct{}

func (fakeStatus) Status(context.Context) engine.Status {
	return engine.Status{
		State:           engine.StateRunning,
		ActiveTenants:   2,
		BucketRemaining: map[string]float64{"llm:day:global": 950},
	}
}

func newTestServer(t *testing.T) (*Server, *store.Memory, *publish.Fake) {
	repo := store.NewMemory()
	publisher := &publish.Fake{}
	srv := NewServer(fakeStatus{}, repo, publisher, metrics.New())
	return srv, repo, publisher
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st engine.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, engine.StateRunning, st.State)
	assert.Equal(t, 2, st.ActiveTenants)
	assert.Equal(t, 950.0, st.BucketRemaining["llm:day:global"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTenantCRUD(t *testing.T) {
	srv, repo, _ := newTestServer(t)

	w := do(t, srv, http.MethodPut, "/api/v1/tenants/acme", `{
		"display_name": "Acme",
		"persona_prompt": "You are Acme.",
		"posting_hours": [9, 18],
		"timezone": "Europe/Berlin",
		"active": true
	}`)
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := repo.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", stored.DisplayName)
	assert.True(t, stored.Active)

	w = do(t, srv, http.MethodGet, "/api/v1/tenants/acme", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/v1/tenants/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodGet, "/api/v1/tenants", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acme")
}

func TestUpsertTenantValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodPut, "/api/v1/tenants/acme", `{
		"display_name": "Acme",
		"persona_prompt": "p",
		"posting_hours": [25],
		"timezone": "UTC",
		"active": true
	}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPut, "/api/v1/tenants/acme", `{
		"display_name": "Acme",
		"persona_prompt": "p",
		"posting_hours": [9],
		"timezone": "Mars/Olympus",
		"active": true
	}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeletePost(t *testing.T) {
	srv, repo, publisher := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertTenant(ctx, &models.Tenant{
		ID: "acme", DisplayName: "Acme", Timezone: "UTC",
		Credentials: models.Credentials{APIKey: "k", AccessToken: "t"},
	}))
	require.NoError(t, repo.InsertPost(ctx, &models.Post{
		ID: "p1", TenantID: "acme", Status: models.PostStatusPending, CreatedAt: time.Now().UTC(),
	}))

	// Pending posts cannot be deleted from the backend.
	w := do(t, srv, http.MethodDelete, "/api/v1/posts/p1", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	text := "live post"
	extID := "ext-9"
	require.NoError(t, repo.UpdatePostStatus(ctx, "p1", models.PostStatusPending, models.PostStatusGenerating, store.PostUpdate{}))
	require.NoError(t, repo.UpdatePostStatus(ctx, "p1", models.PostStatusGenerating, models.PostStatusValidating, store.PostUpdate{Text: &text}))
	require.NoError(t, repo.UpdatePostStatus(ctx, "p1", models.PostStatusValidating, models.PostStatusPublishing, store.PostUpdate{}))
	require.NoError(t, repo.UpdatePostStatus(ctx, "p1", models.PostStatusPublishing, models.PostStatusPublished, store.PostUpdate{ExternalID: &extID}))

	w = do(t, srv, http.MethodDelete, "/api/v1/posts/p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ext-9"}, publisher.Deleted())

	w = do(t, srv, http.MethodDelete, "/api/v1/posts/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
