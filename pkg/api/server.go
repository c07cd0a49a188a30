// Package api exposes the operator surface: health, status, metrics, and
// tenant/post management endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clara-labs/clara/pkg/engine"
	"github.com/clara-labs/clara/pkg/metrics"
	"github.com/clara-labs/clara/pkg/models"
	"github.com/clara-labs/clara/pkg/publish"
	"github.com/clara-labs/clara/pkg/store"
)

// StatusProvider supplies the engine health document.
type StatusProvider interface {
	Status(ctx context.Context) engine.Status
}

// Server is the HTTP operator surface.
type Server struct {
	eng       StatusProvider
	repo      store.Repository
	publisher publish.Driver
	metrics   *metrics.Metrics

	httpServer *http.Server
}

// NewServer wires the routes.
func NewServer(eng StatusProvider, repo store.Repository, publisher publish.Driver, m *metrics.Metrics) *Server {
	return &Server{eng: eng, repo: repo, publisher: publisher, metrics: m}
}

// Router builds the gin engine; exposed for tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Health)
	r.GET("/status", s.Status)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/tenants", s.ListTenants)
		v1.GET("/tenants/:id", s.GetTenant)
		v1.PUT("/tenants/:id", s.UpsertTenant)
		v1.GET("/posts/:id", s.GetPost)
		v1.DELETE("/posts/:id", s.DeletePost)
	}
	return r
}

// Start serves until Shutdown. Blocking.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Health reports liveness: repository reachability plus engine state.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Status returns the engine health document.
func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Status(c.Request.Context()))
}

// ListTenants handles GET /api/v1/tenants.
func (s *Server) ListTenants(c *gin.Context) {
	tenants, err := s.repo.ListTenants(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants})
}

// GetTenant handles GET /api/v1/tenants/:id.
func (s *Server) GetTenant(c *gin.Context) {
	t, err := s.repo.GetTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpsertTenantRequest is the PUT /api/v1/tenants/:id body.
type UpsertTenantRequest struct {
	DisplayName     string             `json:"display_name" binding:"required"`
	PersonaPrompt   string             `json:"persona_prompt" binding:"required"`
	PostingHours    []int              `json:"posting_hours" binding:"required"`
	Timezone        string             `json:"timezone" binding:"required"`
	Credentials     models.Credentials `json:"credentials"`
	KnowledgeHandle string             `json:"knowledge_handle"`
	Active          bool               `json:"active"`
}

// UpsertTenant handles PUT /api/v1/tenants/:id. Changes become effective on
// the next registry reconciliation.
func (s *Server) UpsertTenant(c *gin.Context) {
	var req UpsertTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, h := range req.PostingHours {
		if h < 0 || h > 23 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "posting_hours values must be 0..23"})
			return
		}
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timezone"})
		return
	}

	tenant := &models.Tenant{
		ID:              c.Param("id"),
		DisplayName:     req.DisplayName,
		PersonaPrompt:   req.PersonaPrompt,
		PostingHours:    req.PostingHours,
		Timezone:        req.Timezone,
		Credentials:     req.Credentials,
		KnowledgeHandle: req.KnowledgeHandle,
		Active:          req.Active,
	}
	if err := s.repo.UpsertTenant(c.Request.Context(), tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// GetPost handles GET /api/v1/posts/:id.
func (s *Server) GetPost(c *gin.Context) {
	p, err := s.repo.GetPost(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

// DeletePost handles DELETE /api/v1/posts/:id: operator removal of a
// published post from the backend. The local record is kept for audit.
func (s *Server) DeletePost(c *gin.Context) {
	ctx := c.Request.Context()

	p, err := s.repo.GetPost(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p.Status != models.PostStatusPublished || p.ExternalID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "post is not published"})
		return
	}

	tenant, err := s.repo.GetTenant(ctx, p.TenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.publisher.Delete(ctx, tenant.Credentials, p.ExternalID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": p.ExternalID})
}
