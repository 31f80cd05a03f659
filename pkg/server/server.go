// Package server exposes the orchestrator over a local JSON API, the bridge
// a UI collaborator talks to. Every handler delegates to the manager; no
// resolution logic lives here.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeGROOVE-dev/basedin/pkg/analyze"
	"github.com/codeGROOVE-dev/basedin/pkg/manager"
	"github.com/codeGROOVE-dev/basedin/pkg/region"
	"github.com/codeGROOVE-dev/basedin/pkg/store"
)

// Server hosts the bridge API for one Manager.
type Server struct {
	mgr    *manager.Manager
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a Server for mgr.
func New(mgr *manager.Manager, opts ...Option) *Server {
	s := &Server{mgr: mgr, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all bridge routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	api := r.Group("/api")
	{
		api.POST("/query", s.handleQuery)
		api.POST("/integrated", s.handleIntegrated)
		api.GET("/cache/:ns/stats", s.handleCacheStats)
		api.GET("/cache/:ns", s.handleCacheList)
		api.DELETE("/cache/:ns", s.handleCacheClear)
		api.DELETE("/users/:username/cache", s.handleRemoveUser)
		api.PUT("/users/:username/profile", s.handleSaveProfile)
		api.GET("/queue", s.handleQueueStatus)
		api.PUT("/queue/concurrency", s.handleSetConcurrency)
		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handleUpdateSettings)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

// ListenAndServe runs the bridge API until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("bridge API listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

type queryRequest struct {
	Username     string                `json:"username" binding:"required"`
	KeepTab      *region.KeepTabPolicy `json:"keepTabPolicy,omitempty"`
	ForceRefresh bool                  `json:"forceRefresh,omitempty"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := s.mgr.QueryRegion(c.Request.Context(), req.Username, manager.QueryOptions{
		KeepTab:      req.KeepTab,
		ForceRefresh: req.ForceRefresh,
	})
	c.JSON(statusFor(res), res)
}

type integratedRequest struct {
	Username     string                `json:"username" binding:"required"`
	KeepTab      *region.KeepTabPolicy `json:"keepTabPolicy,omitempty"`
	WantProfile  bool                  `json:"wantProfile,omitempty"`
	ForceRefresh bool                  `json:"forceRefresh,omitempty"`
}

type integratedResponse struct {
	region.Result
	ContentUpdate *manager.ContentUpdate `json:"contentUpdate,omitempty"`
}

func (s *Server) handleIntegrated(c *gin.Context) {
	var req integratedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The content update usually lands before the region result; give it a
	// short grace period afterwards so callers see seed text or a cached
	// profile without long-polling. Analysis itself continues server-side.
	updates := make(chan manager.ContentUpdate, 1)
	res := s.mgr.IntegratedQuery(c.Request.Context(), req.Username, manager.IntegratedOptions{
		KeepTab:      req.KeepTab,
		WantProfile:  req.WantProfile,
		ForceRefresh: req.ForceRefresh,
		OnContentReady: func(u manager.ContentUpdate) {
			select {
			case updates <- u:
			default:
			}
		},
	})

	out := integratedResponse{Result: res}
	select {
	case u := <-updates:
		out.ContentUpdate = &u
	case <-time.After(200 * time.Millisecond):
	}
	c.JSON(statusFor(res), out)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	ns, ok := cacheNamespace(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.mgr.CacheStats(c.Request.Context(), ns))
}

func (s *Server) handleCacheList(c *gin.Context) {
	ns, ok := cacheNamespace(c)
	if !ok {
		return
	}
	entries := s.mgr.AllCached(c.Request.Context(), ns)
	if entries == nil {
		entries = map[string]store.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleCacheClear(c *gin.Context) {
	ns, ok := cacheNamespace(c)
	if !ok {
		return
	}
	if err := s.mgr.ClearCache(c.Request.Context(), ns); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": ns})
}

func (s *Server) handleRemoveUser(c *gin.Context) {
	username := c.Param("username")
	removed := s.mgr.RemoveUser(c.Request.Context(), username)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// handleSaveProfile stores analysis tags produced by the UI collaborator,
// sanitized to the same contract as server-side analysis.
func (s *Server) handleSaveProfile(c *gin.Context) {
	var req struct {
		Profile string `json:"profile" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tags := analyze.SanitizeTags(req.Profile)
	if tags == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no usable tags"})
		return
	}
	if err := s.mgr.SaveProfile(c.Request.Context(), c.Param("username"), tags); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": tags})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.QueueStatus())
}

func (s *Server) handleSetConcurrency(c *gin.Context) {
	var req struct {
		Limit int `json:"concurrencyLimit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mgr.SetConcurrency(c.Request.Context(), req.Limit)
	c.JSON(http.StatusOK, s.mgr.QueueStatus())
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Settings(c.Request.Context()))
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var settings store.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.UpdateSettings(c.Request.Context(), settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.mgr.Settings(c.Request.Context()))
}

// cacheNamespace validates the :ns route parameter. Writes the error
// response itself when invalid.
func cacheNamespace(c *gin.Context) (string, bool) {
	ns := c.Param("ns")
	switch ns {
	case store.NSRegion, store.NSProfile:
		return ns, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown namespace: " + ns})
		return "", false
	}
}

// statusFor maps a Result to an HTTP status. Queue rejection is the one
// failure the caller is expected to retry.
func statusFor(res region.Result) int {
	if res.Success {
		return http.StatusOK
	}
	if strings.HasPrefix(res.Err, region.ErrQueueRejected.Error()) {
		return http.StatusTooManyRequests
	}
	if strings.HasPrefix(res.Err, "invalid username") {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
