// Package api exposes search, answering and ingestion over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"crate-rag/internal/ingest"
	"crate-rag/internal/llmservice"
	"crate-rag/internal/models"
	"crate-rag/internal/rag"
)

// maxDocumentsPerRequest bounds one ingestion request.
const maxDocumentsPerRequest = 10000

type Server struct {
	engine   *rag.Engine
	pipeline *ingest.Pipeline
	store    models.VectorStore
	router   *gin.Engine
}

func NewServer(engine *rag.Engine, pipeline *ingest.Pipeline, store models.VectorStore) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{engine: engine, pipeline: pipeline, store: store, router: router}
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.RegisterRoutes(router.Group("/v1"))
	return s
}

func (s *Server) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/search", s.handleSearch)
	group.POST("/answer", s.handleAnswer)

	packages := group.Group("/packages")
	packages.GET("", s.handleStats)
	packages.GET("/:name/documents", s.handleDocuments)
	packages.POST("/:name/documents", s.handleIngest)
	packages.POST("/:name/backfill", s.handleBackfill)
	packages.DELETE("/:name", s.handleDeletePackage)
	packages.DELETE("/:name/documents/*path", s.handleDeleteDocument)
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var pe *models.ProviderError
	var se *models.StoreError
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case models.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.As(err, &se):
		return http.StatusServiceUnavailable
	case errors.Is(err, llmservice.ErrNoChatModel):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// limitParam reads an optional non-negative integer; absent means zero.
func limitParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.NewValidationError("limit", "must be an integer")
	}
	return n, nil
}

func (s *Server) handleSearch(c *gin.Context) {
	k, err := limitParam(c.Query("limit"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	results, err := s.engine.Search(c.Request.Context(), c.Query("q"), c.Query("package"), k)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type answerRequest struct {
	Query   string `json:"query"`
	Package string `json:"package"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, models.NewValidationError("body", err.Error()))
		return
	}
	resp, err := s.engine.Answer(c.Request.Context(), req.Query, req.Package, req.Limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type ingestRequest struct {
	Version   string            `json:"version"`
	Documents []models.Document `json:"documents"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, models.NewValidationError("body", err.Error()))
		return
	}
	if len(req.Documents) > maxDocumentsPerRequest {
		abortWithError(c, models.NewValidationError("documents", "too many documents in one request"))
		return
	}
	report, err := s.pipeline.IngestVersion(c.Request.Context(), c.Param("name"), req.Version, req.Documents)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleBackfill(c *gin.Context) {
	n, err := s.pipeline.Backfill(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"package": c.Param("name"), "embedded": n})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": stats})
}

func (s *Server) handleDocuments(c *gin.Context) {
	docs, err := s.store.Documents(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"package": c.Param("name"), "documents": docs})
}

func (s *Server) handleDeletePackage(c *gin.Context) {
	if err := s.store.DeletePackage(c.Request.Context(), c.Param("name")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if path == "" {
		abortWithError(c, models.NewValidationError("path", "must not be empty"))
		return
	}
	if err := s.store.DeleteDocument(c.Request.Context(), c.Param("name"), path); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
