package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/cyderes/ingest-pipeline/internal/config"
	"github.com/cyderes/ingest-pipeline/internal/metrics"
	"github.com/cyderes/ingest-pipeline/internal/models"
	"github.com/cyderes/ingest-pipeline/internal/state"
)

// Pipeline is the view of the ingestion service the server reports on.
type Pipeline interface {
	Status() models.IngestionStatus
	LastReport() (models.RunReport, bool)
	Checkpoint(ctx context.Context) *state.Checkpoint
	Metrics() *metrics.Collector
}

// Pinger checks the relational sink.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server handles HTTP requests
type Server struct {
	pipeline Pipeline
	db       Pinger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, otelCfg config.OTelConfig, pipeline Pipeline, db Pinger) *Server {
	s := &Server{pipeline: pipeline, db: db}

	router := gin.New()
	if otelCfg.Enabled() {
		router.Use(otelgin.Middleware(otelCfg.ServiceName))
	}
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/checkpoint", s.handleCheckpoint)
	s.router = router

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth reports unhealthy while the database cannot be reached.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"ingestion": s.pipeline.Status(),
		"metrics":   s.pipeline.Metrics().Snapshot(),
	}
	if report, ok := s.pipeline.LastReport(); ok {
		resp["last_run"] = report
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCheckpoint(c *gin.Context) {
	cp := s.pipeline.Checkpoint(c.Request.Context())

	sources := make(map[string]string)
	for id, t := range cp.Sources() {
		sources[id] = t.UTC().Format(time.RFC3339)
	}
	resp := gin.H{
		"processed_count":        cp.ProcessedCount(),
		"per_source_last_update": sources,
	}
	if run, ok := cp.LastRun(); ok {
		resp["last_run"] = run
	}
	c.JSON(http.StatusOK, resp)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
