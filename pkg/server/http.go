package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/service"
)

const (
	headerRequestID = "X-Request-ID"
	headerCallerID  = "X-Caller-ID"
)

// HTTPConfig contains configuration for the HTTP server
type HTTPConfig struct {
	Host         string        `json:"host" yaml:"host" default:"0.0.0.0"`
	Port         string        `json:"port" yaml:"port" default:"8080" validate:"required"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" default:"30s"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" default:"30s"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" default:"60s"`
	Bounds       *BoundsConfig `json:"bounds" yaml:"bounds"`
}

// BoundsConfig contains request size bounds
type BoundsConfig struct {
	MaxBatch     int `json:"max_batch" yaml:"max_batch" default:"1000" validate:"gt=0"`
	MaxLineBytes int `json:"max_line_bytes" yaml:"max_line_bytes" default:"65536" validate:"gte=0"`
}

// HTTP serves the classifier API over gin
type HTTP struct {
	handler   *gin.Engine
	service   *service.Handler
	log       *logger.Handler
	metric    *metrics.Handler
	config    *HTTPConfig
	server    *http.Server
	isRunning bool
	mu        sync.Mutex
}

// NewHTTP creates a new HTTP server instance
func NewHTTP(config *HTTPConfig, svc *service.Handler, l *logger.Handler, m *metrics.Handler) *HTTP {
	gin.SetMode(gin.ReleaseMode)

	if config.Bounds == nil {
		config.Bounds = &BoundsConfig{
			MaxBatch:     1000,
			MaxLineBytes: 65536,
		}
	}

	server := &HTTP{
		handler: gin.New(),
		service: svc,
		log:     l,
		metric:  m,
		config:  config,
	}

	// Add global middleware
	server.handler.Use(gin.Recovery())
	server.handler.Use(server.requestIDMiddleware())
	server.handler.Use(server.loggingMiddleware())
	server.handler.Use(server.metricsMiddleware())
	server.handler.Use(server.corsMiddleware())

	server.setupRoutes()

	return server
}

// Start starts the HTTP server and blocks until it stops
func (s *HTTP) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("HTTP server is already running")
	}

	addr := fmt.Sprintf("%s:%s", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.isRunning = true
	s.mu.Unlock()

	s.log.Info().Msgf("Starting HTTP server on %s", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *HTTP) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning || s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Error().Err(err).Msg("Error during HTTP server shutdown")
		return err
	}

	s.isRunning = false
	s.log.Info().Msg("HTTP server stopped")
	return nil
}

func (s *HTTP) setupRoutes() {
	s.handler.GET("/", s.rootHandler)
	s.handler.GET("/health", s.healthHandler)
	s.handler.GET("/healthz", s.healthHandler)
	s.handler.GET("/metrics", s.metricsHandler)

	classify := s.handler.Group("/", s.rateLimitMiddleware(), s.gzipMiddleware())
	classify.POST("/parse", s.parseHandler)
	classify.POST("/batch", s.batchHandler(strategyFor["/batch"]))
	classify.POST("/batch_threads", s.batchHandler(strategyFor["/batch_threads"]))
	classify.POST("/cpu_processes", s.batchHandler(strategyFor["/cpu_processes"]))
}

func (s *HTTP) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "Log level classifier. Health at /health, metrics at /metrics.",
		"endpoints": []string{"/parse", "/batch", "/batch_threads", "/cpu_processes"},
	})
}

// healthHandler reports the store and cache state but never fails because of them
func (s *HTTP) healthHandler(c *gin.Context) {
	health := s.service.Health()
	cacheState := "active"
	if !health.CacheActive {
		cacheState = "bypassed"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"store":  health.Store.String(),
		"since":  health.Since.UTC(),
		"cache":  cacheState,
		"time":   time.Now().UTC(),
	})
}

func (s *HTTP) metricsHandler(c *gin.Context) {
	s.metric.HTTPHandler().ServeHTTP(c.Writer, c.Request)
}

// requestIDMiddleware echoes the caller's request id or assigns a new one
func (s *HTTP) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(headerRequestID, id)
		}
		c.Set(headerRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// loggingMiddleware adds request logging
func (s *HTTP) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.log.Info().
			Str("method", param.Method).
			Str("path", param.Path).
			Int("status", param.StatusCode).
			Dur("latency", param.Latency).
			Str("client_ip", param.ClientIP).
			Str("request_id", param.Request.Header.Get(headerRequestID)).
			Str("user_agent", param.Request.UserAgent()).
			Msg("HTTP Request")
		return ""
	})
}

func (s *HTTP) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metric.ObserveRequest(route, c.Writer.Status(), time.Since(start))
	}
}

// corsMiddleware adds CORS headers
func (s *HTTP) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, X-Caller-ID, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// gzipMiddleware transparently decompresses gzip request bodies
func (s *HTTP) gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || !strings.Contains(strings.ToLower(c.GetHeader("Content-Encoding")), "gzip") {
			c.Next()
			return
		}
		gz, err := gzip.NewReader(c.Request.Body)
		if err != nil {
			_ = c.Error(err)
			abortWithError(c, http.StatusBadRequest, "invalid_body", "invalid gzip body")
			return
		}
		defer gz.Close()
		c.Request.Body = struct {
			io.Reader
			io.Closer
		}{gz, c.Request.Body}
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

// rateLimitMiddleware admits requests per (route, caller) and rejects the excess with 429
func (s *HTTP) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader(headerCallerID)
		if caller == "" {
			caller = c.ClientIP()
		}

		d := s.service.Admit(c.Request.Context(), c.FullPath(), caller)
		if !d.Allowed {
			retry := int(d.RetryAfter.Round(time.Second) / time.Second)
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", fmt.Sprint(retry))
			writeError(c, errRateLimited)
			return
		}
		c.Next()
	}
}
