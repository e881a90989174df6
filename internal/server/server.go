// Package server exposes the operational HTTP API: health probes, limit and
// allowlist introspection, receipt lookup, and Prometheus metrics. Payments
// themselves flow through the MCP tools, not this surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/payrail/internal/config"
	"github.com/mbd888/payrail/internal/metrics"
	"github.com/mbd888/payrail/internal/noncepool"
	"github.com/mbd888/payrail/internal/receipts"
	"github.com/mbd888/payrail/internal/security"
)

// Deps are the already-constructed collaborators the API reads from.
type Deps struct {
	Guard    *security.Guard
	Receipts *receipts.Service
	Nonces   *noncepool.Manager
	Chain    noncepool.ChainReader
	Account  common.Address
	Logger   *slog.Logger
}

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg     *config.Config
	deps    Deps
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	ready atomic.Bool
}

// New creates a new server instance.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		switch {
		case status >= 500:
			s.logger.Error("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			s.logger.Warn("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
			)
		default:
			s.logger.Info("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		v1.GET("/limits", s.limitsHandler)
		v1.GET("/limits/:token/allowance", s.allowanceHandler)
		v1.GET("/allowlist", s.allowlistHandler)
		v1.GET("/receipts/:id", s.receiptHandler)
		v1.GET("/receipts/:id/verify", s.verifyReceiptHandler)
		v1.GET("/receipts", s.listReceiptsHandler)
		v1.GET("/nonces/pending", s.pendingNoncesHandler)
		v1.POST("/nonces/sync", s.syncNoncesHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.deps.Chain.PendingNonceAt(ctx, s.deps.Account); err != nil {
		checks["rpc"] = "unhealthy"
	} else {
		checks["rpc"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) limitsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"day":    time.Now().UTC().Format("2006-01-02"),
		"tokens": s.deps.Guard.Limits(),
	})
}

func (s *Server) allowanceHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Guard.Allowance(c.Param("token")))
}

func (s *Server) allowlistHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":    s.deps.Guard.AllowlistMode(),
		"entries": s.deps.Guard.AllowlistEntries(),
	})
}

func (s *Server) receiptHandler(c *gin.Context) {
	r, err := s.deps.Receipts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) verifyReceiptHandler(c *gin.Context) {
	resp, err := s.deps.Receipts.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification_failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listReceiptsHandler(c *gin.Context) {
	if ref := c.Query("reference"); ref != "" {
		list, err := s.deps.Receipts.ListByReference(c.Request.Context(), ref)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"receipts": list})
		return
	}

	addr := c.Query("address")
	if addr == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "address or reference query parameter is required",
		})
		return
	}
	list, err := s.deps.Receipts.ListByAddress(c.Request.Context(), addr, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": list})
}

func (s *Server) pendingNoncesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"account": s.deps.Account.Hex(),
		"pending": s.deps.Nonces.PendingNonces(s.deps.Account),
	})
}

func (s *Server) syncNoncesHandler(c *gin.Context) {
	seed, err := s.deps.Nonces.SyncWithChain(c.Request.Context(), s.deps.Account)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync_failed", "message": err.Error()})
		return
	}
	metrics.NonceResyncsTotal.Inc()
	c.JSON(http.StatusOK, gin.H{
		"account": s.deps.Account.Hex(),
		"nonce":   seed,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until a shutdown signal or context
// cancellation.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting ops server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
