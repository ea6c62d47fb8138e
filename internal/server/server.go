// Package server exposes the HTTP surface of the daemon: HTTP-01 challenge
// responses, a health check and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/challenge"
	"github.com/blockadesystems/certpilot/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Dependencies are the services the routes read from.
type Dependencies struct {
	// Webroot is where the HTTP-01 handler writes tokens.
	Webroot  string
	Store    storage.Storage
	Gatherer prometheus.Gatherer
}

// ApplyCommonMiddleware installs recovery, request ids and a per-request
// logger stored under "logger".
func ApplyCommonMiddleware(e *echo.Echo, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.Set("logger", baseLogger.With(zap.String("request_id", reqID)))
			return next(c)
		}
	})
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			baseLogger.Debug("request",
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
}

// SetupRouter registers every route on e.
func SetupRouter(e *echo.Echo, deps Dependencies) {
	e.GET("/.well-known/acme-challenge/:token", challengeHandler(deps.Webroot))
	e.GET("/health", healthHandler(deps.Store))
	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

// New returns an Echo instance with middleware and routes applied.
func New(deps Dependencies, logger *zap.Logger) *echo.Echo {
	if logger == nil {
		logger = zap.L()
	}
	e := echo.New()
	ApplyCommonMiddleware(e, logger.With(zap.String("package", "server")))
	SetupRouter(e, deps)
	return e
}

func requestLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l
	}
	return zap.L()
}

// challengeHandler serves key authorizations written by the HTTP-01 handler.
func challengeHandler(webroot string) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Param("token")
		p, err := challenge.TokenPath(webroot, token)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		if err != nil {
			requestLogger(c).Error("Failed to read challenge token", zap.String("token", token), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		requestLogger(c).Info("Served HTTP-01 challenge", zap.String("token", token))
		return c.Blob(http.StatusOK, "text/plain", data)
	}
}

func healthHandler(store storage.Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		if store != nil {
			if _, err := store.ListCertificates(c.Request().Context(), storage.CertificateFilter{Limit: 1}); err != nil {
				requestLogger(c).Error("Health check failed", zap.Error(err))
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Serve runs e on addr until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, e *echo.Echo, addr string, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Shutting down HTTP server")
	return e.Shutdown(shutdownCtx)
}
