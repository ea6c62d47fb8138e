package testutils

import (
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certpilot/internal/metrics"
	"github.com/blockadesystems/certpilot/internal/server"
	"github.com/blockadesystems/certpilot/internal/storage"
)

// TestServer bundles an Echo instance with the state behind its routes.
type TestServer struct {
	Echo     *echo.Echo
	Webroot  string
	Store    *storage.MemoryStorage
	Registry *prometheus.Registry
	Metrics  *metrics.Collector
}

// SetupTestServer builds the daemon's HTTP surface over in-memory storage and
// a temporary webroot.
func SetupTestServer(t *testing.T) *TestServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	ts := &TestServer{
		Webroot:  t.TempDir(),
		Store:    storage.NewMemoryStorage(),
		Registry: reg,
		Metrics:  metrics.New(reg),
	}
	ts.Echo = server.New(server.Dependencies{
		Webroot:  ts.Webroot,
		Store:    ts.Store,
		Gatherer: reg,
	}, zaptest.NewLogger(t))
	return ts
}
