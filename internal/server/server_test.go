package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certpilot/internal/challenge"
	"github.com/blockadesystems/certpilot/internal/metrics"
	"github.com/blockadesystems/certpilot/internal/server"
	"github.com/blockadesystems/certpilot/internal/testutils"
)

func get(e *echo.Echo, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestChallengeRoute(t *testing.T) {
	ts := testutils.SetupTestServer(t)

	p, err := challenge.TokenPath(ts.Webroot, "tok-123")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("tok-123.thumb"), 0o644))

	rec := get(ts.Echo, "/.well-known/acme-challenge/tok-123")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok-123.thumb", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec = get(ts.Echo, "/.well-known/acme-challenge/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(ts.Echo, "/.well-known/acme-challenge/..%2F..%2Fetc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := testutils.SetupTestServer(t)
	rec := get(ts.Echo, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	ts := testutils.SetupTestServer(t)
	ts.Metrics.ObserveIssuance(metrics.OpCreate, time.Second, nil)

	rec := get(ts.Echo, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `certpilot_issuances_total{operation="create",result="success"} 1`)
}

func TestServeShutsDownWithContext(t *testing.T) {
	e := server.New(server.Dependencies{Webroot: t.TempDir()}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, e, "127.0.0.1:0", zaptest.NewLogger(t)) }()

	require.Eventually(t, func() bool { return e.ListenerAddr() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
