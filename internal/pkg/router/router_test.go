package router

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func status(t *testing.T, app *fiber.App, req *http.Request) int {
	t.Helper()
	resp, err := app.Test(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestApiIsRateLimited(t *testing.T) {
	app := NewApp(Options{RateLimitMax: 2, Quiet: true})

	assert.Equal(t, fiber.StatusOK, status(t, app, httptest.NewRequest(http.MethodGet, "/api/", nil)))
	assert.Equal(t, fiber.StatusOK, status(t, app, httptest.NewRequest(http.MethodGet, "/api/", nil)))
	assert.Equal(t, fiber.StatusTooManyRequests, status(t, app, httptest.NewRequest(http.MethodGet, "/api/", nil)))
}

func TestApiDisabledWithoutToken(t *testing.T) {
	app := NewApp(Options{Quiet: true})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/1/plans", nil)
	req.Header.Set("X-API-Key", "anything-at-all-123")
	assert.Equal(t, fiber.StatusServiceUnavailable, status(t, app, req))
}

func TestMonitorRequiresCredentials(t *testing.T) {
	app := NewApp(Options{Quiet: true})
	assert.Equal(t, fiber.StatusNotFound, status(t, app, httptest.NewRequest(http.MethodGet, "/monitor", nil)))

	app = NewApp(Options{Quiet: true, MonitorUser: "ops", MonitorPassword: "s3cret"})
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, httptest.NewRequest(http.MethodGet, "/monitor", nil)))

	req := httptest.NewRequest(http.MethodGet, "/monitor", nil)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("ops:s3cret")))
	assert.Equal(t, fiber.StatusOK, status(t, app, req))
}

func TestMetricsUseGivenGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	app := NewApp(Options{Gatherer: reg, Quiet: true})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "router_test_total 1")
}
