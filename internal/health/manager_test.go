package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func staticChecker(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{
			Component: name,
			Critical:  critical,
			Status:    status,
			Timestamp: time.Now(),
		}
	})
}

func startedManager(t *testing.T, checkers ...Checker) *Manager {
	t.Helper()
	m := NewManager(zap.NewNop())
	for _, c := range checkers {
		require.NoError(t, m.RegisterChecker(c))
	}
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestRegisterChecker(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("a", false, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("a", false, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("", false, StatusHealthy)))
}

func TestOverallHealthAggregation(t *testing.T) {
	ctx := context.Background()

	m := startedManager(t,
		staticChecker("ok", true, StatusHealthy),
		staticChecker("meh", false, StatusDegraded),
	)
	overall := m.GetOverallHealth(ctx)
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, m.IsLive(ctx))

	m2 := startedManager(t,
		staticChecker("ok", false, StatusHealthy),
		staticChecker("broken", true, StatusUnhealthy),
	)
	overall = m2.GetOverallHealth(ctx)
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.False(t, m2.IsReady(ctx))

	// A non-critical failure only degrades.
	m3 := startedManager(t,
		staticChecker("broken", false, StatusUnhealthy),
	)
	overall = m3.GetOverallHealth(ctx)
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestDetailedHealth(t *testing.T) {
	m := startedManager(t,
		staticChecker("a", false, StatusHealthy),
		staticChecker("b", false, StatusHealthy),
	)
	detailed := m.GetDetailedHealth(context.Background())
	assert.Len(t, detailed.Components, 2)
	assert.Contains(t, detailed.Components, "a")
	assert.Contains(t, detailed.Components, "b")
}

func TestRedisHealthChecker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	checker := NewRedisHealthChecker(client, zap.NewNop())
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.True(t, checker.IsCritical())

	mr.Close()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestHTTPEndpoints(t *testing.T) {
	m := startedManager(t, staticChecker("ok", true, StatusHealthy))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/health", "/health/detailed", "/readiness", "/liveness"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	bad := startedManager(t, staticChecker("broken", true, StatusUnhealthy))
	badMux := http.NewServeMux()
	NewHTTPHandler(bad, zap.NewNop()).RegisterRoutes(badMux)
	badSrv := httptest.NewServer(badMux)
	t.Cleanup(badSrv.Close)

	resp, err := http.Get(badSrv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(badSrv.URL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
