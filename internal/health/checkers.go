package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/connmgr"
)

// RedisHealthChecker checks Redis connectivity.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker.
func NewRedisHealthChecker(client redis.UniversalClient, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		client:  client,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "redis",
		Critical:  true,
		Timestamp: startTime,
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// ConnectionHealthChecker reports whether the connection manager currently
// holds a registered connection id. Without one, locally submitted presence
// cannot be claimed and the janitor is not running.
type ConnectionHealthChecker struct {
	manager *connmgr.Manager
	timeout time.Duration
}

// NewConnectionHealthChecker creates a connection manager health checker.
func NewConnectionHealthChecker(manager *connmgr.Manager) *ConnectionHealthChecker {
	return &ConnectionHealthChecker{
		manager: manager,
		timeout: time.Second,
	}
}

func (c *ConnectionHealthChecker) Name() string           { return "connection" }
func (c *ConnectionHealthChecker) IsCritical() bool       { return false }
func (c *ConnectionHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *ConnectionHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "connection",
		Timestamp: startTime,
	}
	id, ok := c.manager.ConnectionID()
	result.Duration = time.Since(startTime)
	if !ok {
		result.Status = StatusDegraded
		result.Message = "no registered Redis connection id"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "connection registered"
	result.Details = map[string]interface{}{"connection_id": id}
	return result
}

// CustomHealthChecker allows for custom health check logic.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker.
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
