package health

import (
	"context"
	"fmt"
	"time"

	"github.com/Kocoro-lab/research-copilot/internal/circuitbreaker"
)

// Pinger is anything that can report reachability: the artifact store, an
// LLM provider, a sqlx handle.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisHealthChecker checks the session mirror through its circuit breaker.
type RedisHealthChecker struct {
	wrapper  *circuitbreaker.RedisWrapper
	critical bool
	timeout  time.Duration
}

// NewRedisHealthChecker reports degraded, not unhealthy, while the breaker
// is open: the session manager keeps serving from memory.
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, timeout: 2 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return r.critical }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper == nil {
		return CheckResult{Status: StatusHealthy, Message: "redis mirror not configured"}
	}
	if r.wrapper.IsOpen() {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "circuit breaker open",
			Details: map[string]interface{}{"circuit_breaker": "open"},
		}
	}
	if err := r.wrapper.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "redis ping failed", Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "redis reachable"}
}

// PingChecker wraps any Pinger.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
	timeout  time.Duration
}

// NewDatabaseHealthChecker checks the artifact database; artifacts cannot
// be stored without it, so it is critical.
func NewDatabaseHealthChecker(db Pinger) *PingChecker {
	return &PingChecker{name: "database", target: db, critical: true, timeout: 3 * time.Second}
}

// NewLLMProviderHealthChecker checks the primary provider. A provider outage
// is survivable through fallback, so it is not critical.
func NewLLMProviderHealthChecker(provider string, p Pinger) *PingChecker {
	return &PingChecker{name: "llm_" + provider, target: p, timeout: 5 * time.Second}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	if err := p.target.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("%s unreachable", p.name), Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%s reachable", p.name)}
}

// CustomHealthChecker runs an arbitrary function.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) error
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) error) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	if err := c.checkFn(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "check passed"}
}
