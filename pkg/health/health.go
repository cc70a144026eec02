package health

import (
	"context"
	"database/sql"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Status represents the health status
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// HealthCheck represents a health check
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker manages health checks
type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

// Register adds a new health check
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]error)
	for _, check := range hc.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// DatabaseHealthCheck checks database connectivity
type DatabaseHealthCheck struct {
	name string
	db   *sql.DB
}

func NewDatabaseHealthCheck(name string, db *sql.DB) *DatabaseHealthCheck {
	return &DatabaseHealthCheck{name: name, db: db}
}

func (d *DatabaseHealthCheck) Check(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseHealthCheck) Name() string {
	return d.name
}

// RedisHealthCheck checks Redis connectivity
type RedisHealthCheck struct {
	name   string
	client redis.UniversalClient
}

func NewRedisHealthCheck(name string, client redis.UniversalClient) *RedisHealthCheck {
	return &RedisHealthCheck{name: name, client: client}
}

func (r *RedisHealthCheck) Check(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisHealthCheck) Name() string {
	return r.name
}
