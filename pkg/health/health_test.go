package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// MockHealthCheck implements HealthCheck interface for testing
type MockHealthCheck struct {
	name    string
	err     error
	checked bool
}

func (m *MockHealthCheck) Check(ctx context.Context) error {
	m.checked = true
	return m.err
}

func (m *MockHealthCheck) Name() string {
	return m.name
}

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker()
	assert.NotNil(t, hc)
	assert.Empty(t, hc.checks)
}

func TestHealthChecker_Register(t *testing.T) {
	hc := NewHealthChecker()
	check := &MockHealthCheck{name: "test"}

	hc.Register(check)
	assert.Len(t, hc.checks, 1)
}

func TestHealthChecker_Check(t *testing.T) {
	hc := NewHealthChecker()
	up := &MockHealthCheck{name: "store"}
	down := &MockHealthCheck{name: "cache", err: errors.New("connection refused")}

	hc.Register(up)
	hc.Register(down)

	results := hc.Check(context.Background())

	assert.True(t, up.checked)
	assert.True(t, down.checked)
	assert.NoError(t, results["store"])
	assert.Error(t, results["cache"])
}
