// Package lifecycle provides resource management and cleanup patterns for the
// dayops engine: background samplers, metrics servers, and store connections
// all start and stop through the Manager.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// stopTimeout bounds the shutdown of a single resource.
const stopTimeout = 30 * time.Second

// Resource is a component the manager owns end to end.
type Resource interface {
	// Name returns a unique identifier for the resource.
	Name() string
	// Start initializes the resource.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the resource.
	Stop(ctx context.Context) error
	// Health returns the current health status.
	Health() error
}

// Manager starts registered resources in dependency order and stops them in
// the reverse of the order they actually started.
type Manager struct {
	mu           sync.RWMutex
	resources    map[string]Resource
	dependencies map[string][]string
	started      []string // names in actual start order

	log         *zap.Logger
	shutdownCtx context.Context
	cancel      context.CancelFunc
	cleanups    sync.WaitGroup
}

// NewManager creates an empty lifecycle manager.
func NewManager(log *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		resources:    make(map[string]Resource),
		dependencies: make(map[string][]string),
		log:          log,
		shutdownCtx:  ctx,
		cancel:       cancel,
	}
}

// Register adds a resource. Dependencies name resources that must start
// first; they may be registered in any order before Start.
func (m *Manager) Register(resource Resource, dependencies ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := resource.Name()
	if _, exists := m.resources[name]; exists {
		return fmt.Errorf("resource %s already registered", name)
	}
	m.resources[name] = resource
	m.dependencies[name] = dependencies
	return nil
}

// Start launches every registered resource in dependency order. On the first
// failure, resources already started are stopped again in reverse order and
// the failure is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.startupOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		m.log.Info("Starting resource", zap.String("resource", name))
		if err := m.resources[name].Start(ctx); err != nil {
			m.log.Error("Failed to start resource", zap.String("resource", name), zap.Error(err))
			m.stopStarted()
			return fmt.Errorf("failed to start resource %s: %w", name, err)
		}
		m.started = append(m.started, name)
	}

	m.log.Info("All resources started", zap.Int("count", len(m.started)))
	return nil
}

// Stop shuts down the started resources in reverse start order, then waits
// for scheduled cleanups, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancel()

	for i := len(m.started) - 1; i >= 0; i-- {
		name := m.started[i]
		m.log.Info("Stopping resource", zap.String("resource", name))

		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := m.resources[name].Stop(stopCtx); err != nil {
			m.log.Error("Failed to stop resource", zap.String("resource", name), zap.Error(err))
		}
		cancel()
	}
	m.started = nil

	done := make(chan struct{})
	go func() {
		m.cleanups.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("All resources stopped")
		return nil
	case <-ctx.Done():
		m.log.Warn("Shutdown timeout exceeded")
		return ctx.Err()
	}
}

// Health reports the health of every registered resource.
func (m *Manager) Health() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := make(map[string]error, len(m.resources))
	for name, resource := range m.resources {
		health[name] = resource.Health()
	}
	return health
}

// ScheduleCleanup runs cleanup once shutdown begins; Stop waits for it.
func (m *Manager) ScheduleCleanup(name string, cleanup func() error) {
	m.cleanups.Add(1)
	go func() {
		defer m.cleanups.Done()
		<-m.shutdownCtx.Done()
		if err := cleanup(); err != nil {
			m.log.Error("Cleanup failed", zap.String("name", name), zap.Error(err))
			return
		}
		m.log.Debug("Cleanup completed", zap.String("name", name))
	}()
}

// ShutdownContext is cancelled when Stop begins.
func (m *Manager) ShutdownContext() context.Context {
	return m.shutdownCtx
}

// startupOrder resolves the dependency DAG into a deterministic start order.
func (m *Manager) startupOrder() ([]string, error) {
	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(names))
	order := make([]string, 0, len(names))

	var visit func(string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("circular dependency involving resource %s", name)
		}
		state[name] = visiting
		for _, dep := range m.dependencies[name] {
			if _, exists := m.resources[dep]; !exists {
				return fmt.Errorf("dependency %s not found for resource %s", dep, name)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// stopStarted unwinds a partial startup. Callers hold the lock.
func (m *Manager) stopStarted() {
	for i := len(m.started) - 1; i >= 0; i-- {
		name := m.started[i]
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := m.resources[name].Stop(ctx); err != nil {
			m.log.Error("Failed to stop resource during unwind",
				zap.String("resource", name), zap.Error(err))
		}
		cancel()
	}
	m.started = nil
}
