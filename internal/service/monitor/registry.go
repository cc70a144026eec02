package monitor

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/bankcore/dayops/pkg/metrics"
)

// historyLimit bounds the per-operation sample history; the oldest sample is
// evicted first once the limit is reached.
const historyLimit = 100

type entry struct {
	operationID string
	startedAt   time.Time
	active      *atomic.Bool

	mu      sync.Mutex
	history []OperationMetrics
}

func (e *entry) append(m OperationMetrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, m)
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
}

func (e *entry) snapshot() []OperationMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OperationMetrics, len(e.history))
	copy(out, e.history)
	return out
}

func (e *entry) latest() (OperationMetrics, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return OperationMetrics{}, false
	}
	return e.history[len(e.history)-1], true
}

// Registry is the in-memory map of operations under active monitoring. It is
// the only shared mutable state in the engine: the orchestration side adds
// and removes entries, the sampler appends history, dashboard readers take
// snapshots.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add inserts an entry for the operation. Returns false if one already exists.
func (r *Registry) Add(operationID string, startedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[operationID]; ok {
		return false
	}
	r.entries[operationID] = &entry{
		operationID: operationID,
		startedAt:   startedAt,
		active:      atomic.NewBool(true),
	}
	metrics.MonitoredOperations.Set(float64(len(r.entries)))
	return true
}

// Remove drops the operation's entry, marking it inactive first so an
// in-flight sampler pass skips it.
func (r *Registry) Remove(operationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[operationID]; ok {
		e.active.Store(false)
		delete(r.entries, operationID)
	}
	metrics.MonitoredOperations.Set(float64(len(r.entries)))
}

func (r *Registry) get(operationID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[operationID]
	return e, ok
}

// activeEntries returns the entries currently flagged active.
func (r *Registry) activeEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.active.Load() {
			out = append(out, e)
		}
	}
	return out
}
