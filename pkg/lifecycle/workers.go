package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthError represents a health check failure
type HealthError struct {
	Resource string
	Message  string
}

// Error implements the error interface
func (e *HealthError) Error() string {
	return fmt.Sprintf("health check failed for %s: %s", e.Resource, e.Message)
}

// BackgroundWorker provides generic management for goroutines and background tasks
type BackgroundWorker struct {
	name     string
	workFunc func(ctx context.Context) error
	interval time.Duration
	log      *zap.Logger
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewBackgroundWorker creates a new background worker. A zero interval runs the
// work function once; a positive interval runs it periodically.
func NewBackgroundWorker(name string, workFunc func(ctx context.Context) error, interval time.Duration, log *zap.Logger) *BackgroundWorker {
	return &BackgroundWorker{
		name:     name,
		workFunc: workFunc,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Name returns the worker name
func (w *BackgroundWorker) Name() string {
	return w.name
}

// Start begins the background worker. The passed context only bounds startup;
// the run loop gets a worker-owned context so it outlives a short-lived start
// context and runs until Stop.
func (w *BackgroundWorker) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(runCtx)
	w.started = true

	w.log.Info("Background worker started", zap.String("worker", w.name))
	return nil
}

// Stop gracefully stops the background worker
func (w *BackgroundWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}

	w.cancel()
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("Background worker stopped", zap.String("worker", w.name))
		return nil
	case <-ctx.Done():
		w.log.Warn("Background worker stop timeout", zap.String("worker", w.name))
		return ctx.Err()
	}
}

// Health checks if the worker is running
func (w *BackgroundWorker) Health() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return &HealthError{Resource: w.name, Message: "worker not started"}
	}
	return nil
}

// run is the main worker loop
func (w *BackgroundWorker) run(ctx context.Context) {
	defer w.wg.Done()

	if w.interval > 0 {
		w.runPeriodic(ctx)
	} else {
		w.runOnce(ctx)
	}
}

// runPeriodic runs the work function at regular intervals
func (w *BackgroundWorker) runPeriodic(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Background worker context cancelled", zap.String("worker", w.name))
			return
		case <-w.stopCh:
			w.log.Debug("Background worker stop signal received", zap.String("worker", w.name))
			return
		case <-ticker.C:
			if err := w.workFunc(ctx); err != nil {
				w.log.Error("Background worker execution failed",
					zap.String("worker", w.name),
					zap.Error(err))
			}
		}
	}
}

// runOnce runs the work function once
func (w *BackgroundWorker) runOnce(ctx context.Context) {
	if err := w.workFunc(ctx); err != nil {
		w.log.Error("Background worker execution failed",
			zap.String("worker", w.name),
			zap.Error(err))
	}
}
