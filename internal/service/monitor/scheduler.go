package monitor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sampler owns the recurring sample schedule for a monitor. It fits the
// lifecycle Resource shape so the lifecycle manager starts and stops it with
// the rest of the process.
type Sampler struct {
	monitor *Monitor
	log     *zap.Logger
	cron    *cron.Cron
	entry   cron.EntryID
}

// NewSampler creates the scheduled sampler for the monitor.
func NewSampler(m *Monitor, log *zap.Logger) *Sampler {
	return &Sampler{
		monitor: m,
		log:     log.With(zap.String("component", "monitor-sampler")),
		cron:    cron.New(),
	}
}

func (s *Sampler) Name() string { return "monitor-sampler" }

// Start schedules the recurring sample pass.
func (s *Sampler) Start(_ context.Context) error {
	spec := fmt.Sprintf("@every %s", s.monitor.cfg.SampleInterval)
	id, err := s.cron.AddFunc(spec, func() {
		s.monitor.SamplePass(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sampler: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.log.Info("Sampler scheduled", zap.String("interval", s.monitor.cfg.SampleInterval.String()))
	return nil
}

// Stop halts the schedule, waiting for an in-flight pass to finish.
func (s *Sampler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports whether the schedule is registered.
func (s *Sampler) Health() error {
	if s.entry == 0 {
		return fmt.Errorf("sampler not scheduled")
	}
	return nil
}
