package vecstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs a periodic compaction over every open store. The debounced
// per-store compaction handles write bursts; the sweeper catches long-lived
// read-mostly collections whose catalogs would otherwise never get a
// maintenance pass.
type Sweeper struct {
	cron     *cron.Cron
	registry *Registry
	logger   *slog.Logger
}

// NewSweeper schedules compaction on the given cron expression, e.g.
// "0 3 * * *" for nightly at 03:00.
func NewSweeper(registry *Registry, schedule string, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:     cron.New(),
		registry: registry,
		logger:   logger.With("component", "vecstore-sweeper"),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	if err := s.registry.ForceGlobalCompaction(ctx); err != nil {
		s.logger.Warn("compaction sweep finished with errors", "error", err)
		return
	}
	s.logger.Info("compaction sweep complete",
		"stores", s.registry.Len(), "elapsed", time.Since(start))
}
