// Package poll runs the bulk refresh on a cron schedule.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"reddit-marker/pkg/marker"
)

// Refresher runs a bulk refresh.
type Refresher interface {
	BulkRefresh(ctx context.Context) error
}

// Scheduler triggers bulk refreshes on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	logger    *slog.Logger
	spec      string
}

// New creates a scheduler for spec, a standard five-field cron expression or
// a descriptor such as "@hourly". An empty spec returns nil: scheduling is off.
func New(spec string, refresher Refresher, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		return nil, nil
	}
	s := &Scheduler{
		cron:      cron.New(),
		refresher: refresher,
		logger:    logger,
		spec:      spec,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running scheduled refreshes in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Bulk refresh scheduled", "schedule", s.spec)
}

// Stop prevents new runs and waits for a running one, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with a refresh still running")
	}
}

func (s *Scheduler) run() {
	start := time.Now()
	s.logger.Info("Scheduled bulk refresh starting")

	err := s.refresher.BulkRefresh(context.Background())
	switch {
	case errors.Is(err, marker.ErrBulkRefreshActive):
		s.logger.Info("Scheduled bulk refresh skipped, another run is active")
	case err != nil:
		s.logger.Error("Scheduled bulk refresh failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
	default:
		s.logger.Info("Scheduled bulk refresh completed",
			"duration_ms", time.Since(start).Milliseconds())
	}
}
