// Package scheduler drives periodic whole-repository sync.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

// DefaultIntervalMinutes is used when Start gets a non-positive interval
const DefaultIntervalMinutes = 4

// Scheduler runs every known entity of every kind through the batch runner
// on a fixed interval. Manual runs share the same entry point.
type Scheduler struct {
	syncers  []domain.EntitySyncer
	batch    domain.BatchSyncer
	observer domain.Observer
	logger   *zap.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	interval int

	cycleRunning atomic.Bool
	cycles       sync.WaitGroup
}

// New creates a stopped scheduler over the given kinds
func New(batch domain.BatchSyncer, observer domain.Observer, logger *zap.Logger, syncers ...domain.EntitySyncer) *Scheduler {
	return &Scheduler{
		syncers:  syncers,
		batch:    batch,
		observer: observer,
		logger:   logger,
	}
}

// Start runs one cycle now and then one every intervalMinutes.
// A previous schedule is stopped first.
func (s *Scheduler) Start(intervalMinutes int) error {
	if intervalMinutes < 1 {
		intervalMinutes = DefaultIntervalMinutes
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	c := cron.New()
	if err := c.AddFunc(fmt.Sprintf("@every %dm", intervalMinutes), s.runScheduled); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	c.Start()
	s.cron = c
	s.interval = intervalMinutes

	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		s.RunAllKnownEntities(context.Background())
	}()

	s.logger.Info("sync scheduler started", zap.Int("interval_minutes", intervalMinutes))
	return nil
}

// Stop cancels future cycles; a cycle already running completes
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopLocked() {
		s.logger.Info("sync scheduler stopped")
	}
}

func (s *Scheduler) stopLocked() bool {
	if s.cron == nil {
		return false
	}
	s.cron.Stop()
	s.cron = nil
	s.interval = 0
	return true
}

// Running reports whether a schedule is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Interval returns the active interval in minutes, 0 when stopped
func (s *Scheduler) Interval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Wait blocks until cycles started by Start have returned
func (s *Scheduler) Wait() {
	s.cycles.Wait()
}

func (s *Scheduler) runScheduled() {
	s.cycles.Add(1)
	defer s.cycles.Done()
	s.RunAllKnownEntities(context.Background())
}

// RunAllKnownEntities syncs every locally known id of every kind.
// Failures are isolated per entity; exactly one summary status is emitted.
// A run that starts while another is in progress is skipped.
func (s *Scheduler) RunAllKnownEntities(ctx context.Context) domain.BatchSummary {
	if !s.cycleRunning.CompareAndSwap(false, true) {
		s.logger.Info("sync cycle already running, skipping")
		return domain.BatchSummary{Skipped: true}
	}
	defer s.cycleRunning.Store(false)

	start := time.Now()
	var summary domain.BatchSummary

	for _, syncer := range s.syncers {
		log := s.logger.With(zap.String("kind", syncer.Kind()))

		ids, err := syncer.KnownIDs(ctx)
		if err != nil {
			log.Error("failed to list known entities", zap.Error(err))
			summary.Failed++
			continue
		}
		if len(ids) == 0 {
			continue
		}

		results, err := s.batch.SyncAll(ctx, syncer, ids)
		if err != nil {
			log.Warn("batch interrupted", zap.Error(err))
		}
		for _, r := range results {
			summary.Add(r)
		}
	}

	summary.Duration = time.Since(start)

	level := domain.StatusSuccess
	switch {
	case summary.Failed > 0 && summary.Succeeded == 0:
		level = domain.StatusError
	case summary.Failed > 0 || summary.Busy > 0:
		level = domain.StatusWarning
	}
	s.observer.OnStatusChanged("", level, fmt.Sprintf("Sync completed: %d succeeded, %d failed, %d busy",
		summary.Succeeded, summary.Failed, summary.Busy))

	s.logger.Info("sync cycle finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("busy", summary.Busy),
		zap.Duration("duration", summary.Duration),
	)
	return summary
}
