// Package scheduler triggers insight runs on their cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	runservice "github.com/OWOX/owox-data-marts-sub004/internal/service/run"
)

// systemUserID marks runs started by the scheduler rather than a person.
const systemUserID = "system"

// Scheduler registers a cron entry per scheduled insight. Trigger failures
// (unpublished mart, a run already in flight) are logged and skipped; the
// schedule itself never dies over one bad tick.
type Scheduler struct {
	cron     *cron.Cron
	insights domain.InsightRepository
	runner   *runservice.InsightService
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // insight id → cron entry
}

// New creates a Scheduler.
func New(insights domain.InsightRepository, runner *runservice.InsightService, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		insights: insights,
		runner:   runner,
		logger:   logger.With("component", "scheduler"),
		entries:  make(map[string]cron.EntryID),
	}
}

// Start syncs entries from the repository and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Refresh reconciles cron entries with the currently scheduled insights.
// Removed or re-scheduled insights get their old entry dropped.
func (s *Scheduler) Refresh(ctx context.Context) error {
	scheduled, err := s.insights.ListScheduled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(scheduled))
	for _, insight := range scheduled {
		if insight.ScheduleCron == nil {
			continue
		}
		seen[insight.ID] = true
		if id, ok := s.entries[insight.ID]; ok {
			s.cron.Remove(id)
			delete(s.entries, insight.ID)
		}

		insight := insight
		entryID, err := s.cron.AddFunc(*insight.ScheduleCron, func() {
			s.trigger(insight)
		})
		if err != nil {
			s.logger.Warn("invalid cron expression, insight skipped",
				"insight_id", insight.ID, "cron", *insight.ScheduleCron, "error", err)
			continue
		}
		s.entries[insight.ID] = entryID
	}

	for insightID, entryID := range s.entries {
		if !seen[insightID] {
			s.cron.Remove(entryID)
			delete(s.entries, insightID)
		}
	}
	return nil
}

func (s *Scheduler) trigger(insight domain.Insight) {
	ctx := context.Background()
	run, err := s.runner.Run(ctx, insight.DataMartID, insight.ID, systemUserID, domain.RunTypeScheduled)
	if err != nil {
		s.logger.Warn("scheduled insight run skipped", "insight_id", insight.ID, "error", err)
		return
	}
	s.logger.Info("scheduled insight run started", "insight_id", insight.ID, "run_id", run.ID)
}

// Stop halts the cron loop and waits for in-flight trigger callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
