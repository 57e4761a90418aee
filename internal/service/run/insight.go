package run

import (
	"context"
	"log/slog"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// InsightService starts and executes insight generation runs.
type InsightService struct {
	dataMarts   domain.DataMartRepository
	insights    domain.InsightRepository
	runs        domain.RunRepository
	service     *Service
	coordinator *Coordinator
	renderer    *Renderer
	events      domain.EventProducer
	logger      *slog.Logger
}

// NewInsightService creates an InsightService.
func NewInsightService(
	dataMarts domain.DataMartRepository,
	insights domain.InsightRepository,
	runs domain.RunRepository,
	service *Service,
	coordinator *Coordinator,
	renderer *Renderer,
	events domain.EventProducer,
	logger *slog.Logger,
) *InsightService {
	return &InsightService{
		dataMarts:   dataMarts,
		insights:    insights,
		runs:        runs,
		service:     service,
		coordinator: coordinator,
		renderer:    renderer,
		events:      events,
		logger:      logger.With("component", "insight_service"),
	}
}

// Run starts an insight run. Validation and the PENDING insert happen
// synchronously so the returned run id is immediately pollable; execution is
// detached. An insight with a PENDING or RUNNING run is rejected rather than
// queued.
func (s *InsightService) Run(ctx context.Context, dataMartID, insightID, userID string, runType domain.RunType) (*domain.Run, error) {
	mart, err := s.dataMarts.GetByID(ctx, dataMartID)
	if err != nil {
		return nil, err
	}
	if mart.Status != domain.DataMartStatusPublished {
		return nil, domain.ErrBusinessViolation("data mart %s is not published", dataMartID)
	}

	insight, err := s.insights.GetByIDAndDataMart(ctx, insightID, dataMartID)
	if err != nil {
		return nil, err
	}

	active, err := s.runs.HasActiveInsightRun(ctx, insightID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, domain.ErrBusinessViolation("insight %s already has a run in progress", insightID)
	}

	run, err := s.service.CreatePending(ctx, CreateParams{
		DataMartID:  dataMartID,
		InsightID:   &insight.ID,
		Operation:   domain.RunOperationInsight,
		RunType:     runType,
		CreatedByID: userID,
		Definition:  mart.Definition,
	})
	if err != nil {
		return nil, err
	}

	if err := s.insights.ResetOutput(ctx, insight.ID, run.ID); err != nil {
		return nil, err
	}

	s.coordinator.Go(run.ID, func(taskCtx context.Context, buf *logBuffer) error {
		return s.execute(taskCtx, buf, mart, insight, run, runType, userID)
	})
	return run, nil
}

// execute is the detached body of an insight run. Any returned error is
// turned into a FAILED snapshot by the coordinator; the SUCCESS path writes
// its own terminal snapshot here so output persistence, the terminal write,
// and the completion event keep their order.
func (s *InsightService) execute(ctx context.Context, buf *logBuffer, mart *domain.DataMart, insight *domain.Insight, run *domain.Run, runType domain.RunType, userID string) error {
	if err := s.service.MarkRunning(ctx, run.ID); err != nil {
		return err
	}
	buf.Log("insight-run-started", map[string]interface{}{
		"insightId":  insight.ID,
		"dataMartId": mart.ID,
	})
	if err := s.service.FlushLogs(ctx, run.ID, buf.Logs()); err != nil {
		// Live-log flushes are best effort; the terminal snapshot rewrites them.
		s.logger.Warn("live log flush failed", "run_id", run.ID, "error", err)
	}

	output, sources, err := s.renderer.Render(ctx, mart, insight.Template)
	if err != nil {
		return err
	}
	buf.Log("insight-sources-materialized", map[string]interface{}{"sources": sources})

	// Output lands before the terminal snapshot so SUCCESS is never
	// observable with stale output.
	if err := s.insights.UpdateOutput(ctx, insight.ID, output, s.service.clock.Now(), run.ID); err != nil {
		return err
	}
	buf.Log("insight-run-finished", map[string]interface{}{"outputBytes": len(output)})

	if err := s.service.Finish(ctx, run.ID, domain.RunStatusSuccess, buf.Logs(), buf.Errors()); err != nil {
		return err
	}

	event := domain.InsightRunCompletedEvent{
		DataMartID: mart.ID,
		RunID:      run.ID,
		ProjectID:  mart.ProjectID,
		UserID:     userID,
		RunType:    runType,
	}
	if err := s.events.Produce(ctx, event); err != nil {
		// The run already succeeded; a lost event must not flip it to FAILED.
		s.logger.Error("failed to produce completion event", "run_id", run.ID, "error", err)
	}
	return nil
}
