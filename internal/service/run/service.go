package run

import (
	"context"
	"log/slog"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// Service tracks run lifecycle state. It owns every status transition so the
// PENDING → RUNNING → SUCCESS | FAILED order is enforced in one place.
type Service struct {
	runs   domain.RunRepository
	clock  domain.Clock
	logger *slog.Logger
}

// NewService creates a run Service.
func NewService(runs domain.RunRepository, clock domain.Clock, logger *slog.Logger) *Service {
	return &Service{
		runs:   runs,
		clock:  clock,
		logger: logger.With("component", "run_service"),
	}
}

// CreateParams describes a run to create.
type CreateParams struct {
	DataMartID  string
	InsightID   *string
	Operation   domain.RunOperation
	RunType     domain.RunType
	CreatedByID string
	Definition  domain.Definition // nil for runs without a definition snapshot
}

// CreatePending inserts the PENDING run row synchronously, freezing the
// definition snapshot. The returned id is pollable before any background
// work starts.
func (s *Service) CreatePending(ctx context.Context, params CreateParams) (*domain.Run, error) {
	run := &domain.Run{
		ID:          domain.NewID(),
		DataMartID:  params.DataMartID,
		InsightID:   params.InsightID,
		Type:        params.Operation,
		Status:      domain.RunStatusPending,
		RunType:     params.RunType,
		CreatedByID: params.CreatedByID,
	}
	if params.Definition != nil {
		snapshot, err := domain.MarshalDefinition(params.Definition)
		if err != nil {
			return nil, err
		}
		run.DefinitionRun = snapshot
	}

	created, err := s.runs.Create(ctx, run)
	if err != nil {
		return nil, err
	}
	s.logger.Info("run created", "run_id", created.ID, "data_mart_id", created.DataMartID, "operation", created.Type)
	return created, nil
}

// MarkRunning transitions the run to RUNNING before the first warehouse call.
func (s *Service) MarkRunning(ctx context.Context, id string) error {
	return s.runs.MarkRunning(ctx, id, s.clock.Now())
}

// Finish writes the terminal snapshot. The repository refuses to overwrite
// an already-terminal run.
func (s *Service) Finish(ctx context.Context, id string, status domain.RunStatus, logs, errors []string) error {
	return s.runs.Finish(ctx, id, status, s.clock.Now(), logs, errors)
}

// FlushLogs persists the logs buffered so far while the run is still live,
// so polling clients see progress before the terminal snapshot lands. Each
// flush carries the whole buffer and overwrites the previous one.
func (s *Service) FlushLogs(ctx context.Context, id string, logs []string) error {
	return s.runs.ReplaceLogs(ctx, id, logs)
}

// Get returns a run by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Run, error) {
	return s.runs.GetByID(ctx, id)
}

// ListByDataMart returns a data mart's runs, newest first.
func (s *Service) ListByDataMart(ctx context.Context, dataMartID string) ([]domain.Run, error) {
	return s.runs.ListByDataMart(ctx, dataMartID)
}
