package run

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/service/datamart"
)

// DefaultPreviewRows bounds ad-hoc SQL preview results.
const DefaultPreviewRows = 100

// SQLPreviewService runs ad-hoc SQL against a data mart as a tracked run.
// The bounded result table is recorded in the run's logs; nothing is written
// to the warehouse.
type SQLPreviewService struct {
	dataMarts   domain.DataMartRepository
	consumer    *datamart.Consumer
	service     *Service
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewSQLPreviewService creates a SQLPreviewService.
func NewSQLPreviewService(
	dataMarts domain.DataMartRepository,
	consumer *datamart.Consumer,
	service *Service,
	coordinator *Coordinator,
	logger *slog.Logger,
) *SQLPreviewService {
	return &SQLPreviewService{
		dataMarts:   dataMarts,
		consumer:    consumer,
		service:     service,
		coordinator: coordinator,
		logger:      logger.With("component", "sql_preview_service"),
	}
}

// Run starts a detached SQL preview run and returns its pollable record.
func (s *SQLPreviewService) Run(ctx context.Context, dataMartID, sql, userID string, limit int) (*domain.Run, error) {
	if sql == "" {
		return nil, domain.ErrValidation("sql is required")
	}
	if limit <= 0 {
		limit = DefaultPreviewRows
	}

	mart, err := s.dataMarts.GetByID(ctx, dataMartID)
	if err != nil {
		return nil, err
	}

	run, err := s.service.CreatePending(ctx, CreateParams{
		DataMartID:  dataMartID,
		Operation:   domain.RunOperationSQLPreview,
		RunType:     domain.RunTypeManual,
		CreatedByID: userID,
		Definition:  mart.Definition,
	})
	if err != nil {
		return nil, err
	}

	s.coordinator.Go(run.ID, func(taskCtx context.Context, buf *logBuffer) error {
		return s.execute(taskCtx, buf, mart, run.ID, sql, limit)
	})
	return run, nil
}

func (s *SQLPreviewService) execute(ctx context.Context, buf *logBuffer, mart *domain.DataMart, runID, sql string, limit int) error {
	if err := s.service.MarkRunning(ctx, runID); err != nil {
		return err
	}
	buf.Log("sql-preview-started", map[string]interface{}{"dataMartId": mart.ID})

	table, err := s.consumer.ExecuteSQLToTable(ctx, mart, sql, limit, limit)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(table)
	if err != nil {
		return err
	}
	buf.Log("sql-preview-result", map[string]interface{}{
		"columns":  table.Columns,
		"rowCount": len(table.Rows),
		"table":    json.RawMessage(encoded),
	})
	return s.service.Finish(ctx, runID, domain.RunStatusSuccess, buf.Logs(), buf.Errors())
}
