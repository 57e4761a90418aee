package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

var _ domain.InsightRepository = (*InsightRepo)(nil)

// InsightRepo stores insights and their rendered output in SQLite.
type InsightRepo struct {
	db *sql.DB
}

// NewInsightRepo creates a new InsightRepo.
func NewInsightRepo(db *sql.DB) *InsightRepo {
	return &InsightRepo{db: db}
}

const insightColumns = `id, data_mart_id, title, template, schedule_cron, output,
	output_updated_at, last_run_id, created_at, updated_at`

// Create inserts a new insight.
func (r *InsightRepo) Create(ctx context.Context, insight *domain.Insight) (*domain.Insight, error) {
	if insight == nil {
		return nil, domain.ErrValidation("insight is required")
	}
	if insight.ID == "" {
		insight.ID = domain.NewID()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO insights (id, data_mart_id, title, template, schedule_cron)
		VALUES (?, ?, ?, ?, ?)
	`, insight.ID, insight.DataMartID, insight.Title, insight.Template, insight.ScheduleCron)
	if err != nil {
		return nil, mapDBError(err)
	}

	return r.GetByID(ctx, insight.ID)
}

// GetByID returns an insight by id.
func (r *InsightRepo) GetByID(ctx context.Context, id string) (*domain.Insight, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
	insight, err := scanInsight(row)
	if err != nil {
		return nil, mapDBError(err)
	}
	return insight, nil
}

// GetByIDAndDataMart returns an insight scoped to its owning data mart.
func (r *InsightRepo) GetByIDAndDataMart(ctx context.Context, id, dataMartID string) (*domain.Insight, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+insightColumns+` FROM insights WHERE id = ? AND data_mart_id = ?
	`, id, dataMartID)
	insight, err := scanInsight(row)
	if err != nil {
		return nil, mapDBError(err)
	}
	return insight, nil
}

// ListScheduled returns insights that carry a cron expression.
func (r *InsightRepo) ListScheduled(ctx context.Context) ([]domain.Insight, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+insightColumns+` FROM insights
		WHERE schedule_cron IS NOT NULL AND schedule_cron != ''
	`)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var insights []domain.Insight
	for rows.Next() {
		insight, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		insights = append(insights, *insight)
	}
	return insights, rows.Err()
}

// ResetOutput clears the output before a new run begins and records the run
// about to produce it.
func (r *InsightRepo) ResetOutput(ctx context.Context, id, lastRunID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE insights
		SET output = '', last_run_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, lastRunID, id)
	return mapDBError(err)
}

// UpdateOutput persists rendered output as part of run completion.
func (r *InsightRepo) UpdateOutput(ctx context.Context, id, output string, at time.Time, lastRunID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE insights
		SET output = ?, output_updated_at = ?, last_run_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, output, at, lastRunID, id)
	return mapDBError(err)
}

func scanInsight(row rowScanner) (*domain.Insight, error) {
	var (
		insight         domain.Insight
		scheduleCron    sql.NullString
		outputUpdatedAt sql.NullTime
		lastRunID       sql.NullString
	)
	err := row.Scan(&insight.ID, &insight.DataMartID, &insight.Title, &insight.Template,
		&scheduleCron, &insight.Output, &outputUpdatedAt, &lastRunID,
		&insight.CreatedAt, &insight.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if scheduleCron.Valid {
		insight.ScheduleCron = &scheduleCron.String
	}
	if outputUpdatedAt.Valid {
		t := outputUpdatedAt.Time
		insight.OutputUpdatedAt = &t
	}
	if lastRunID.Valid {
		insight.LastRunID = &lastRunID.String
	}
	return &insight, nil
}
