package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

var _ domain.RunRepository = (*RunRepo)(nil)

// RunRepo stores run lifecycle state in SQLite.
type RunRepo struct {
	db *sql.DB
}

// NewRunRepo creates a new RunRepo.
func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

const runColumns = `id, data_mart_id, insight_id, run_op, status, run_type, created_by_id,
	definition_run, started_at, finished_at, logs_json, errors_json, created_at, updated_at`

// Create inserts a new run. The caller sets the initial status (PENDING).
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	if run == nil {
		return nil, domain.ErrValidation("run is required")
	}
	if run.ID == "" {
		run.ID = domain.NewID()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}

	logsJSON, err := marshalStrings(run.Logs)
	if err != nil {
		return nil, err
	}
	errorsJSON, err := marshalStrings(run.Errors)
	if err != nil {
		return nil, err
	}

	var definitionRun interface{}
	if run.DefinitionRun != nil {
		definitionRun = string(run.DefinitionRun)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO data_mart_runs (id, data_mart_id, insight_id, run_op, status, run_type, created_by_id, definition_run, logs_json, errors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.DataMartID, run.InsightID, string(run.Type), string(run.Status),
		string(run.RunType), run.CreatedByID, definitionRun, logsJSON, errorsJSON)
	if err != nil {
		return nil, mapDBError(err)
	}

	return r.GetByID(ctx, run.ID)
}

// GetByID returns a run by id.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM data_mart_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, mapDBError(err)
	}
	return run, nil
}

// ListByDataMart returns runs for a data mart, newest first.
func (r *RunRepo) ListByDataMart(ctx context.Context, dataMartID string) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM data_mart_runs
		WHERE data_mart_id = ? ORDER BY created_at DESC
	`, dataMartID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// MarkRunning transitions a pending run to RUNNING and sets startedAt.
func (r *RunRepo) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE data_mart_runs
		SET status = ?, started_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, string(domain.RunStatusRunning), startedAt, id, string(domain.RunStatusPending))
	if err != nil {
		return mapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrConflict("run %q is not pending", id)
	}
	return nil
}

// ReplaceLogs overwrites the persisted log set while the run is live, so
// pollers can see progress before the terminal snapshot.
func (r *RunRepo) ReplaceLogs(ctx context.Context, id string, logs []string) error {
	logsJSON, err := marshalStrings(logs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE data_mart_runs
		SET logs_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, logsJSON, id, string(domain.RunStatusRunning))
	return mapDBError(err)
}

// Finish writes the terminal snapshot in one statement: status, finishedAt,
// logs, and errors together. The guard on non-terminal status makes terminal
// states write-once.
func (r *RunRepo) Finish(ctx context.Context, id string, status domain.RunStatus, finishedAt time.Time, logs, errs []string) error {
	if !status.Terminal() {
		return domain.ErrValidation("finish requires a terminal status, got %q", status)
	}

	logsJSON, err := marshalStrings(logs)
	if err != nil {
		return err
	}
	errorsJSON, err := marshalStrings(errs)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE data_mart_runs
		SET status = ?, finished_at = ?, logs_json = ?, errors_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)
	`, string(status), finishedAt, logsJSON, errorsJSON, id,
		string(domain.RunStatusPending), string(domain.RunStatusRunning))
	if err != nil {
		return mapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrConflict("run %q already finished", id)
	}
	return nil
}

// HasActiveInsightRun reports whether a PENDING or RUNNING run exists for the
// insight.
func (r *RunRepo) HasActiveInsightRun(ctx context.Context, insightID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM data_mart_runs
		WHERE insight_id = ? AND status IN (?, ?)
	`, insightID, string(domain.RunStatusPending), string(domain.RunStatusRunning)).Scan(&count)
	if err != nil {
		return false, mapDBError(err)
	}
	return count > 0, nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run           domain.Run
		insightID     sql.NullString
		runOp         string
		status        string
		runType       string
		definitionRun sql.NullString
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
		logsJSON      sql.NullString
		errorsJSON    sql.NullString
	)
	err := row.Scan(&run.ID, &run.DataMartID, &insightID, &runOp, &status, &runType,
		&run.CreatedByID, &definitionRun, &startedAt, &finishedAt,
		&logsJSON, &errorsJSON, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.Type = domain.RunOperation(runOp)
	run.Status = domain.RunStatus(status)
	run.RunType = domain.RunType(runType)
	if insightID.Valid {
		run.InsightID = &insightID.String
	}
	if definitionRun.Valid && definitionRun.String != "" {
		run.DefinitionRun = []byte(definitionRun.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if run.Logs, err = unmarshalStrings(logsJSON); err != nil {
		return nil, err
	}
	if run.Errors, err = unmarshalStrings(errorsJSON); err != nil {
		return nil, err
	}
	return &run, nil
}
