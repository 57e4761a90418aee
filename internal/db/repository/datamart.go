package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

var _ domain.DataMartRepository = (*DataMartRepo)(nil)

// DataMartRepo stores data mart definitions in SQLite.
type DataMartRepo struct {
	db *sql.DB
}

// NewDataMartRepo creates a new DataMartRepo.
func NewDataMartRepo(db *sql.DB) *DataMartRepo {
	return &DataMartRepo{db: db}
}

// Create inserts a new data mart.
func (r *DataMartRepo) Create(ctx context.Context, mart *domain.DataMart) (*domain.DataMart, error) {
	if mart == nil {
		return nil, domain.ErrValidation("data mart is required")
	}
	if mart.ID == "" {
		mart.ID = domain.NewID()
	}
	if mart.Status == "" {
		mart.Status = domain.DataMartStatusDraft
	}

	var definitionJSON interface{}
	if mart.Definition != nil {
		data, err := domain.MarshalDefinition(mart.Definition)
		if err != nil {
			return nil, err
		}
		definitionJSON = string(data)
	}

	config := mart.Storage.Config
	if config == nil {
		config = json.RawMessage(`{}`)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_marts (id, project_id, title, status, storage_type, storage_config, secret_ref, definition_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, mart.ID, mart.ProjectID, mart.Title, string(mart.Status),
		string(mart.Storage.Type), string(config), mart.Storage.SecretRef, definitionJSON)
	if err != nil {
		return nil, mapDBError(err)
	}

	return r.GetByID(ctx, mart.ID)
}

// GetByID returns a data mart by id.
func (r *DataMartRepo) GetByID(ctx context.Context, id string) (*domain.DataMart, error) {
	return r.getOne(ctx, `
		SELECT id, project_id, title, status, storage_type, storage_config, secret_ref, definition_json, created_at, updated_at
		FROM data_marts WHERE id = ?
	`, id)
}

// GetByIDAndProject returns a data mart scoped to a project.
func (r *DataMartRepo) GetByIDAndProject(ctx context.Context, id, projectID string) (*domain.DataMart, error) {
	return r.getOne(ctx, `
		SELECT id, project_id, title, status, storage_type, storage_config, secret_ref, definition_json, created_at, updated_at
		FROM data_marts WHERE id = ? AND project_id = ?
	`, id, projectID)
}

// List returns all data marts for a project.
func (r *DataMartRepo) List(ctx context.Context, projectID string) ([]domain.DataMart, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, title, status, storage_type, storage_config, secret_ref, definition_json, created_at, updated_at
		FROM data_marts WHERE project_id = ? ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var marts []domain.DataMart
	for rows.Next() {
		mart, err := scanDataMart(rows)
		if err != nil {
			return nil, err
		}
		marts = append(marts, *mart)
	}
	return marts, rows.Err()
}

func (r *DataMartRepo) getOne(ctx context.Context, stmt string, args ...interface{}) (*domain.DataMart, error) {
	row := r.db.QueryRowContext(ctx, stmt, args...)
	mart, err := scanDataMart(row)
	if err != nil {
		return nil, mapDBError(err)
	}
	return mart, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDataMart(row rowScanner) (*domain.DataMart, error) {
	var (
		mart           domain.DataMart
		status         string
		storageType    string
		storageConfig  string
		definitionJSON sql.NullString
	)
	err := row.Scan(&mart.ID, &mart.ProjectID, &mart.Title, &status,
		&storageType, &storageConfig, &mart.Storage.SecretRef,
		&definitionJSON, &mart.CreatedAt, &mart.UpdatedAt)
	if err != nil {
		return nil, err
	}
	mart.Status = domain.DataMartStatus(status)
	mart.Storage.Type = domain.StorageType(storageType)
	mart.Storage.Config = json.RawMessage(storageConfig)

	if definitionJSON.Valid && definitionJSON.String != "" {
		def, err := domain.UnmarshalDefinition([]byte(definitionJSON.String))
		if err != nil {
			return nil, fmt.Errorf("data mart %s: %w", mart.ID, err)
		}
		mart.Definition = def
	}
	return &mart, nil
}
