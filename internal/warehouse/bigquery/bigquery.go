// Package bigquery implements the warehouse executor for Google BigQuery.
package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse"
)

// Executor executes SQL against BigQuery. Credentials are a service account
// key document; config carries the project, dataset, and optional location.
type Executor struct{}

// NewExecutor creates a BigQuery executor.
func NewExecutor() *Executor { return &Executor{} }

// Type implements domain.WarehouseExecutor.
func (e *Executor) Type() domain.StorageType { return domain.StorageTypeBigQuery }

type storageConfig struct {
	ProjectID string `json:"projectId"`
	Dataset   string `json:"dataset"`
	Location  string `json:"location,omitempty"`
}

func parseConfig(raw json.RawMessage) (*storageConfig, error) {
	var cfg storageConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode BigQuery config: %w", err)
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("BigQuery config requires projectId")
	}
	return &cfg, nil
}

func (e *Executor) newClient(ctx context.Context, creds domain.Credentials, cfg *storageConfig) (*bigquery.Client, error) {
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, option.WithCredentialsJSON(creds))
	if err != nil {
		return nil, fmt.Errorf("create BigQuery client: %w", err)
	}
	return client, nil
}

// ExecuteBatches implements domain.WarehouseExecutor. BigQuery paginates
// through a RowIterator; the stream pulls up to MaxRowsPerBatch rows per
// batch and closes the client when done.
func (e *Executor) ExecuteBatches(ctx context.Context, creds domain.Credentials, config json.RawMessage, definition domain.Definition, sqlText string, opts domain.ExecuteOptions) (domain.BatchStream, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	if sqlText == "" {
		sqlText, err = warehouse.QueryForDefinition(definition, quote)
		if err != nil {
			return nil, err
		}
	}

	client, err := e.newClient(ctx, creds, cfg)
	if err != nil {
		return nil, err
	}

	query := client.Query(sqlText)
	query.Location = cfg.Location
	it, err := query.Read(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("run query: %w", err)
	}

	return &stream{client: client, it: it, maxRows: opts.MaxRowsPerBatch}, nil
}

// CreateView implements domain.WarehouseExecutor using a CREATE OR REPLACE
// VIEW DDL statement, so repeated calls for the same mart are idempotent.
func (e *Executor) CreateView(ctx context.Context, creds domain.Credentials, config json.RawMessage, viewName, sqlText string) (string, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return "", err
	}
	if cfg.Dataset == "" {
		return "", fmt.Errorf("BigQuery config requires dataset for view creation")
	}

	client, err := e.newClient(ctx, creds, cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	fqn := fmt.Sprintf("%s.%s.%s", cfg.ProjectID, cfg.Dataset, viewName)
	ddl := fmt.Sprintf("CREATE OR REPLACE VIEW `%s` AS %s", fqn, sqlText)

	query := client.Query(ddl)
	query.Location = cfg.Location
	job, err := query.Run(ctx)
	if err != nil {
		return "", fmt.Errorf("run view DDL: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("wait for view DDL: %w", err)
	}
	if err := status.Err(); err != nil {
		return "", fmt.Errorf("view DDL failed: %w", err)
	}
	return fqn, nil
}

// DryRun implements domain.WarehouseExecutor using BigQuery's native dry-run
// jobs, which validate SQL and estimate bytes processed without reading data.
func (e *Executor) DryRun(ctx context.Context, creds domain.Credentials, config json.RawMessage, sqlText string) (*domain.DryRunResult, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}

	client, err := e.newClient(ctx, creds, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	query := client.Query(sqlText)
	query.Location = cfg.Location
	query.DryRun = true
	job, err := query.Run(ctx)
	if err != nil {
		return &domain.DryRunResult{Valid: false, Message: err.Error()}, nil
	}

	result := &domain.DryRunResult{Valid: true}
	if status := job.LastStatus(); status != nil && status.Statistics != nil {
		result.BytesProcessed = status.Statistics.TotalBytesProcessed
	}
	return result, nil
}

type stream struct {
	client  *bigquery.Client
	it      *bigquery.RowIterator
	columns []string
	maxRows int
	done    bool
	closed  bool
}

func (s *stream) Next(ctx context.Context) (*domain.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}

	rows := make([]map[string]interface{}, 0, s.maxRows)
	for len(rows) < s.maxRows {
		var values map[string]bigquery.Value
		err := s.it.Next(&values)
		if err == iterator.Done {
			s.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fetch row: %w", err)
		}
		if s.columns == nil {
			s.columns = schemaColumns(s.it.Schema)
		}
		row := make(map[string]interface{}, len(values))
		for k, v := range values {
			row[k] = v
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, io.EOF
	}
	if s.columns == nil {
		s.columns = schemaColumns(s.it.Schema)
	}
	return &domain.Batch{Columns: s.columns, Rows: rows}, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func schemaColumns(schema bigquery.Schema) []string {
	columns := make([]string, 0, len(schema))
	for _, field := range schema {
		columns = append(columns, field.Name)
	}
	return columns
}

func quote(ref string) string { return "`" + ref + "`" }
