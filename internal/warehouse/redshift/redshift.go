// Package redshift implements the warehouse executor for AWS Redshift over
// its PostgreSQL wire protocol.
package redshift

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse"
)

// Executor executes SQL against AWS Redshift.
type Executor struct{}

// NewExecutor creates a Redshift executor.
func NewExecutor() *Executor { return &Executor{} }

// Type implements domain.WarehouseExecutor.
func (e *Executor) Type() domain.StorageType { return domain.StorageTypeRedshift }

type storageConfig struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
}

type accessCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func connect(ctx context.Context, creds domain.Credentials, config json.RawMessage) (*pgx.Conn, *storageConfig, error) {
	var cfg storageConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, nil, fmt.Errorf("decode Redshift config: %w", err)
	}
	var access accessCredentials
	if err := json.Unmarshal(creds, &access); err != nil {
		return nil, nil, fmt.Errorf("decode Redshift credentials: %w", err)
	}
	if access.Host == "" || access.User == "" {
		return nil, nil, fmt.Errorf("Redshift credentials require host and user")
	}
	if access.Port == 0 {
		access.Port = 5439
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(access.User), url.QueryEscape(access.Password),
		access.Host, access.Port, cfg.Database)
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to Redshift: %w", err)
	}
	return conn, &cfg, nil
}

// ExecuteBatches implements domain.WarehouseExecutor.
func (e *Executor) ExecuteBatches(ctx context.Context, creds domain.Credentials, config json.RawMessage, definition domain.Definition, sqlText string, opts domain.ExecuteOptions) (domain.BatchStream, error) {
	conn, _, err := connect(ctx, creds, config)
	if err != nil {
		return nil, err
	}
	if sqlText == "" {
		sqlText, err = warehouse.QueryForDefinition(definition, quote)
		if err != nil {
			_ = conn.Close(context.Background())
			return nil, err
		}
	}

	rows, err := conn.Query(ctx, sqlText)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("run query: %w", err)
	}

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	maxRows := opts.MaxRowsPerBatch
	if maxRows <= 0 {
		maxRows = warehouse.DefaultMaxRowsPerBatch
	}
	return &stream{conn: conn, rows: rows, columns: columns, maxRows: maxRows}, nil
}

// CreateView implements domain.WarehouseExecutor.
func (e *Executor) CreateView(ctx context.Context, creds domain.Credentials, config json.RawMessage, viewName, sqlText string) (string, error) {
	conn, cfg, err := connect(ctx, creds, config)
	if err != nil {
		return "", err
	}
	defer conn.Close(context.Background())

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	fqn := schema + "." + viewName
	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", fqn, sqlText)); err != nil {
		return "", fmt.Errorf("create view %s: %w", fqn, err)
	}
	return fqn, nil
}

// DryRun implements domain.WarehouseExecutor via EXPLAIN, which plans the
// query without executing it.
func (e *Executor) DryRun(ctx context.Context, creds domain.Credentials, config json.RawMessage, sqlText string) (*domain.DryRunResult, error) {
	conn, _, err := connect(ctx, creds, config)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx, "EXPLAIN "+sqlText)
	if err != nil {
		return &domain.DryRunResult{Valid: false, Message: err.Error()}, nil
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return &domain.DryRunResult{Valid: false, Message: err.Error()}, nil
	}
	return &domain.DryRunResult{Valid: true}, nil
}

type stream struct {
	conn    *pgx.Conn
	rows    pgx.Rows
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

	batchRows := make([]map[string]interface{}, 0, s.maxRows)
	for len(batchRows) < s.maxRows {
		if !s.rows.Next() {
			s.done = true
			if err := s.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		values, err := s.rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(s.columns))
		for i, col := range s.columns {
			row[col] = normalizeValue(values[i])
		}
		batchRows = append(batchRows, row)
	}

	if len(batchRows) == 0 {
		return nil, io.EOF
	}
	return &domain.Batch{Columns: s.columns, Rows: batchRows}, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.rows.Close()
	return s.conn.Close(context.Background())
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}

func quote(ref string) string { return ref }
