// Package clickhouse implements the warehouse executor for ClickHouse via the
// native protocol client.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse"
)

// Executor executes SQL against ClickHouse.
type Executor struct{}

// NewExecutor creates a ClickHouse executor.
func NewExecutor() *Executor { return &Executor{} }

// Type implements domain.WarehouseExecutor.
func (e *Executor) Type() domain.StorageType { return domain.StorageTypeClickHouse }

type storageConfig struct {
	Database string `json:"database"`
}

type accessCredentials struct {
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func open(creds domain.Credentials, config json.RawMessage) (driver.Conn, *storageConfig, error) {
	var cfg storageConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, nil, fmt.Errorf("decode ClickHouse config: %w", err)
	}
	var access accessCredentials
	if err := json.Unmarshal(creds, &access); err != nil {
		return nil, nil, fmt.Errorf("decode ClickHouse credentials: %w", err)
	}
	if access.Addr == "" {
		return nil, nil, fmt.Errorf("ClickHouse credentials require addr")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{access.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: access.Username,
			Password: access.Password,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open ClickHouse connection: %w", err)
	}
	return conn, &cfg, nil
}

// ExecuteBatches implements domain.WarehouseExecutor.
func (e *Executor) ExecuteBatches(ctx context.Context, creds domain.Credentials, config json.RawMessage, definition domain.Definition, sqlText string, opts domain.ExecuteOptions) (domain.BatchStream, error) {
	conn, _, err := open(creds, config)
	if err != nil {
		return nil, err
	}
	if sqlText == "" {
		sqlText, err = warehouse.QueryForDefinition(definition, quote)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	rows, err := conn.Query(ctx, sqlText)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("run query: %w", err)
	}

	maxRows := opts.MaxRowsPerBatch
	if maxRows <= 0 {
		maxRows = warehouse.DefaultMaxRowsPerBatch
	}
	return &stream{
		conn:    conn,
		rows:    rows,
		columns: rows.Columns(),
		types:   rows.ColumnTypes(),
		maxRows: maxRows,
	}, nil
}

// CreateView implements domain.WarehouseExecutor.
func (e *Executor) CreateView(ctx context.Context, creds domain.Credentials, config json.RawMessage, viewName, sqlText string) (string, error) {
	conn, cfg, err := open(creds, config)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if cfg.Database == "" {
		return "", fmt.Errorf("ClickHouse config requires database for view creation")
	}
	fqn := cfg.Database + "." + viewName
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", fqn, sqlText)); err != nil {
		return "", fmt.Errorf("create view %s: %w", fqn, err)
	}
	return fqn, nil
}

// DryRun implements domain.WarehouseExecutor via EXPLAIN, which parses and
// plans without reading table data.
func (e *Executor) DryRun(ctx context.Context, creds domain.Credentials, config json.RawMessage, sqlText string) (*domain.DryRunResult, error) {
	conn, _, err := open(creds, config)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, "EXPLAIN "+sqlText)
	if err != nil {
		return &domain.DryRunResult{Valid: false, Message: err.Error()}, nil
	}
	_ = rows.Close()
	return &domain.DryRunResult{Valid: true}, nil
}

type stream struct {
	conn    driver.Conn
	rows    driver.Rows
	columns []string
	types   []driver.ColumnType
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

		// The native driver scans into typed targets only, so targets are
		// built from each column's ScanType.
		targets := make([]interface{}, len(s.types))
		for i, ct := range s.types {
			targets[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := s.rows.Scan(targets...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(s.columns))
		for i, col := range s.columns {
			row[col] = normalizeValue(reflect.ValueOf(targets[i]).Elem().Interface())
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
	err := s.rows.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}

func quote(ref string) string { return ref }
