// Package snowflake implements the warehouse executor for Snowflake via the
// gosnowflake database/sql driver.
package snowflake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	gosnowflake "github.com/snowflakedb/gosnowflake"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
	"github.com/OWOX/owox-data-marts-sub004/internal/warehouse"
)

// Executor executes SQL against Snowflake.
type Executor struct{}

// NewExecutor creates a Snowflake executor.
func NewExecutor() *Executor { return &Executor{} }

// Type implements domain.WarehouseExecutor.
func (e *Executor) Type() domain.StorageType { return domain.StorageTypeSnowflake }

type storageConfig struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
}

type accessCredentials struct {
	Account   string `json:"account"`
	User      string `json:"user"`
	Password  string `json:"password"`
	Warehouse string `json:"warehouse,omitempty"`
	Role      string `json:"role,omitempty"`
}

func open(creds domain.Credentials, config json.RawMessage) (*sql.DB, *storageConfig, error) {
	var cfg storageConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, nil, fmt.Errorf("decode Snowflake config: %w", err)
	}
	var access accessCredentials
	if err := json.Unmarshal(creds, &access); err != nil {
		return nil, nil, fmt.Errorf("decode Snowflake credentials: %w", err)
	}
	if access.Account == "" || access.User == "" {
		return nil, nil, fmt.Errorf("Snowflake credentials require account and user")
	}

	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   access.Account,
		User:      access.User,
		Password:  access.Password,
		Warehouse: access.Warehouse,
		Role:      access.Role,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build Snowflake DSN: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open Snowflake connection: %w", err)
	}
	return db, &cfg, nil
}

// ExecuteBatches implements domain.WarehouseExecutor. A per-execution pool is
// opened and handed to the stream, which closes it with the cursor.
func (e *Executor) ExecuteBatches(ctx context.Context, creds domain.Credentials, config json.RawMessage, definition domain.Definition, sqlText string, opts domain.ExecuteOptions) (domain.BatchStream, error) {
	db, _, err := open(creds, config)
	if err != nil {
		return nil, err
	}
	if sqlText == "" {
		sqlText, err = warehouse.QueryForDefinition(definition, quote)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run query: %w", err)
	}
	return warehouse.NewSQLRowsStream(rows, db, opts.MaxRowsPerBatch)
}

// CreateView implements domain.WarehouseExecutor.
func (e *Executor) CreateView(ctx context.Context, creds domain.Credentials, config json.RawMessage, viewName, sqlText string) (string, error) {
	db, cfg, err := open(creds, config)
	if err != nil {
		return "", err
	}
	defer db.Close()

	if cfg.Database == "" || cfg.Schema == "" {
		return "", fmt.Errorf("Snowflake config requires database and schema for view creation")
	}
	fqn := fmt.Sprintf("%s.%s.%s", cfg.Database, cfg.Schema, viewName)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", fqn, sqlText)); err != nil {
		return "", fmt.Errorf("create view %s: %w", fqn, err)
	}
	return fqn, nil
}

// DryRun implements domain.WarehouseExecutor. Snowflake validates SQL during
// EXPLAIN compilation without running the query.
func (e *Executor) DryRun(ctx context.Context, creds domain.Credentials, config json.RawMessage, sqlText string) (*domain.DryRunResult, error) {
	db, _, err := open(creds, config)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "EXPLAIN "+sqlText)
	if err != nil {
		return &domain.DryRunResult{Valid: false, Message: err.Error()}, nil
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return &domain.DryRunResult{Valid: false, Message: err.Error()}, nil
	}
	return &domain.DryRunResult{Valid: true}, nil
}

func quote(ref string) string { return ref }
