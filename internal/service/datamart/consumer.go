package datamart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// DefaultSampleLimit caps column sampling when the caller asks for no
// specific row count.
const DefaultSampleLimit = 5

// Table is a bounded, fully materialized result: ordered headers plus rows
// projected to header order.
type Table struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// Consumer executes SQL against a data mart's warehouse and collects the
// resulting batch stream into bounded in-memory shapes. It never retries and
// never buffers more than the caller's limit.
type Consumer struct {
	facade      domain.WarehouseFacade
	credentials domain.CredentialsResolver
	resolver    *Resolver
	logger      *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(facade domain.WarehouseFacade, credentials domain.CredentialsResolver, resolver *Resolver, logger *slog.Logger) *Consumer {
	return &Consumer{
		facade:      facade,
		credentials: credentials,
		resolver:    resolver,
		logger:      logger.With("component", "batch_consumer"),
	}
}

func (c *Consumer) execute(ctx context.Context, mart *domain.DataMart, sql string, batchSize int) (domain.BatchStream, error) {
	expanded, err := c.resolver.ExpandMacro(ctx, mart, sql)
	if err != nil {
		return nil, err
	}
	creds, err := c.credentials.Resolve(ctx, mart.Storage)
	if err != nil {
		return nil, err
	}
	return c.facade.ExecuteBatches(ctx, mart.Storage.Type, creds, mart.Storage.Config, mart.Definition, expanded,
		domain.ExecuteOptions{MaxRowsPerBatch: batchSize})
}

// RunRows flattens the batch stream into rows. limit > 0 stops the stream
// early once reached; limit <= 0 means unlimited. The stream is always
// closed, including on early stop, so backend cursors are released.
func (c *Consumer) RunRows(ctx context.Context, mart *domain.DataMart, sql string, limit int) ([]map[string]interface{}, error) {
	stream, err := c.execute(ctx, mart, sql, 0)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var rows []map[string]interface{}
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		for _, row := range batch.Rows {
			rows = append(rows, row)
			if limit > 0 && len(rows) >= limit {
				return rows, nil
			}
		}
	}
}

// ExecuteSQLToTable materializes up to limit rows as a Table. A non-positive
// limit short-circuits to an empty table without touching the warehouse.
// Headers come from the first non-empty batch; if the backend reports none,
// they are inferred from the first row's keys in sorted order. Rows are
// projected to header order with nil for missing keys.
func (c *Consumer) ExecuteSQLToTable(ctx context.Context, mart *domain.DataMart, sql string, limit, batchSize int) (*Table, error) {
	if limit <= 0 {
		return &Table{Columns: []string{}, Rows: [][]interface{}{}}, nil
	}

	stream, err := c.execute(ctx, mart, sql, batchSize)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var (
		columns []string
		rawRows []map[string]interface{}
	)
	for len(rawRows) < limit {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if columns == nil && len(batch.Columns) > 0 {
			columns = batch.Columns
		}
		for _, row := range batch.Rows {
			rawRows = append(rawRows, row)
			if len(rawRows) >= limit {
				break
			}
		}
	}

	if columns == nil {
		columns = inferColumns(rawRows)
	}
	rows := make([][]interface{}, 0, len(rawRows))
	for _, raw := range rawRows {
		projected := make([]interface{}, len(columns))
		for i, col := range columns {
			projected[i] = raw[col] // nil when the key is absent
		}
		rows = append(rows, projected)
	}
	return &Table{Columns: columns, Rows: rows}, nil
}

// SampleColumns reads a handful of values for the given columns from the
// mart's resolved table. limit <= 0 falls back to DefaultSampleLimit.
func (c *Consumer) SampleColumns(ctx context.Context, mart *domain.DataMart, columns []string, limit int) (*Table, error) {
	if len(columns) == 0 {
		return nil, domain.ErrValidation("at least one column is required")
	}
	if limit <= 0 {
		limit = DefaultSampleLimit
	}

	sql := fmt.Sprintf("SELECT %s FROM %s LIMIT %d", strings.Join(columns, ", "), TableMacro, limit)
	return c.ExecuteSQLToTable(ctx, mart, sql, limit, limit)
}

// DryRunSQL validates SQL against the mart's warehouse without reading data.
func (c *Consumer) DryRunSQL(ctx context.Context, mart *domain.DataMart, sql string) (*domain.DryRunResult, error) {
	expanded, err := c.resolver.ExpandMacro(ctx, mart, sql)
	if err != nil {
		return nil, err
	}
	creds, err := c.credentials.Resolve(ctx, mart.Storage)
	if err != nil {
		return nil, err
	}
	return c.facade.DryRun(ctx, mart.Storage.Type, creds, mart.Storage.Config, expanded)
}

func inferColumns(rows []map[string]interface{}) []string {
	if len(rows) == 0 {
		return []string{}
	}
	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}
