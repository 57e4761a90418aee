package domain

import (
	"context"
	"encoding/json"
	"time"
)

// DataMartRepository stores data mart definitions.
type DataMartRepository interface {
	Create(ctx context.Context, mart *DataMart) (*DataMart, error)
	GetByID(ctx context.Context, id string) (*DataMart, error)
	GetByIDAndProject(ctx context.Context, id, projectID string) (*DataMart, error)
	List(ctx context.Context, projectID string) ([]DataMart, error)
}

// RunRepository stores run lifecycle state. The PENDING insert is the only
// write synchronous with the caller; everything else is written by the run's
// own background task.
type RunRepository interface {
	Create(ctx context.Context, run *Run) (*Run, error)
	GetByID(ctx context.Context, id string) (*Run, error)
	ListByDataMart(ctx context.Context, dataMartID string) ([]Run, error)
	// MarkRunning transitions PENDING → RUNNING and sets StartedAt. The write
	// happens before any warehouse call begins.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	// ReplaceLogs persists the full buffered log set while RUNNING, for live
	// polling. Callers always pass the whole buffer; the terminal Finish
	// rewrites it once more.
	ReplaceLogs(ctx context.Context, id string, logs []string) error
	// Finish writes the terminal snapshot (status, finishedAt, logs, errors)
	// atomically. It refuses to overwrite an already-terminal run with
	// ConflictError.
	Finish(ctx context.Context, id string, status RunStatus, finishedAt time.Time, logs, errors []string) error
	// HasActiveInsightRun reports whether a PENDING or RUNNING run exists for
	// the insight.
	HasActiveInsightRun(ctx context.Context, insightID string) (bool, error)
}

// InsightRepository stores insights and their rendered output.
type InsightRepository interface {
	Create(ctx context.Context, insight *Insight) (*Insight, error)
	GetByID(ctx context.Context, id string) (*Insight, error)
	GetByIDAndDataMart(ctx context.Context, id, dataMartID string) (*Insight, error)
	ListScheduled(ctx context.Context) ([]Insight, error)
	// ResetOutput clears the output and records the run about to produce it.
	ResetOutput(ctx context.Context, id, lastRunID string) error
	// UpdateOutput persists rendered output as part of run completion.
	UpdateOutput(ctx context.Context, id, output string, at time.Time, lastRunID string) error
}

// SecretRepository stores encrypted credential documents.
type SecretRepository interface {
	Get(ctx context.Context, name string) (*Secret, error)
	Put(ctx context.Context, name, payload string) error
	Delete(ctx context.Context, name string) error
}

// CredentialsResolver turns a storage configuration into usable connection
// credentials, resolving stored-secret references.
type CredentialsResolver interface {
	Resolve(ctx context.Context, storage Storage) (Credentials, error)
}

// ExecuteOptions bounds a batch execution.
type ExecuteOptions struct {
	// MaxRowsPerBatch bounds memory per pull. The facade applies the default
	// (500) when zero.
	MaxRowsPerBatch int
}

// DryRunResult reports SQL validation without reading data.
type DryRunResult struct {
	Valid          bool
	BytesProcessed int64 // 0 when the backend exposes no estimate
	Message        string
}

// WarehouseExecutor is implemented once per warehouse backend. Each adapter
// owns its own pagination/cursor protocol and translates backend-native
// result pages into the common Batch shape.
type WarehouseExecutor interface {
	Type() StorageType
	// ExecuteBatches runs sql (or a query derived from definition when sql is
	// empty) and yields results in bounded batches. The stream must release
	// server-side cursors/sessions on Close.
	ExecuteBatches(ctx context.Context, creds Credentials, config json.RawMessage, definition Definition, sql string, opts ExecuteOptions) (BatchStream, error)
	// CreateView idempotently creates (or replaces) a view and returns its
	// fully-qualified name.
	CreateView(ctx context.Context, creds Credentials, config json.RawMessage, viewName, sql string) (string, error)
	// DryRun validates sql without reading data.
	DryRun(ctx context.Context, creds Credentials, config json.RawMessage, sql string) (*DryRunResult, error)
}

// WarehouseFacade dispatches execution to the adapter registered for a
// storage type. Implemented by warehouse.Registry.
type WarehouseFacade interface {
	ExecuteBatches(ctx context.Context, storageType StorageType, creds Credentials, config json.RawMessage, definition Definition, sql string, opts ExecuteOptions) (BatchStream, error)
	CreateView(ctx context.Context, storageType StorageType, creds Credentials, config json.RawMessage, viewName, sql string) (string, error)
	DryRun(ctx context.Context, storageType StorageType, creds Credentials, config json.RawMessage, sql string) (*DryRunResult, error)
}
