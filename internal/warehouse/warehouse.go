// Package warehouse dispatches SQL execution to per-backend adapters behind
// one streaming contract. Each adapter translates its backend's pagination
// protocol into bounded domain.Batch pulls.
package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// DefaultMaxRowsPerBatch bounds memory per batch pull when the caller does
// not specify a size.
const DefaultMaxRowsPerBatch = 500

var _ domain.WarehouseFacade = (*Registry)(nil)

// Registry selects a warehouse adapter by storage type.
type Registry struct {
	executors map[domain.StorageType]domain.WarehouseExecutor
}

// NewRegistry creates a registry from the given adapters. Registering two
// adapters for the same storage type is a programming error.
func NewRegistry(executors ...domain.WarehouseExecutor) (*Registry, error) {
	byType := make(map[domain.StorageType]domain.WarehouseExecutor, len(executors))
	for _, exec := range executors {
		if _, exists := byType[exec.Type()]; exists {
			return nil, fmt.Errorf("duplicate warehouse executor for %s", exec.Type())
		}
		byType[exec.Type()] = exec
	}
	return &Registry{executors: byType}, nil
}

// ExecuteBatches dispatches to the adapter for storageType, applying the
// default batch size. No retries: a failed pull aborts the whole sequence.
func (r *Registry) ExecuteBatches(ctx context.Context, storageType domain.StorageType, creds domain.Credentials, config json.RawMessage, definition domain.Definition, sql string, opts domain.ExecuteOptions) (domain.BatchStream, error) {
	exec, err := r.lookup(storageType)
	if err != nil {
		return nil, err
	}
	if opts.MaxRowsPerBatch <= 0 {
		opts.MaxRowsPerBatch = DefaultMaxRowsPerBatch
	}
	stream, err := exec.ExecuteBatches(ctx, creds, config, definition, sql, opts)
	if err != nil {
		return nil, domain.ErrExecution(storageType, "execute", err)
	}
	return &stageStream{BatchStream: stream, storageType: storageType}, nil
}

// stageStream wraps batch pulls so a mid-stream failure surfaces as an
// ExecutionError just like a failed initial call. EOF passes through.
type stageStream struct {
	domain.BatchStream
	storageType domain.StorageType
}

func (s *stageStream) Next(ctx context.Context) (*domain.Batch, error) {
	batch, err := s.BatchStream.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.ErrExecution(s.storageType, "fetch_batch", err)
	}
	return batch, err
}

// CreateView dispatches idempotent view creation.
func (r *Registry) CreateView(ctx context.Context, storageType domain.StorageType, creds domain.Credentials, config json.RawMessage, viewName, sql string) (string, error) {
	exec, err := r.lookup(storageType)
	if err != nil {
		return "", err
	}
	fqn, err := exec.CreateView(ctx, creds, config, viewName, sql)
	if err != nil {
		return "", domain.ErrExecution(storageType, "create_view", err)
	}
	return fqn, nil
}

// DryRun dispatches SQL validation.
func (r *Registry) DryRun(ctx context.Context, storageType domain.StorageType, creds domain.Credentials, config json.RawMessage, sql string) (*domain.DryRunResult, error) {
	exec, err := r.lookup(storageType)
	if err != nil {
		return nil, err
	}
	result, err := exec.DryRun(ctx, creds, config, sql)
	if err != nil {
		return nil, domain.ErrExecution(storageType, "dry_run", err)
	}
	return result, nil
}

func (r *Registry) lookup(storageType domain.StorageType) (domain.WarehouseExecutor, error) {
	exec, ok := r.executors[storageType]
	if !ok {
		return nil, domain.ErrValidation("unsupported storage type %q", storageType)
	}
	return exec, nil
}

// QueryForDefinition derives the query an adapter runs when the caller
// supplies no SQL. quote renders a table reference in the backend's
// identifier style.
func QueryForDefinition(definition domain.Definition, quote func(string) string) (string, error) {
	switch def := definition.(type) {
	case domain.SQLDefinition:
		return def.Query, nil
	case domain.TableDefinition:
		return "SELECT * FROM " + quote(def.FullyQualifiedName), nil
	case domain.ViewDefinition:
		return "SELECT * FROM " + quote(def.FullyQualifiedName), nil
	case domain.TablePatternDefinition:
		return "SELECT * FROM " + quote(def.Pattern), nil
	case domain.ConnectorDefinition:
		return "SELECT * FROM " + quote(def.StorageFullyQualifiedName), nil
	default:
		return "", &domain.DefinitionUnavailableError{Reason: "no query can be derived from the definition"}
	}
}
