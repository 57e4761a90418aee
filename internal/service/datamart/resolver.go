// Package datamart resolves data mart definitions to concrete table
// references and consumes warehouse batch streams into bounded results.
package datamart

import (
	"context"
	"log/slog"
	"strings"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// TableMacro is the literal token in user SQL that stands for the data
// mart's resolved table reference. Matching is case-sensitive.
const TableMacro = "${DATA_MART_TABLE}"

const viewNamePrefix = "owox_view_"

// Resolver turns a data mart's logical definition into a concrete
// fully-qualified table reference. Only SQL-defined marts touch the
// warehouse: their query is materialized as a deterministically named view.
type Resolver struct {
	facade      domain.WarehouseFacade
	credentials domain.CredentialsResolver
	logger      *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(facade domain.WarehouseFacade, credentials domain.CredentialsResolver, logger *slog.Logger) *Resolver {
	return &Resolver{
		facade:      facade,
		credentials: credentials,
		logger:      logger.With("component", "table_resolver"),
	}
}

// Resolve returns the table reference for the mart's definition. Table, view,
// pattern, and connector definitions resolve from stored metadata alone; a
// SQL definition creates (or replaces) its backing view first. A missing or
// unknown definition is DefinitionUnavailableError, never a guessed fallback.
func (r *Resolver) Resolve(ctx context.Context, mart *domain.DataMart) (string, error) {
	if mart.Definition == nil {
		return "", &domain.DefinitionUnavailableError{DataMartID: mart.ID, Reason: "no definition configured"}
	}

	switch def := mart.Definition.(type) {
	case domain.TableDefinition:
		return def.FullyQualifiedName, nil
	case domain.ViewDefinition:
		return def.FullyQualifiedName, nil
	case domain.TablePatternDefinition:
		return def.Pattern, nil
	case domain.ConnectorDefinition:
		return def.StorageFullyQualifiedName, nil
	case domain.SQLDefinition:
		return r.materializeView(ctx, mart, def.Query)
	default:
		return "", &domain.DefinitionUnavailableError{DataMartID: mart.ID, Reason: "unsupported definition variant"}
	}
}

func (r *Resolver) materializeView(ctx context.Context, mart *domain.DataMart, query string) (string, error) {
	creds, err := r.credentials.Resolve(ctx, mart.Storage)
	if err != nil {
		return "", err
	}

	viewName := ViewNameFor(mart.ID)
	fqn, err := r.facade.CreateView(ctx, mart.Storage.Type, creds, mart.Storage.Config, viewName, query)
	if err != nil {
		return "", err
	}
	r.logger.Debug("materialized data mart view", "data_mart_id", mart.ID, "view", fqn)
	return fqn, nil
}

// ViewNameFor derives the deterministic view name for a SQL-defined mart.
// Re-running the same mart always targets the same view.
func ViewNameFor(dataMartID string) string {
	var b strings.Builder
	b.WriteString(viewNamePrefix)
	for _, c := range dataMartID {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ExpandMacro replaces every occurrence of TableMacro in sql with the mart's
// resolved table reference. SQL without the token is returned unchanged and
// triggers no resolution work at all.
func (r *Resolver) ExpandMacro(ctx context.Context, mart *domain.DataMart, sql string) (string, error) {
	if !strings.Contains(sql, TableMacro) {
		return sql, nil
	}
	ref, err := r.Resolve(ctx, mart)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(sql, TableMacro, ref), nil
}
