package repository

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	internaldb "github.com/OWOX/owox-data-marts-sub004/internal/db"
	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// newTestDB opens an in-memory SQLite database with all migrations applied.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1) // :memory: lives per-connection
	t.Cleanup(func() { db.Close() })

	require.NoError(t, internaldb.RunMigrations(db))
	return db
}

func seedDataMart(t *testing.T, db *sql.DB, def domain.Definition) *domain.DataMart {
	t.Helper()
	repo := NewDataMartRepo(db)
	mart, err := repo.Create(context.Background(), &domain.DataMart{
		ProjectID: "proj-1",
		Title:     "Orders",
		Status:    domain.DataMartStatusPublished,
		Storage: domain.Storage{
			Type:      domain.StorageTypeBigQuery,
			Config:    []byte(`{"projectId":"p","dataset":"d"}`),
			SecretRef: "bq-creds",
		},
		Definition: def,
	})
	require.NoError(t, err)
	return mart
}
