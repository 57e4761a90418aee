package warehouse

import (
	"context"
	"database/sql"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSeededDB(t *testing.T, rowCount int) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE events (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	for i := 1; i <= rowCount; i++ {
		_, err = db.Exec(`INSERT INTO events (id, name) VALUES (?, ?)`, i, "event")
		require.NoError(t, err)
	}
	return db
}

func TestSQLRowsStreamBoundsBatches(t *testing.T) {
	ctx := context.Background()
	db := openSeededDB(t, 7)

	rows, err := db.QueryContext(ctx, `SELECT id, name FROM events ORDER BY id`)
	require.NoError(t, err)
	stream, err := NewSQLRowsStream(rows, nil, 3)
	require.NoError(t, err)
	defer stream.Close()

	sizes := []int{}
	total := 0
	for {
		batch, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name"}, batch.Columns)
		assert.LessOrEqual(t, len(batch.Rows), 3)
		sizes = append(sizes, len(batch.Rows))
		total += len(batch.Rows)
	}
	assert.Equal(t, 7, total)
	assert.Equal(t, []int{3, 3, 1}, sizes)

	// Drained stream keeps returning EOF.
	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestSQLRowsStreamNormalizesValues(t *testing.T) {
	ctx := context.Background()
	db := openSeededDB(t, 1)

	rows, err := db.QueryContext(ctx, `SELECT name FROM events`)
	require.NoError(t, err)
	stream, err := NewSQLRowsStream(rows, nil, 10)
	require.NoError(t, err)
	defer stream.Close()

	batch, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, "event", batch.Rows[0]["name"], "text columns arrive as string, not []byte")
}

func TestSQLRowsStreamCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openSeededDB(t, 2)

	rows, err := db.QueryContext(ctx, `SELECT id FROM events`)
	require.NoError(t, err)
	stream, err := NewSQLRowsStream(rows, nil, 10)
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
}

func TestSQLRowsStreamEmptyResult(t *testing.T) {
	ctx := context.Background()
	db := openSeededDB(t, 0)

	rows, err := db.QueryContext(ctx, `SELECT id FROM events`)
	require.NoError(t, err)
	stream, err := NewSQLRowsStream(rows, nil, 10)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)
}
