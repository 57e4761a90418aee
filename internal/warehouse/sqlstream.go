package warehouse

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// SQLRowsStream adapts a database/sql cursor into bounded batch pulls. The
// stream owns both the cursor and the connection pool it came from; Close
// releases both.
type SQLRowsStream struct {
	rows    *sql.Rows
	owner   io.Closer // pool/connection closed together with the cursor; may be nil
	columns []string
	maxRows int
	done    bool
	closed  bool
}

// NewSQLRowsStream wraps rows. owner (usually the per-execution *sql.DB) is
// closed when the stream closes; pass nil when the caller keeps ownership.
func NewSQLRowsStream(rows *sql.Rows, owner io.Closer, maxRows int) (*SQLRowsStream, error) {
	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		if owner != nil {
			_ = owner.Close()
		}
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRowsPerBatch
	}
	return &SQLRowsStream{rows: rows, owner: owner, columns: columns, maxRows: maxRows}, nil
}

// Next returns the next bounded batch, or io.EOF when the cursor is drained.
func (s *SQLRowsStream) Next(ctx context.Context) (*domain.Batch, error) {
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

		values := make([]interface{}, len(s.columns))
		ptrs := make([]interface{}, len(s.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := s.rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(s.columns))
		for i, col := range s.columns {
			row[col] = normalizeSQLValue(values[i])
		}
		batchRows = append(batchRows, row)
	}

	if len(batchRows) == 0 {
		return nil, io.EOF
	}
	return &domain.Batch{Columns: s.columns, Rows: batchRows}, nil
}

// Close releases the cursor and its owning connection. Idempotent.
func (s *SQLRowsStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.rows.Close()
	if s.owner != nil {
		if cerr := s.owner.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// normalizeSQLValue converts driver-native values into JSON-friendly ones.
func normalizeSQLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}
