package domain

import "context"

// Batch is one bounded chunk of query results: column names plus rows keyed
// by column. It is an ephemeral transfer unit, never persisted, alive only
// for the duration of one pull from a warehouse adapter.
type Batch struct {
	Columns []string
	Rows    []map[string]interface{}
}

// BatchStream is the pull iterator every warehouse adapter yields batches
// through. Next returns io.EOF when the sequence is exhausted. Close releases
// backend cursors/sessions and must be called when a consumer stops early;
// it is idempotent and safe after EOF.
type BatchStream interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
}
