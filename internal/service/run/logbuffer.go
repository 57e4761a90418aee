// Package run owns the run lifecycle: pending creation, detached execution
// with bounded concurrency, structured run logs, and terminal snapshots.
package run

import (
	"encoding/json"
	"time"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

// logBuffer accumulates structured log and error records during a run. Each
// record is independently JSON-encoded with a clock-sourced timestamp; the
// whole buffer is persisted in one snapshot with the terminal status.
//
// Buffers are confined to the single goroutine executing the run, so no
// locking is needed.
type logBuffer struct {
	clock  domain.Clock
	logs   []string
	errors []string
}

func newLogBuffer(clock domain.Clock) *logBuffer {
	return &logBuffer{clock: clock}
}

// Log appends a structured log record of the given type with extra fields.
func (b *logBuffer) Log(entryType string, fields map[string]interface{}) {
	b.logs = append(b.logs, b.encode(entryType, fields))
}

// Error appends a structured error record.
func (b *logBuffer) Error(message string) {
	b.errors = append(b.errors, b.encode("error", map[string]interface{}{"message": message}))
}

func (b *logBuffer) Logs() []string   { return b.logs }
func (b *logBuffer) Errors() []string { return b.errors }

func (b *logBuffer) encode(entryType string, fields map[string]interface{}) string {
	record := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		record[k] = v
	}
	record["at"] = b.clock.Now().Format(time.RFC3339Nano)
	record["type"] = entryType

	data, err := json.Marshal(record)
	if err != nil {
		// Fields are plain JSON-friendly values; failure here means a caller
		// bug, and the run must not die over a log record.
		data, _ = json.Marshal(map[string]string{
			"at":   b.clock.Now().Format(time.RFC3339Nano),
			"type": entryType,
		})
	}
	return string(data)
}
