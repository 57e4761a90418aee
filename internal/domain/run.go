package domain

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run. Transitions are monotonic:
// PENDING → RUNNING → SUCCESS | FAILED. Terminal states are never revisited.
type RunStatus string

// Run lifecycle statuses.
const (
	RunStatusPending RunStatus = "PENDING"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// RunType records how a run was triggered.
type RunType string

// Run trigger types.
const (
	RunTypeManual    RunType = "manual"
	RunTypeScheduled RunType = "scheduled"
)

// RunOperation discriminates what a run executed.
type RunOperation string

// Run operations.
const (
	RunOperationConnector  RunOperation = "CONNECTOR"
	RunOperationInsight    RunOperation = "INSIGHT"
	RunOperationSQLPreview RunOperation = "SQL_PREVIEW"
)

// Run is one tracked execution attempt against a data mart. The PENDING row
// is inserted synchronously before any background work starts so the caller
// immediately has an id to poll; the record outlives the in-flight task that
// produced it.
//
// Logs and Errors are ordered sequences of independently JSON-encoded
// structured records ({"at": ..., "type": ..., ...}). They accumulate
// in-memory during execution and are persisted together with the terminal
// status in one snapshot write, so a reader never observes a terminal status
// with stale logs.
type Run struct {
	ID            string
	DataMartID    string
	InsightID     *string
	Type          RunOperation
	Status        RunStatus
	RunType       RunType
	CreatedByID   string
	DefinitionRun json.RawMessage // frozen definition snapshot, never mutated after creation
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Logs          []string
	Errors        []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
