package domain

import "time"

// Insight is a templated, long-running generation job owned by a data mart.
// Its template references source tables that are materialized in bounded
// form before rendering; the rendered output is persisted on the insight in
// the same completion step as the run's terminal write.
type Insight struct {
	ID              string
	DataMartID      string
	Title           string
	Template        string
	ScheduleCron    *string // when set, the scheduler triggers runs on this cron expression
	Output          string
	OutputUpdatedAt *time.Time
	LastRunID       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
