package domain

import "context"

// Event is a domain event handed to an EventProducer. Delivery beyond the
// hand-off is outside this engine's scope.
type Event interface {
	EventName() string
}

// InsightRunCompletedEvent is produced exactly once per successful insight
// run. Failed runs produce no event.
type InsightRunCompletedEvent struct {
	DataMartID string
	RunID      string
	ProjectID  string
	UserID     string
	RunType    RunType
}

// EventName implements Event.
func (InsightRunCompletedEvent) EventName() string { return "insight-run-completed" }

// EventProducer accepts domain events for delivery.
type EventProducer interface {
	Produce(ctx context.Context, event Event) error
}
