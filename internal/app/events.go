package app

import (
	"context"
	"log/slog"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

var _ domain.EventProducer = (*logEventProducer)(nil)

// logEventProducer hands domain events to the structured log. Downstream
// delivery (message broker, webhooks) plugs in behind the same interface.
type logEventProducer struct {
	logger *slog.Logger
}

func newLogEventProducer(logger *slog.Logger) *logEventProducer {
	return &logEventProducer{logger: logger.With("component", "events")}
}

func (p *logEventProducer) Produce(_ context.Context, event domain.Event) error {
	p.logger.Info("event produced", "event", event.EventName(), "payload", event)
	return nil
}
