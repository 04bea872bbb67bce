package audit

import (
	"context"
	"log/slog"
	"time"
)

// Publisher accepts audit events from request handlers without blocking them
// on sink latency. Events flow through a bounded inbox to the Worker; when
// the inbox is full the event is dropped and counted in the log rather than
// stalling a request.
type Publisher struct {
	inbox  chan Event
	logger *slog.Logger
}

func NewPublisher(buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		inbox:  make(chan Event, buffer),
		logger: logger,
	}
}

// Emit queues an event for background persistence.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.WarnContext(ctx, "audit inbox full, dropping event",
			"action", event.Action,
			"entity_id", event.EntityID,
		)
	}
}

// Inbox exposes the event channel for the Worker.
func (p *Publisher) Inbox() <-chan Event { return p.inbox }
