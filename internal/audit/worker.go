package audit

import (
	"context"
	"log/slog"
)

// Sink persists audit events. Implementations must be safe for use from a
// single worker goroutine.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Worker consumes audit events from the publisher inbox and persists them.
// Sink failures are logged, not fatal: losing an ops event must never take
// the service down.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

// Run processes events until ctx is cancelled, then drains what is already
// queued before returning.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()
		case event := <-w.inbox:
			w.append(ctx, event)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case event := <-w.inbox:
			w.append(context.Background(), event)
		default:
			return
		}
	}
}

func (w *Worker) append(ctx context.Context, event Event) {
	if err := w.sink.Append(ctx, event); err != nil {
		w.logger.ErrorContext(ctx, "failed to persist audit event",
			"action", event.Action,
			"error", err.Error(),
		)
	}
}
