package escrowd

import (
	"context"
	"log/slog"
	"time"

	"algobounty/core/events"
)

// EventLog persists ledger events to sqlite so indexers can page through
// them. Emit cannot fail the ledger operation that produced the event, so
// write errors are logged.
type EventLog struct {
	store   *SQLiteStore
	logger  *slog.Logger
	timeout time.Duration
}

func NewEventLog(store *SQLiteStore, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: store, logger: logger, timeout: 5 * time.Second}
}

// Emit implements events.Emitter.
func (l *EventLog) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	seq, err := l.store.AppendEvent(ctx, payload.Type, payload.Attributes)
	if err != nil {
		l.logger.Error("persist event", "error", err.Error(), "type", payload.Type)
		return
	}
	l.logger.Debug("event recorded", "type", payload.Type, "sequence", seq, "key", payload.Attributes["key"])
}
