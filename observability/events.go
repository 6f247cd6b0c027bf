package observability

import (
	"log/slog"

	"yieldsource/adapter"
)

// EventSink receives finalized adapter events and writes them to the
// structured log. Request-level metrics are recorded by the RPC layer, which
// also sees the rejected calls that never produce an event.
type EventSink struct {
	logger *slog.Logger
}

func NewEventSink(logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{logger: logger}
}

// Emit implements adapter.Emitter.
func (s *EventSink) Emit(ev adapter.Event) {
	if s == nil {
		return
	}
	attrs := make([]any, 0, 2+2*len(ev.Attributes))
	attrs = append(attrs, "event", ev.Type)
	for key, value := range ev.Attributes {
		attrs = append(attrs, key, value)
	}
	s.logger.Info("adapter event", attrs...)
}
