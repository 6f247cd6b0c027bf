package history

import (
	"log/slog"

	"yieldsource/adapter"
)

// Recorder adapts the store to the engine's event stream. Persistence
// failures are logged and swallowed: the engine has already committed, and
// the audit trail must never unwind a finished operation.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Emit implements adapter.Emitter.
func (r *Recorder) Emit(ev adapter.Event) {
	if r == nil || r.store == nil {
		return
	}
	caller := ev.Attributes["caller"]
	if _, err := r.store.Record(ev.Type, caller, ev.Attributes); err != nil {
		r.logger.Error("record operation", "event", ev.Type, "error", err)
	}
}
