package persistence

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/events"
)

// Recorder appends every event it receives to the store's run history.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

// Run consumes ch until it is closed or ctx is cancelled. Write failures are
// logged and skipped so one bad event never stalls the history.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Record(ctx, ev)
		}
	}
}

// Record persists a single event.
func (r *Recorder) Record(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("event not encodable", zap.String("type", ev.EventType()), zap.Error(err))
		return
	}
	rec := EventRecord{
		RunID:   ev.RunID(),
		NodeID:  ev.NodeID(),
		Type:    ev.EventType(),
		Payload: string(payload),
	}
	if err := r.store.AppendEvent(ctx, rec); err != nil {
		r.logger.Warn("event not recorded",
			zap.String("run_id", rec.RunID),
			zap.String("type", rec.Type),
			zap.Error(err))
	}
}
