package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/store"
)

var ErrAlreadyProcessed = errors.New("event already processed")

const defaultReplayBatch = 100

// Replayer re-dispatches events that were acknowledged but never finished,
// e.g. because the process died between the RawEvent write and the worker.
type Replayer struct {
	events     store.EventStore
	dispatcher Dispatcher
	after      time.Duration
	batch      int
	logger     *slog.Logger
	now        func() time.Time
}

func NewReplayer(events store.EventStore, dispatcher Dispatcher, after time.Duration, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		events:     events,
		dispatcher: dispatcher,
		after:      after,
		batch:      defaultReplayBatch,
		logger:     logger,
		now:        time.Now,
	}
}

// RunOnce dispatches every event still received after the grace period and
// returns how many were handed off. Dispatch failures are logged and the
// rest of the batch continues.
func (r *Replayer) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().Add(-r.after)
	stuck, err := r.events.ListEvents(ctx, model.EventReceived, cutoff, r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stuck events: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	r.logger.Info("replay_started", "stuck_events", len(stuck))
	n := 0
	for _, ev := range stuck {
		if err := r.dispatcher.Dispatch(ctx, ev.ID); err != nil {
			r.logger.Warn("replay_dispatch_failed", "event_id", ev.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Replay re-dispatches one event on operator request.
func (r *Replayer) Replay(ctx context.Context, eventID string) (*model.RawEvent, error) {
	ev, err := r.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status == model.EventProcessed {
		return ev, ErrAlreadyProcessed
	}
	if err := r.dispatcher.Dispatch(ctx, ev.ID); err != nil {
		return ev, err
	}
	r.logger.Info("event_replayed", "event_id", ev.ID, "status", ev.Status)
	return ev, nil
}

// Run calls RunOnce on every tick until ctx is done.
func (r *Replayer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("replay_failed", "error", err)
			}
		}
	}
}
