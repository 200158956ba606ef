// Package eventbus turns the store into a per-run event log with live
// fan-out. The log for a run is a single JSON-encoded record; publishing
// appends under compare-and-swap so sequence numbers come out monotonic and
// gap-free no matter how writes interleave, and subscribers anywhere in the
// cluster observe appends through store change notifications.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentwire/agentwire/core"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/store"
)

const (
	// publishRetries bounds the CAS retry loop on concurrent appends. The
	// engine is the only writer for a healthy run, so conflicts are rare.
	publishRetries = 8

	defaultRereadInterval = 500 * time.Millisecond
)

// Options configures a Bus.
type Options struct {
	// RereadInterval is the fallback polling period of subscriptions. Store
	// notifications are at-least-once but may be dropped under load; the
	// periodic re-read guarantees liveness regardless.
	RereadInterval time.Duration
	// LogTTL, when positive, is applied to the event log record on every
	// append so finished runs age out of the store.
	LogTTL time.Duration
	// Logger receives subscription diagnostics.
	Logger logging.Logger
}

// Bus publishes and streams run events on top of a shared Store.
type Bus struct {
	store  store.Store
	reread time.Duration
	logTTL time.Duration
	logger logging.Logger
}

// New builds a Bus backed by the given store.
func New(s store.Store, optFns ...func(o *Options)) *Bus {
	opts := Options{RereadInterval: defaultRereadInterval, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bus{store: s, reread: opts.RereadInterval, logTTL: opts.LogTTL, logger: opts.Logger}
}

// Publish appends the event to the run's log, assigning the next sequence
// number, and returns the stored event. Appends to a log that already ended
// with a terminal event are rejected.
func (b *Bus) Publish(ctx context.Context, ev core.Event) (core.Event, error) {
	if ev.RunID == "" {
		return core.Event{}, &core.ValidationError{Field: "run_id", Reason: "must not be empty"}
	}
	key := core.RunEventsKey(ev.RunID)

	for attempt := 0; attempt < publishRetries; attempt++ {
		log, version, err := b.readLog(ctx, ev.RunID)
		if err != nil {
			return core.Event{}, err
		}
		if n := len(log); n > 0 && log[n-1].Terminal() {
			return core.Event{}, fmt.Errorf("publish on finished run %s: %w", ev.RunID, core.ErrInvalidTransition)
		}

		ev.Sequence = uint64(len(log)) + 1
		log = append(log, ev)

		encoded, err := json.Marshal(log)
		if err != nil {
			return core.Event{}, fmt.Errorf("encode event log for run %s: %w", ev.RunID, err)
		}
		_, err = b.store.Set(ctx, key, encoded, store.SetOptions{ExpectedVersion: version, TTL: b.logTTL})
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return core.Event{}, err
		}
		// Lost the append race; re-read and try the next sequence slot.
	}
	return core.Event{}, fmt.Errorf("append event to run %s: %w", ev.RunID, core.ErrVersionConflict)
}

// Subscribe streams the run's events starting at fromSequence (1-based and
// inclusive; pass 1, or 0, for the full log — a resuming consumer passes the
// last sequence it saw plus one). Already-published events are replayed
// first, then live events follow. The channel closes after the terminal
// event is delivered, or when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, runID string, fromSequence uint64) (<-chan core.Event, error) {
	notifications, err := b.store.Subscribe(ctx, core.RunEventsKey(runID))
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go b.follow(ctx, runID, fromSequence, notifications, out)
	return out, nil
}

func (b *Bus) follow(ctx context.Context, runID string, from uint64, notifications <-chan store.Notification, out chan<- core.Event) {
	defer close(out)

	if from == 0 {
		from = 1
	}
	next := from

	ticker := time.NewTicker(b.reread)
	defer ticker.Stop()

	for {
		log, _, err := b.readLog(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("event log read failed; retrying", "run_id", runID, "error", err)
		}
		for _, ev := range log {
			if ev.Sequence < next {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			next = ev.Sequence + 1
			if ev.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-notifications:
			if !ok {
				// Notification feed ended; fall back to polling alone.
				notifications = nil
			}
		case <-ticker.C:
		}
	}
}

// readLog decodes the run's event log. A missing record is an empty log at
// version 0, which is exactly what a create-only append expects.
func (b *Bus) readLog(ctx context.Context, runID string) ([]core.Event, int64, error) {
	raw, version, err := b.store.Get(ctx, core.RunEventsKey(runID))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var log []core.Event
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, 0, fmt.Errorf("decode event log for run %s: %w", runID, err)
	}
	return log, version, nil
}
