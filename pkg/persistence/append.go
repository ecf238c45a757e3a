package persistence

import (
	"context"
	"fmt"

	"github.com/lainie-ftw/capflow/pkg/events"
)

// tailRetries bounds how often AppendAtTail re-reads after losing an append
// race before giving up.
const tailRetries = 10

// AppendAtTail appends one event at the current end of the run's log. Used
// by writers that record facts rather than intents (activity outcomes, timer
// fires, signals): they do not care what sequence number they land on, only
// that the append is ordered and durable, so a conflict just means re-read
// and try the new tail.
func AppendAtTail(ctx context.Context, store Store, runID string, ev *events.Event) (uint64, error) {
	var lastErr error

	for try := 0; try < tailRetries; try++ {
		history, err := store.ReadEvents(ctx, runID, 1)
		if err != nil {
			return 0, err
		}

		next := uint64(1)
		if len(history) > 0 {
			next = history[len(history)-1].SequenceNumber + 1
		}

		seq, err := store.AppendEvents(ctx, runID, next, []*events.Event{ev})
		if err == nil {
			return seq, nil
		}

		if !IsConflict(err) {
			return 0, err
		}

		lastErr = err
	}

	return 0, fmt.Errorf("run %s: append still conflicting after %d retries: %w", runID, tailRetries, lastErr)
}
