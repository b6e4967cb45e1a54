// Package queue implements the durable pending-operation log that bridges
// optimistic local mutations and their eventual remote confirmation.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tillworks/tillsync/internal/model"
)

// Persister mirrors the log to durable storage on every change.
type Persister interface {
	SavePending(ctx context.Context, ops []model.PendingOperation) error
}

// ApplyFunc attempts one pending operation against the remote store. A nil
// return confirms the operation and removes it from the log.
type ApplyFunc func(ctx context.Context, op model.PendingOperation) error

// Queue is an ordered, durably persisted log of not-yet-confirmed mutations.
// It is drained front to back; entries that fail stay queued for the next
// drain.
type Queue struct {
	mu        sync.Mutex
	ops       []model.PendingOperation
	persister Persister
	logger    *slog.Logger
	draining  atomic.Bool
}

// New creates an empty queue backed by the given persister.
func New(persister Persister, logger *slog.Logger) *Queue {
	return &Queue{
		persister: persister,
		logger:    logger.With("component", "queue"),
	}
}

// Restore seeds the queue from a previously persisted log.
func (q *Queue) Restore(ops []model.PendingOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append([]model.PendingOperation(nil), ops...)
}

// Append adds one operation to the end of the log and writes the log
// through. The operation is retained in memory even when the write fails so
// a later drain can still deliver it.
func (q *Queue) Append(ctx context.Context, op model.PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	if err := q.persister.SavePending(ctx, q.ops); err != nil {
		return fmt.Errorf("failed to persist pending operation %s: %w", op.ID, err)
	}
	return nil
}

// Snapshot returns a copy of the current log, oldest first.
func (q *Queue) Snapshot() []model.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.PendingOperation(nil), q.ops...)
}

// Len reports the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drain attempts every queued operation in order and rebuilds the persisted
// log from the entries that did not confirm. Operations appended while a
// drain is running are untouched. Only one drain runs at a time; concurrent
// calls return immediately.
func (q *Queue) Drain(ctx context.Context, apply ApplyFunc) (confirmed, failed int) {
	if !q.draining.CompareAndSwap(false, true) {
		return 0, 0
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	batch := make([]model.PendingOperation, len(q.ops))
	copy(batch, q.ops)
	for i := range q.ops {
		q.ops[i].Status = model.OpInFlight
	}
	q.mu.Unlock()

	results := make(map[string]error, len(batch))
	for _, op := range batch {
		if ctx.Err() != nil {
			// Leave the remainder for the next drain.
			break
		}
		results[op.ID] = apply(ctx, op)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	survivors := q.ops[:0]
	for _, op := range q.ops {
		err, attempted := results[op.ID]
		switch {
		case !attempted:
			// Appended during the drain, or skipped on cancellation.
			if op.Status == model.OpInFlight {
				op.Status = model.OpProposed
			}
			survivors = append(survivors, op)
		case err == nil:
			confirmed++
		default:
			failed++
			op.Status = model.OpFailed
			op.Attempts++
			op.LastError = err.Error()
			q.logger.Warn("pending operation failed, will retry",
				"op_id", op.ID, "kind", op.Kind, "collection", op.Collection,
				"key", op.Key, "attempts", op.Attempts, "error", err)
			survivors = append(survivors, op)
		}
	}
	q.ops = survivors
	if err := q.persister.SavePending(ctx, q.ops); err != nil {
		q.logger.Error("failed to persist pending operations after drain", "error", err)
	}
	return confirmed, failed
}
