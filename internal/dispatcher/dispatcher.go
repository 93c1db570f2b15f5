package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/podushkina/taskrunner/internal/executor"
	"github.com/podushkina/taskrunner/internal/queue"
	"github.com/podushkina/taskrunner/internal/store"
	"github.com/podushkina/taskrunner/internal/task"
)

// Store is the slice of the task store the dispatcher drives.
type Store interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	TransitionToRunning(ctx context.Context, id string) error
	CommitSuccess(ctx context.Context, id string, result []byte) error
	CommitFailure(ctx context.Context, id, errorMessage string) error
	IncrementRetry(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, pct int) error
}

// Dispatcher turns queue deliveries into task executions and status commits.
// Every fault is resolved here into Ack or Retry; nothing propagates further.
type Dispatcher struct {
	store Store
	exec  *executor.Executor
	log   *slog.Logger
}

func New(st Store, exec *executor.Executor, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, exec: exec, log: log}
}

// Handle processes one delivered task reference.
//
// A reference whose task record is gone is acknowledged, not retried: there
// is no record left to drive to a terminal state, so redelivery could never
// succeed. Store failures while committing never override the ack decision
// the execution outcome already made.
func (d *Dispatcher) Handle(ctx context.Context, del queue.Delivery) queue.Outcome {
	var ref task.Reference
	if err := json.Unmarshal(del.Body, &ref); err != nil {
		d.log.Error("undecodable message, dropping", "msg_id", del.ID, "error", err)
		return queue.Ack
	}

	log := d.log.With("task_id", ref.TaskID, "msg_id", del.ID, "attempt", del.Attempts)

	t, err := d.store.Get(ctx, ref.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("task record absent, dropping delivery")
		return queue.Ack
	}
	if err != nil {
		log.Error("task load failed", "error", err)
		return queue.Retry
	}

	// Record the observed redelivery before executing, so the count is
	// right even if this attempt succeeds.
	if del.Redeliveries() > 0 {
		if err := d.store.IncrementRetry(ctx, ref.TaskID); err != nil {
			log.Error("retry count update failed", "error", err)
		}
	}

	if err := d.store.TransitionToRunning(ctx, ref.TaskID); err != nil {
		log.Error("transition to running failed", "error", err)
		// The task is identified, so leave a failure on the record if the
		// store lets us; the redelivery happens either way.
		if cErr := d.store.CommitFailure(ctx, ref.TaskID, fmt.Sprintf("internal error: %v", err)); cErr != nil {
			log.Error("failure commit failed", "error", cErr)
		}
		return queue.Retry
	}

	result, execErr := d.exec.Execute(ctx, t, func(pct int) {
		if err := d.store.UpdateProgress(ctx, ref.TaskID, pct); err != nil {
			log.Error("progress update failed", "error", err)
		}
	})
	if execErr != nil {
		if err := d.store.CommitFailure(ctx, ref.TaskID, execErr.Error()); err != nil {
			// Best effort: losing this status write is preferable to
			// losing the redelivery.
			log.Error("failure commit failed", "error", err)
		}
		return queue.Retry
	}

	if err := d.store.CommitSuccess(ctx, ref.TaskID, result); err != nil {
		// The work is done but the record does not say so. Handlers are
		// re-runnable, so redeliver rather than strand the task in RUNNING.
		log.Error("success commit failed", "error", err)
		return queue.Retry
	}

	log.Info("task processed")
	return queue.Ack
}
