package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/podushkina/taskrunner/internal/task"
)

// HandlerFunc performs the work for one task type. Handlers must be safely
// re-runnable: a redelivered task executes again from scratch. report may be
// called with 0..100 to publish in-flight progress.
type HandlerFunc func(ctx context.Context, t *task.Task, report func(pct int)) (json.RawMessage, error)

// Executor maps a task's type to its registered handler and runs it. It is
// stateless across calls except for a gauge of in-flight executions, kept for
// observability only.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
	active   atomic.Int64
	log      *slog.Logger
}

func New(log *slog.Logger) *Executor {
	e := &Executor{
		handlers: make(map[string]HandlerFunc),
		log:      log,
	}
	e.fallback = e.unknownType
	return e
}

func (e *Executor) Register(taskType string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
}

// Execute runs the handler registered for the task's type, or the fallback
// when the type is unknown.
func (e *Executor) Execute(ctx context.Context, t *task.Task, report func(pct int)) (json.RawMessage, error) {
	active := e.active.Add(1)
	defer e.active.Add(-1)

	e.log.Info("task execution started", "task_id", t.ID, "task_type", t.TaskType, "active", active)

	e.mu.RLock()
	h, ok := e.handlers[t.TaskType]
	e.mu.RUnlock()
	if !ok {
		h = e.fallback
	}

	result, err := h(ctx, t, report)
	if err != nil {
		e.log.Error("task execution failed", "task_id", t.ID, "task_type", t.TaskType, "error", err)
		return nil, err
	}

	e.log.Info("task execution finished", "task_id", t.ID, "task_type", t.TaskType)
	return result, nil
}

// Active returns the number of handler invocations currently in flight.
func (e *Executor) Active() int64 {
	return e.active.Load()
}

func (e *Executor) unknownType(ctx context.Context, t *task.Task, report func(pct int)) (json.RawMessage, error) {
	e.log.Warn("unknown task type", "task_id", t.ID, "task_type", t.TaskType)
	out := map[string]string{"message": "unknown task type: " + t.TaskType}
	return json.Marshal(out)
}
