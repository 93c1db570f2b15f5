package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/podushkina/taskrunner/internal/store"
	"github.com/podushkina/taskrunner/internal/task"
)

// Publisher is the submission side of the queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Service handles task submission: persist the record first, then publish a
// reference for the dispatcher to pick up.
type Service struct {
	store     *store.Store
	publisher Publisher
	topic     string
	log       *slog.Logger
}

func New(st *store.Store, pub Publisher, topic string, log *slog.Logger) *Service {
	return &Service{store: st, publisher: pub, topic: topic, log: log}
}

// Submit creates a PENDING task and enqueues its reference. A task whose
// reference cannot be published is committed FAILED right away rather than
// left PENDING with nothing ever to deliver it; the returned task reflects
// that.
func (s *Service) Submit(ctx context.Context, taskType string, params json.RawMessage) (*task.Task, error) {
	t := &task.Task{
		ID:        uuid.New().String(),
		TaskType:  taskType,
		Status:    task.StatusPending,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}

	body, err := json.Marshal(task.NewReference(t))
	if err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}

	if err := s.publisher.Publish(ctx, s.topic, body); err != nil {
		s.log.Error("publish failed, failing task", "task_id", t.ID, "error", err)
		msg := fmt.Sprintf("publish failed: %v", err)
		if cErr := s.store.CommitFailure(ctx, t.ID, msg); cErr != nil {
			s.log.Error("failure commit failed", "task_id", t.ID, "error", cErr)
		}
		t.Status = task.StatusFailed
		t.ErrorMessage = msg
		return t, nil
	}

	s.log.Info("task submitted", "task_id", t.ID, "task_type", taskType)
	return t, nil
}

// Query returns the task record, or store.ErrNotFound.
func (s *Service) Query(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// List returns all known tasks.
func (s *Service) List(ctx context.Context) ([]*task.Task, error) {
	return s.store.List(ctx)
}
