package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Task struct {
	ID           string          `json:"id"`
	TaskType     string          `json:"taskType"`
	Status       Status          `json:"status"`
	Params       json.RawMessage `json:"params,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Progress     int             `json:"progress"`
	RetryCount   int             `json:"retryCount"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// Reference is the queue message payload: a pointer to a stored task.
// Params and result never travel on the queue, only through the store.
type Reference struct {
	TaskID     string `json:"taskId"`
	TaskType   string `json:"taskType"`
	RetryCount int    `json:"retryCount"`
}

func NewReference(t *Task) Reference {
	return Reference{
		TaskID:     t.ID,
		TaskType:   t.TaskType,
		RetryCount: t.RetryCount,
	}
}
