package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/podushkina/taskrunner/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	taskPrefix  = "taskrunner:task:"
	indexPrefix = "taskrunner:idx:status:"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrDuplicateID = errors.New("duplicate task id")
)

// Status transitions are guarded server-side so that a record is only ever
// mutated by one script at a time and terminal states stay frozen, even when
// an expired lease lets two deliveries of the same task run concurrently.
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 'dup' end
redis.call('HSET', KEYS[1],
	'id', ARGV[1],
	'task_type', ARGV[2],
	'status', ARGV[3],
	'params', ARGV[4],
	'progress', ARGV[5],
	'retry_count', ARGV[6],
	'created_at', ARGV[7])
redis.call('SADD', ARGV[8]..ARGV[3], ARGV[1])
return 'ok'`)

	runningScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'SUCCESS' or s == 'FAILED' then return s end
if s == 'PENDING' then redis.call('HSET', KEYS[1], 'started_at', ARGV[1]) end
redis.call('HSET', KEYS[1], 'status', 'RUNNING')
redis.call('SMOVE', ARGV[3]..s, ARGV[3]..'RUNNING', ARGV[2])
return 'ok'`)

	commitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'SUCCESS' or s == 'FAILED' then return s end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'finished_at', ARGV[2])
if ARGV[1] == 'SUCCESS' then
	redis.call('HSET', KEYS[1], 'result', ARGV[4], 'progress', '100')
else
	redis.call('HSET', KEYS[1], 'error_message', ARGV[4])
end
redis.call('SMOVE', ARGV[5]..s, ARGV[5]..ARGV[1], ARGV[3])
return 'ok'`)

	retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'SUCCESS' or s == 'FAILED' then return s end
redis.call('HINCRBY', KEYS[1], 'retry_count', 1)
return 'ok'`)

	progressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'SUCCESS' or s == 'FAILED' then return s end
local p = tonumber(ARGV[1])
if p < 0 then p = 0 end
if p > 99 then p = 99 end
redis.call('HSET', KEYS[1], 'progress', tostring(p))
return 'ok'`)
)

// Store keeps one hash per task plus per-status index sets for operational
// queries. Mutators are no-ops for absent ids: a redelivered reference to a
// purged record must never take the consumer down.
type Store struct {
	client *redis.Client
	log    *slog.Logger
}

func New(client *redis.Client, log *slog.Logger) *Store {
	return &Store{client: client, log: log}
}

// Create inserts the whole record in one script, so a crash can never leave
// a half-written task behind its id.
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	res, err := createScript.Run(ctx, s.client, []string{taskPrefix + t.ID},
		t.ID,
		t.TaskType,
		string(t.Status),
		string(t.Params),
		strconv.Itoa(t.Progress),
		strconv.Itoa(t.RetryCount),
		t.CreatedAt.Format(time.RFC3339Nano),
		indexPrefix,
	).Text()
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if res == "dup" {
		return fmt.Errorf("create task %s: %w", t.ID, ErrDuplicateID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	fields, err := s.client.HGetAll(ctx, taskPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return taskFromFields(fields)
}

// TransitionToRunning moves a task into RUNNING and stamps started_at on the
// first entry. Re-entry from RUNNING (a redelivered attempt) keeps the
// original start time.
func (s *Store) TransitionToRunning(ctx context.Context, id string) error {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := runningScript.Run(ctx, s.client, []string{taskPrefix + id}, now, id, indexPrefix).Text()
	if err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}
	s.logSkipped(id, "transition to running", res)
	return nil
}

func (s *Store) CommitSuccess(ctx context.Context, id string, result []byte) error {
	return s.commit(ctx, id, task.StatusSuccess, string(result))
}

func (s *Store) CommitFailure(ctx context.Context, id, errorMessage string) error {
	return s.commit(ctx, id, task.StatusFailed, errorMessage)
}

func (s *Store) commit(ctx context.Context, id string, status task.Status, payload string) error {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := commitScript.Run(ctx, s.client, []string{taskPrefix + id},
		string(status), now, id, payload, indexPrefix).Text()
	if err != nil {
		return fmt.Errorf("commit %s: %w", status, err)
	}
	s.logSkipped(id, "commit "+string(status), res)
	return nil
}

func (s *Store) IncrementRetry(ctx context.Context, id string) error {
	res, err := retryScript.Run(ctx, s.client, []string{taskPrefix + id}).Text()
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	s.logSkipped(id, "increment retry", res)
	return nil
}

// UpdateProgress records in-flight progress. Values are clamped to 0..99:
// progress 100 is written only by CommitSuccess.
func (s *Store) UpdateProgress(ctx context.Context, id string, pct int) error {
	res, err := progressScript.Run(ctx, s.client, []string{taskPrefix + id}, strconv.Itoa(pct)).Text()
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	s.logSkipped(id, "update progress", res)
	return nil
}

// List returns all known tasks via the status index sets.
func (s *Store) List(ctx context.Context) ([]*task.Task, error) {
	statuses := []task.Status{task.StatusPending, task.StatusRunning, task.StatusSuccess, task.StatusFailed}

	ids := make([]string, 0)
	for _, st := range statuses {
		members, err := s.client.SMembers(ctx, indexPrefix+string(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		ids = append(ids, members...)
	}

	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		t, err := taskFromFields(fields)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *Store) logSkipped(id, op, res string) {
	switch res {
	case "ok":
	case "missing":
		s.log.Warn("task record absent, skipping write", "task_id", id, "op", op)
	default:
		s.log.Debug("task already terminal, skipping write", "task_id", id, "op", op, "status", res)
	}
}

func taskFromFields(fields map[string]string) (*task.Task, error) {
	t := &task.Task{
		ID:           fields["id"],
		TaskType:     fields["task_type"],
		Status:       task.Status(fields["status"]),
		ErrorMessage: fields["error_message"],
	}

	if v := fields["params"]; v != "" {
		t.Params = []byte(v)
	}
	if v := fields["result"]; v != "" {
		t.Result = []byte(v)
	}
	if v := fields["progress"]; v != "" {
		t.Progress, _ = strconv.Atoi(v)
	}
	if v := fields["retry_count"]; v != "" {
		t.RetryCount, _ = strconv.Atoi(v)
	}

	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	t.CreatedAt = created

	if v := fields["started_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t.StartedAt = &ts
		}
	}
	if v := fields["finished_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t.FinishedAt = &ts
		}
	}
	return t, nil
}
