package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/podushkina/taskrunner/internal/executor"
	"github.com/podushkina/taskrunner/internal/handlers"
	"github.com/podushkina/taskrunner/internal/queue"
	"github.com/podushkina/taskrunner/internal/service"
	"github.com/podushkina/taskrunner/internal/store"
	"github.com/podushkina/taskrunner/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// End-to-end consumption pipeline over miniredis: submit -> queue -> dispatch
// -> store commit.

type pipeline struct {
	store   *store.Store
	queue   *queue.Queue
	exec    *executor.Executor
	service *service.Service
}

func setupPipeline(t *testing.T, maxRetries int) *pipeline {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.New(client, log)
	q := queue.New(client, queue.Options{
		MaxRetries:   maxRetries,
		RetryDelay:   20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, log)
	exec := executor.New(log)

	return &pipeline{
		store:   st,
		queue:   q,
		exec:    exec,
		service: service.New(st, q, "task-topic", log),
	}
}

func (p *pipeline) start(t *testing.T, concurrency int) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(p.store, p.exec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.queue.Subscribe(ctx, "task-topic", concurrency, d.Handle)
	t.Cleanup(func() {
		cancel()
		p.queue.Stop()
	})
}

func awaitStatus(t *testing.T, st *store.Store, id string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		tk, err := st.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task should reach %s", want)
	return got
}

func TestPipeline_SubmitRoundTrip(t *testing.T) {
	p := setupPipeline(t, 3)
	ctx := context.Background()

	p.exec.Register(handlers.TypeDataExport, handlers.DataExport(20*time.Millisecond))

	submitted, err := p.service.Submit(ctx, handlers.TypeDataExport, []byte(`{"userId":"123"}`))
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, submitted.Status)

	queried, err := p.service.Query(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, handlers.TypeDataExport, queried.TaskType)
	assert.JSONEq(t, `{"userId":"123"}`, string(queried.Params))

	p.start(t, 2)

	got := awaitStatus(t, p.store, submitted.ID, task.StatusSuccess)
	assert.Equal(t, 100, got.Progress)
	assert.NotEmpty(t, got.Result)
	assert.Equal(t, 0, got.RetryCount)
}

func TestPipeline_RetryThenSuccess(t *testing.T) {
	p := setupPipeline(t, 5)
	ctx := context.Background()

	var calls atomic.Int32
	p.exec.Register("flaky", func(ctx context.Context, tk *task.Task, report func(int)) (json.RawMessage, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient failure")
		}
		return json.RawMessage(`{"recovered":true}`), nil
	})

	p.start(t, 2)

	submitted, err := p.service.Submit(ctx, "flaky", []byte(`{}`))
	require.NoError(t, err)

	got := awaitStatus(t, p.store, submitted.ID, task.StatusSuccess)
	assert.Equal(t, 2, got.RetryCount, "two observed redeliveries before success")
	assert.JSONEq(t, `{"recovered":true}`, string(got.Result))
	assert.Equal(t, 100, got.Progress)
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	p := setupPipeline(t, 2)
	ctx := context.Background()

	p.exec.Register("doomed", func(ctx context.Context, tk *task.Task, report func(int)) (json.RawMessage, error) {
		return nil, errors.New("permanent failure")
	})

	p.start(t, 1)

	submitted, err := p.service.Submit(ctx, "doomed", []byte(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		depths, err := p.queue.Depths(context.Background(), "task-topic")
		return err == nil && depths.Dead == 1
	}, 5*time.Second, 10*time.Millisecond, "exhausted message should be dead-lettered")

	got, err := p.store.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "permanent failure", got.ErrorMessage)
	assert.Equal(t, 2, got.RetryCount, "record reflects the last real attempt before exhaustion")
}

func TestPipeline_UnknownTaskType(t *testing.T) {
	p := setupPipeline(t, 3)
	ctx := context.Background()

	p.start(t, 1)

	submitted, err := p.service.Submit(ctx, "BOGUS_TYPE", []byte(`{}`))
	require.NoError(t, err)

	got := awaitStatus(t, p.store, submitted.ID, task.StatusSuccess)

	var out map[string]string
	require.NoError(t, json.Unmarshal(got.Result, &out))
	assert.Equal(t, "unknown task type: BOGUS_TYPE", out["message"])
}
