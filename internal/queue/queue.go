package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Outcome is the terminal signal a handler returns for a delivery.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Retry schedules the message for redelivery, or dead-letters it once
	// the redelivery cap is exhausted.
	Retry
)

// Delivery is one message handed to a subscriber. Attempts counts every
// delivery of this message including the current one.
type Delivery struct {
	ID       string
	Body     []byte
	Attempts int
}

// Redeliveries returns how many times this message was delivered before now.
func (d Delivery) Redeliveries() int {
	return d.Attempts - 1
}

// Handler processes a single delivery. Delivery is at-least-once: the same
// message may be handed to a handler again after Retry, a crash, or an
// expired lease.
type Handler func(ctx context.Context, d Delivery) Outcome

type Options struct {
	// Group namespaces all queue keys, so distinct consumer groups see
	// distinct queues.
	Group string
	// MaxRetries caps redeliveries; a message failing past the cap moves to
	// the dead-letter list.
	MaxRetries int
	// RetryDelay is how long a nacked message waits before redelivery.
	RetryDelay time.Duration
	// LeaseTimeout bounds how long a delivery may stay unacknowledged
	// before the reaper hands it out again.
	LeaseTimeout time.Duration
	// PollInterval paces idle consumers and the reaper.
	PollInterval time.Duration
}

// bodyTTL bounds how long an unconsumed message body is retained, so
// dead-lettered payloads do not pile up forever.
const bodyTTL = 24 * time.Hour

// Queue is a durable at-least-once message queue over Redis. Published
// message bodies live under their own keys; the ready list carries only
// message ids. A delivered id sits on a processing list under a lease, and a
// reaper requeues anything whose lease ran out.
type Queue struct {
	client *redis.Client
	opts   Options
	log    *slog.Logger
	wg     sync.WaitGroup
}

func New(client *redis.Client, opts Options, log *slog.Logger) *Queue {
	if opts.Group == "" {
		opts.Group = "default"
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Queue{client: client, opts: opts, log: log}
}

type topicKeys struct {
	ready      string
	processing string
	delayed    string
	leases     string
	dead       string
	attempts   string
	msgPrefix  string
}

func (q *Queue) keys(topic string) topicKeys {
	prefix := "taskrunner:queue:" + q.opts.Group + ":" + topic + ":"
	return topicKeys{
		ready:      prefix + "ready",
		processing: prefix + "processing",
		delayed:    prefix + "delayed",
		leases:     prefix + "leases",
		dead:       prefix + "dead",
		attempts:   prefix + "attempts",
		msgPrefix:  prefix + "msg:",
	}
}

// Publish enqueues a payload on the topic's ready list.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte) error {
	k := q.keys(topic)
	id := uuid.New().String()

	pipe := q.client.Pipeline()
	pipe.Set(ctx, k.msgPrefix+id, payload, bodyTTL)
	pipe.RPush(ctx, k.ready, id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts exactly concurrency consumer goroutines plus one reaper.
// The goroutine count is the hard cap on simultaneous handler invocations:
// each consumer runs one delivery to completion before taking the next, which
// is the system's only admission control. Subscribe returns immediately;
// Stop waits for the goroutines after ctx is cancelled.
func (q *Queue) Subscribe(ctx context.Context, topic string, concurrency int, h Handler) {
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.consume(ctx, topic, i, h)
	}
	q.wg.Add(1)
	go q.reap(ctx, topic)
	q.log.Info("subscribed", "topic", topic, "group", q.opts.Group, "concurrency", concurrency,
		"max_retries", q.opts.MaxRetries)
}

// Stop blocks until all consumers and the reaper have exited.
func (q *Queue) Stop() {
	q.wg.Wait()
}

func (q *Queue) consume(ctx context.Context, topic string, worker int, h Handler) {
	defer q.wg.Done()
	k := q.keys(topic)

	for {
		if ctx.Err() != nil {
			return
		}

		id, err := q.client.LMove(ctx, k.ready, k.processing, "LEFT", "RIGHT").Result()
		if err == redis.Nil {
			q.sleep(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error("dequeue failed", "topic", topic, "worker", worker, "error", err)
			q.sleep(ctx)
			continue
		}

		q.deliver(ctx, k, topic, worker, id, h)
	}
}

func (q *Queue) deliver(ctx context.Context, k topicKeys, topic string, worker int, id string, h Handler) {
	attempts, err := q.client.HIncrBy(ctx, k.attempts, id, 1).Result()
	if err != nil {
		q.log.Error("attempt count failed, requeueing", "msg_id", id, "error", err)
		q.requeue(ctx, k, id)
		return
	}

	deadline := time.Now().Add(q.opts.LeaseTimeout)
	if err := q.client.ZAdd(ctx, k.leases, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		q.log.Error("lease failed, requeueing", "msg_id", id, "error", err)
		q.requeue(ctx, k, id)
		return
	}

	body, err := q.client.Get(ctx, k.msgPrefix+id).Bytes()
	if err == redis.Nil {
		// Body gone: acked by a concurrent duplicate or expired. Nothing
		// left to deliver.
		q.drop(ctx, k, id)
		return
	}
	if err != nil {
		q.log.Error("message body read failed, requeueing", "msg_id", id, "error", err)
		q.requeue(ctx, k, id)
		return
	}

	switch h(ctx, Delivery{ID: id, Body: body, Attempts: int(attempts)}) {
	case Ack:
		q.ack(ctx, k, id)
	case Retry:
		if int(attempts) > q.opts.MaxRetries {
			q.deadLetter(ctx, k, id, int(attempts))
			return
		}
		q.log.Info("message nacked, scheduling redelivery",
			"topic", topic, "worker", worker, "msg_id", id, "attempt", attempts)
		q.delay(ctx, k, id)
	}
}

func (q *Queue) ack(ctx context.Context, k topicKeys, id string) {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, k.processing, 1, id)
	pipe.ZRem(ctx, k.leases, id)
	pipe.HDel(ctx, k.attempts, id)
	pipe.Del(ctx, k.msgPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("ack failed", "msg_id", id, "error", err)
	}
}

func (q *Queue) delay(ctx context.Context, k topicKeys, id string) {
	readyAt := time.Now().Add(q.opts.RetryDelay)
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, k.processing, 1, id)
	pipe.ZRem(ctx, k.leases, id)
	pipe.ZAdd(ctx, k.delayed, redis.Z{Score: float64(readyAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("redelivery scheduling failed", "msg_id", id, "error", err)
	}
}

func (q *Queue) requeue(ctx context.Context, k topicKeys, id string) {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, k.processing, 1, id)
	pipe.ZRem(ctx, k.leases, id)
	pipe.RPush(ctx, k.ready, id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("requeue failed", "msg_id", id, "error", err)
	}
}

func (q *Queue) drop(ctx context.Context, k topicKeys, id string) {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, k.processing, 1, id)
	pipe.ZRem(ctx, k.leases, id)
	pipe.HDel(ctx, k.attempts, id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("drop failed", "msg_id", id, "error", err)
	}
}

func (q *Queue) deadLetter(ctx context.Context, k topicKeys, id string, attempts int) {
	q.log.Warn("redelivery cap exhausted, dead-lettering", "msg_id", id, "attempts", attempts)
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, k.processing, 1, id)
	pipe.ZRem(ctx, k.leases, id)
	pipe.RPush(ctx, k.dead, id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("dead-letter failed", "msg_id", id, "error", err)
	}
}

// reap promotes due delayed messages, requeues deliveries whose lease
// expired without an ack, and reconciles the processing list against the
// lease set. A lease-expired message may still have its original handler
// running; the idempotent consumers downstream make that safe.
func (q *Queue) reap(ctx context.Context, topic string) {
	defer q.wg.Done()
	k := q.keys(topic)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	// Processing-list ids seen without a lease on the previous scan. A
	// consumer that crashed between dequeue and lease placement leaves its
	// message in that state forever; a live consumer only for an instant,
	// which the one-scan grace filters out.
	suspects := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)

		due, err := q.client.ZRangeByScore(ctx, k.delayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil && ctx.Err() == nil {
			q.log.Error("delayed scan failed", "topic", topic, "error", err)
		}
		for _, id := range due {
			pipe := q.client.Pipeline()
			pipe.ZRem(ctx, k.delayed, id)
			pipe.RPush(ctx, k.ready, id)
			if _, err := pipe.Exec(ctx); err != nil {
				q.log.Error("delayed promote failed", "msg_id", id, "error", err)
			}
		}

		expired, err := q.client.ZRangeByScore(ctx, k.leases, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil && ctx.Err() == nil {
			q.log.Error("lease scan failed", "topic", topic, "error", err)
		}
		for _, id := range expired {
			q.redeliver(ctx, k, topic, id, "lease expired")
		}

		inflight, err := q.client.LRange(ctx, k.processing, 0, -1).Result()
		if err != nil && ctx.Err() == nil {
			q.log.Error("processing scan failed", "topic", topic, "error", err)
		}
		next := make(map[string]struct{})
		for _, id := range inflight {
			if err := q.client.ZScore(ctx, k.leases, id).Err(); err != redis.Nil {
				continue
			}
			if _, seen := suspects[id]; !seen {
				next[id] = struct{}{}
				continue
			}
			q.redeliver(ctx, k, topic, id, "in-flight message has no lease")
		}
		suspects = next
	}
}

// redeliver hands a lost in-flight message out again, or dead-letters it
// when its delivery budget is already spent.
func (q *Queue) redeliver(ctx context.Context, k topicKeys, topic, id, reason string) {
	attempts, err := q.client.HGet(ctx, k.attempts, id).Int()
	if err != nil && err != redis.Nil {
		return
	}
	if attempts > q.opts.MaxRetries {
		q.deadLetter(ctx, k, id, attempts)
		return
	}
	q.log.Warn("requeueing in-flight message", "topic", topic, "msg_id", id,
		"attempts", attempts, "reason", reason)
	q.requeue(ctx, k, id)
}

// Depths reports queue sizes for a topic, for logging and introspection.
type Depths struct {
	Ready      int64
	Processing int64
	Delayed    int64
	Dead       int64
}

func (q *Queue) Depths(ctx context.Context, topic string) (Depths, error) {
	k := q.keys(topic)

	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, k.ready)
	processing := pipe.LLen(ctx, k.processing)
	delayed := pipe.ZCard(ctx, k.delayed)
	dead := pipe.LLen(ctx, k.dead)

	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, fmt.Errorf("queue depths: %w", err)
	}
	return Depths{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}

func (q *Queue) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.opts.PollInterval):
	}
}
