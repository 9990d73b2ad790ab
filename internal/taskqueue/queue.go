// Package taskqueue is a Redis-backed delayed task queue with at-least-once
// delivery, bounded retries and a dead-letter list.
//
// Layout under the "tq:{name}:" prefix:
//
//	tasks     hash    id -> task JSON
//	scheduled zset    id scored by run-at (unix ms)
//	inflight  zset    id scored by visibility deadline (unix ms)
//	dead      list    task JSON, newest first
//	dedup:*   string  SET NX guards for deduplicated jobs
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/pkg/metrics"
)

// Lua script for atomic enqueue with optional dedup guard
const enqueueLuaScript = `
local dedupKey = ARGV[4]
if dedupKey ~= "" then
    if not redis.call("SET", dedupKey, ARGV[1], "NX", "PX", ARGV[5]) then
        return 0
    end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`

// Lua script moving due tasks from scheduled to inflight
const claimLuaScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[2], id)
    local body = redis.call("HGET", KEYS[3], id)
    if body then
        table.insert(out, body)
    else
        redis.call("ZREM", KEYS[2], id)
    end
end
return out
`

// Lua script returning expired inflight tasks to scheduled
const recoverLuaScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #ids
`

// Queue enqueues and claims tasks.
type Queue struct {
	rdb         *redis.Client
	prefix      string
	maxAttempts int
	dedupTTL    time.Duration
	visibility  time.Duration
	now         func() time.Time

	enqueueScript *redis.Script
	claimScript   *redis.Script
	recoverScript *redis.Script
}

type Option func(*Queue)

// WithClock overrides the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMaxAttempts sets the default attempt budget for jobs that do not set
// their own.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func NewQueue(rdb *redis.Client, cfg config.QueueConfig, opts ...Option) *Queue {
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	q := &Queue{
		rdb:           rdb,
		prefix:        "tq:" + name + ":",
		maxAttempts:   3,
		dedupTTL:      time.Duration(cfg.DedupTTLHours) * time.Hour,
		visibility:    time.Duration(cfg.VisibilitySecs) * time.Second,
		now:           time.Now,
		enqueueScript: redis.NewScript(enqueueLuaScript),
		claimScript:   redis.NewScript(claimLuaScript),
		recoverScript: redis.NewScript(recoverLuaScript),
	}
	if q.dedupTTL <= 0 {
		q.dedupTTL = 72 * time.Hour
	}
	if q.visibility <= 0 {
		q.visibility = 5 * time.Minute
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// NewQueueFromURL connects to Redis and returns a queue on it.
func NewQueueFromURL(ctx context.Context, redisURL string, cfg config.QueueConfig, opts ...Option) (*Queue, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewQueue(client, cfg, opts...), nil
}

func (q *Queue) key(k string) string { return q.prefix + k }

func (q *Queue) build(job Job) (*Task, []any, error) {
	if job.Type == "" {
		return nil, nil, errors.New("job type is required")
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s payload: %w", job.Type, err)
	}
	max := job.MaxAttempts
	if max <= 0 {
		max = q.maxAttempts
	}
	now := q.now()
	t := &Task{
		ID:          uuid.NewString(),
		Type:        job.Type,
		Payload:     payload,
		MaxAttempts: max,
		DedupKey:    job.DedupKey,
		EnqueuedAt:  now.UTC(),
	}
	body, err := json.Marshal(t)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal task: %w", err)
	}
	dedup := ""
	if job.DedupKey != "" {
		dedup = q.key("dedup:" + job.DedupKey)
	}
	args := []any{t.ID, body, now.Add(job.Delay).UnixMilli(), dedup, q.dedupTTL.Milliseconds()}
	return t, args, nil
}

// Enqueue adds one job. It returns the task id, or "" when the dedup key
// was already taken.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	t, args, err := q.build(job)
	if err != nil {
		return "", err
	}
	added, err := q.enqueueScript.Run(ctx, q.rdb, []string{q.key("tasks"), q.key("scheduled")}, args...).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	if added == 0 {
		return "", nil
	}
	metrics.TasksEnqueued.WithLabelValues(job.Type).Inc()
	return t.ID, nil
}

// EnqueueBatch adds jobs in one round trip and returns how many were new.
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	keys := []string{q.key("tasks"), q.key("scheduled")}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.Cmd, 0, len(jobs))
	for _, job := range jobs {
		_, args, err := q.build(job)
		if err != nil {
			return 0, err
		}
		cmds = append(cmds, q.enqueueScript.Eval(ctx, pipe, keys, args...))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("enqueue batch: %w", err)
	}

	added := 0
	for i, cmd := range cmds {
		if n, _ := cmd.Int(); n == 1 {
			added++
			metrics.TasksEnqueued.WithLabelValues(jobs[i].Type).Inc()
		}
	}
	return added, nil
}

// Claim moves up to limit due tasks inflight and returns them.
func (q *Queue) Claim(ctx context.Context, limit int) ([]*Task, error) {
	now := q.now()
	res, err := q.claimScript.Run(ctx, q.rdb,
		[]string{q.key("scheduled"), q.key("inflight"), q.key("tasks")},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), limit,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(res))
	for _, body := range res {
		var t Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// Ack removes a finished task.
func (q *Queue) Ack(ctx context.Context, t *Task) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("inflight"), t.ID)
		pipe.HDel(ctx, q.key("tasks"), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task %s: %w", t.ID, err)
	}
	return nil
}

// Retry records the failure and schedules the task again after delay.
func (q *Queue) Retry(ctx context.Context, t *Task, delay time.Duration, cause error) error {
	t.Attempt++
	if cause != nil {
		t.LastError = cause.Error()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("tasks"), t.ID, body)
		pipe.ZRem(ctx, q.key("inflight"), t.ID)
		pipe.ZAdd(ctx, q.key("scheduled"), redis.Z{Score: float64(q.now().Add(delay).UnixMilli()), Member: t.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry task %s: %w", t.ID, err)
	}
	return nil
}

// Bury moves a task to the dead-letter list.
func (q *Queue) Bury(ctx context.Context, t *Task, cause error) error {
	t.Attempt++
	if cause != nil {
		t.LastError = cause.Error()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("inflight"), t.ID)
		pipe.HDel(ctx, q.key("tasks"), t.ID)
		pipe.LPush(ctx, q.key("dead"), body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bury task %s: %w", t.ID, err)
	}
	return nil
}

// RecoverStale returns tasks whose visibility deadline passed (their
// worker died) to the scheduled set.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	n, err := q.recoverScript.Run(ctx, q.rdb,
		[]string{q.key("inflight"), q.key("scheduled")}, q.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return n, nil
}

// Dead returns up to n dead-lettered tasks, newest first.
func (q *Queue) Dead(ctx context.Context, n int) ([]Task, error) {
	bodies, err := q.rdb.LRange(ctx, q.key("dead"), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead tasks: %w", err)
	}
	out := make([]Task, 0, len(bodies))
	for _, b := range bodies {
		var t Task
		if err := json.Unmarshal([]byte(b), &t); err == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// Stats reports queue depth.
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Inflight  int64 `json:"inflight"`
	Dead      int64 `json:"dead"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	s := pipe.ZCard(ctx, q.key("scheduled"))
	i := pipe.ZCard(ctx, q.key("inflight"))
	d := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Scheduled: s.Val(), Inflight: i.Val(), Dead: d.Val()}, nil
}
