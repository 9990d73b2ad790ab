package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pkg/metrics"
)

// ErrPermanent marks a handler failure that retrying cannot fix. The task
// goes straight to the dead-letter list.
var ErrPermanent = errors.New("permanent task failure")

// Handler executes one task type. Returning nil completes the task; any
// other error schedules a retry while attempts remain.
type Handler interface {
	Handle(ctx context.Context, t *Task) error
}

type HandlerFunc func(ctx context.Context, t *Task) error

func (f HandlerFunc) Handle(ctx context.Context, t *Task) error { return f(ctx, t) }

// Pool runs handlers for claimed tasks on a fixed number of workers.
type Pool struct {
	q          *Queue
	handlers   map[string]Handler
	numWorkers int
	poll       time.Duration
	retryBase  time.Duration
	retryMax   time.Duration
	recoverInt time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	totalDone   int64
	totalRetry  int64
	totalBuried int64
}

func NewPool(q *Queue, cfg config.QueueConfig) *Pool {
	p := &Pool{
		q:          q,
		handlers:   make(map[string]Handler),
		numWorkers: cfg.Concurrency,
		poll:       time.Duration(cfg.PollMillis) * time.Millisecond,
		retryBase:  time.Duration(cfg.RetryBaseSecs) * time.Second,
		retryMax:   time.Hour,
		recoverInt: time.Minute,
	}
	if p.numWorkers <= 0 {
		p.numWorkers = 1
	}
	if p.poll <= 0 {
		p.poll = 500 * time.Millisecond
	}
	return p
}

// Register binds a handler to a task type. Call before Start.
func (p *Pool) Register(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// Start begins the worker pool
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	logger.Info("task pool starting", "workers", p.numWorkers, "queue", p.q.prefix)

	p.wg.Add(1)
	go p.recoverLoop()

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("task pool stopped",
		"done", atomic.LoadInt64(&p.totalDone),
		"retried", atomic.LoadInt64(&p.totalRetry),
		"buried", atomic.LoadInt64(&p.totalBuried))
}

// Stats returns current statistics
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_done":    atomic.LoadInt64(&p.totalDone),
		"total_retried": atomic.LoadInt64(&p.totalRetry),
		"total_buried":  atomic.LoadInt64(&p.totalBuried),
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		if p.ctx.Err() != nil {
			return
		}
		tasks, err := p.q.Claim(p.ctx, 1)
		if err != nil {
			if p.ctx.Err() == nil {
				logger.Error("task claim failed", "worker", n, "error", err)
			}
			p.sleep(time.Second)
			continue
		}
		if len(tasks) == 0 {
			p.sleep(p.poll)
			continue
		}
		for _, t := range tasks {
			// finish the task even while stopping
			p.Process(context.WithoutCancel(p.ctx), t)
		}
	}
}

func (p *Pool) recoverLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.recoverInt)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.q.RecoverStale(p.ctx); err != nil {
				logger.Error("task recovery failed", "error", err)
			} else if n > 0 {
				logger.Warn("recovered stale tasks", "count", n)
			}
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
	case <-t.C:
	}
}

// Process runs the handler for a claimed task and settles it: ack on
// success, retry with backoff while attempts remain, bury otherwise.
func (p *Pool) Process(ctx context.Context, t *Task) {
	h, ok := p.handlers[t.Type]
	if !ok {
		p.bury(ctx, t, fmt.Errorf("%w: no handler for %q", ErrPermanent, t.Type))
		return
	}

	err := p.run(ctx, h, t)
	switch {
	case err == nil:
		if ackErr := p.q.Ack(ctx, t); ackErr != nil {
			logger.Error("task ack failed", "task_id", t.ID, "error", ackErr)
		}
		atomic.AddInt64(&p.totalDone, 1)
		metrics.TasksTotal.WithLabelValues(t.Type, "done").Inc()

	case errors.Is(err, ErrPermanent) || t.Attempt+1 >= t.MaxAttempts:
		p.bury(ctx, t, err)

	default:
		delay := p.backoff(t.Attempt + 1)
		logger.Warn("task failed, retrying", "task_id", t.ID, "type", t.Type,
			"attempt", t.Attempt+1, "max_attempts", t.MaxAttempts, "delay", delay.String(), "error", err)
		if rErr := p.q.Retry(ctx, t, delay, err); rErr != nil {
			logger.Error("task retry failed", "task_id", t.ID, "error", rErr)
		}
		atomic.AddInt64(&p.totalRetry, 1)
		metrics.TasksTotal.WithLabelValues(t.Type, "retry").Inc()
	}
}

func (p *Pool) run(ctx context.Context, h Handler, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return h.Handle(ctx, t)
}

func (p *Pool) bury(ctx context.Context, t *Task, cause error) {
	logger.Error("task dead-lettered", "task_id", t.ID, "type", t.Type, "attempt", t.Attempt+1, "error", cause)
	if err := p.q.Bury(ctx, t, cause); err != nil {
		logger.Error("task bury failed", "task_id", t.ID, "error", err)
	}
	atomic.AddInt64(&p.totalBuried, 1)
	metrics.TasksTotal.WithLabelValues(t.Type, "dead").Inc()
}

// backoff is retryBase * 2^(attempt-1), capped at retryMax.
func (p *Pool) backoff(attempt int) time.Duration {
	if p.retryBase <= 0 {
		return 0
	}
	d := time.Duration(float64(p.retryBase) * math.Pow(2, float64(attempt-1)))
	if d > p.retryMax || d <= 0 {
		return p.retryMax
	}
	return d
}
