package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/broadcast-engine/internal/abtest"
	"github.com/ignite/broadcast-engine/internal/audience"
	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/distlock"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pkg/metrics"
	"github.com/ignite/broadcast-engine/internal/segmentation"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
)

// =============================================================================
// BROADCAST SCHEDULER
// =============================================================================
// Dispatch turns one broadcast into per-contact send tasks:
//
//   - plain sends enqueue the whole audience in batches
//   - A/B sends enqueue each variant's range now, the final sample after
//     the winner wait plus a buffer, and one pick_winner task at the end of
//     the wait
//
// The scheduler never retries; retries belong to the task queue.

// SchedulerDeps are the collaborators of a Scheduler. Locks is optional.
type SchedulerDeps struct {
	Broadcasts BroadcastRepository
	Segments   SegmentRepository
	Audiences  AudienceSource
	Queue      Enqueuer
	Locks      distlock.Factory
	Now        func() time.Time
}

// SchedulerConfig tunes dispatch.
type SchedulerConfig struct {
	BatchSize        int
	TaskMaxAttempts  int
	SnapshotAudience bool
	WinnerBuffer     time.Duration

	// DefaultWinnerWait applies to A/B broadcasts without their own wait.
	DefaultWinnerWait time.Duration
}

// SchedulerConfigFrom maps the delivery config section.
func SchedulerConfigFrom(c config.DeliveryConfig) SchedulerConfig {
	return SchedulerConfig{
		BatchSize:        c.BatchSize,
		TaskMaxAttempts:  c.TaskMaxAttempts,
		SnapshotAudience: c.Snapshot(),
		WinnerBuffer:     c.WinnerBuffer(),

		DefaultWinnerWait: c.DefaultWinnerWait(),
	}
}

// VariantDispatch is what was enqueued for one variant.
type VariantDispatch struct {
	VariantID string       `json:"variant_id"`
	Range     abtest.Range `json:"range"`
	Enqueued  int          `json:"enqueued"`
}

// DispatchResult summarizes one Dispatch.
type DispatchResult struct {
	BroadcastID string            `json:"broadcast_id"`
	Total       int               `json:"total"`
	Enqueued    int               `json:"enqueued"`
	Variants    []VariantDispatch `json:"variants,omitempty"`
	FinalSample *abtest.Range     `json:"final_sample,omitempty"`
	WinnerAt    *time.Time        `json:"winner_at,omitempty"`
}

// Scheduler dispatches broadcasts.
type Scheduler struct {
	deps SchedulerDeps
	cfg  SchedulerConfig
	now  func() time.Time
}

func NewScheduler(deps SchedulerDeps, cfg SchedulerConfig) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.TaskMaxAttempts <= 0 {
		cfg.TaskMaxAttempts = 3
	}
	if cfg.WinnerBuffer <= 0 {
		cfg.WinnerBuffer = 30 * time.Minute
	}
	if cfg.DefaultWinnerWait <= 0 {
		cfg.DefaultWinnerWait = domain.DefaultWinnerWait
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{deps: deps, cfg: cfg, now: now}
}

// Dispatch enqueues every send task of a broadcast. A missing broadcast or
// audience returns an error wrapping ErrPrerequisite and changes nothing.
// An invalid segment or variant setup marks the broadcast SENDING_FAILED.
func (s *Scheduler) Dispatch(ctx context.Context, broadcastID string) (*DispatchResult, error) {
	if s.deps.Locks == nil {
		return s.dispatch(ctx, broadcastID)
	}

	var res *DispatchResult
	err := distlock.WithLock(ctx, s.deps.Locks("broadcast:dispatch:"+broadcastID), func(ctx context.Context) error {
		var err error
		res, err = s.dispatch(ctx, broadcastID)
		return err
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		metrics.DispatchesTotal.WithLabelValues("locked").Inc()
		return nil, ErrDispatchInProgress
	}
	return res, err
}

func (s *Scheduler) dispatch(ctx context.Context, broadcastID string) (*DispatchResult, error) {
	b, err := s.deps.Broadcasts.GetBroadcast(ctx, broadcastID)
	if errors.Is(err, domain.ErrNotFound) {
		metrics.DispatchesTotal.WithLabelValues("skipped").Inc()
		return nil, fmt.Errorf("broadcast %s: %w", broadcastID, ErrPrerequisite)
	}
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load broadcast: %w", err)
	}
	if !b.CanDispatch() {
		metrics.DispatchesTotal.WithLabelValues("skipped").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotDispatchable, b.Status)
	}

	ok, err := s.deps.Audiences.Exists(ctx, b.AudienceID)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !ok {
		metrics.DispatchesTotal.WithLabelValues("skipped").Inc()
		return nil, fmt.Errorf("audience %s: %w", b.AudienceID, ErrPrerequisite)
	}

	if err := s.deps.Broadcasts.UpdateBroadcastStatus(ctx, b.ID, domain.BroadcastQueuedForSending); err != nil {
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("queue broadcast: %w", err)
	}

	pred, err := s.predicate(ctx, b)
	if err != nil {
		if IsSetupError(err) {
			return nil, s.fail(ctx, b, err)
		}
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("compile segment: %w", err)
	}

	window, err := s.deps.Audiences.Window(ctx, b.AudienceID, pred, s.cfg.SnapshotAudience)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	total, err := window.Count(ctx)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	res := &DispatchResult{BroadcastID: b.ID, Total: total}
	if b.IsABTest {
		err = s.dispatchABTest(ctx, b, window, res)
	} else {
		res.Enqueued, err = s.enqueueRange(ctx, window, abtest.Range{Start: 0, End: total}, SendContactPayload{BroadcastID: b.ID}, 0)
	}
	if err != nil {
		if IsSetupError(err) {
			return nil, s.fail(ctx, b, err)
		}
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := s.deps.Broadcasts.UpdateBroadcastStatus(ctx, b.ID, domain.BroadcastSending); err != nil {
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("mark broadcast sending: %w", err)
	}

	metrics.DispatchesTotal.WithLabelValues("ok").Inc()
	logger.Info("broadcast dispatched",
		"broadcast_id", b.ID, "total", res.Total, "enqueued", res.Enqueued,
		"ab_test", b.IsABTest, "snapshot", s.cfg.SnapshotAudience)
	return res, nil
}

// predicate compiles the broadcast's segment. A nil predicate means the
// whole audience.
func (s *Scheduler) predicate(ctx context.Context, b *domain.Broadcast) (*segmentation.Predicate, error) {
	if b.SegmentID == nil || *b.SegmentID == "" {
		return nil, nil
	}
	seg, err := s.deps.Segments.Get(ctx, *b.SegmentID)
	if err != nil {
		return nil, err
	}
	if seg.AudienceID != "" && seg.AudienceID != b.AudienceID {
		return nil, fmt.Errorf("%w: segment %s belongs to audience %s", errSegmentAudience, seg.ID, seg.AudienceID)
	}
	types, err := s.deps.Segments.PropertyTypes(ctx, b.AudienceID)
	if err != nil {
		return nil, err
	}
	compiler := segmentation.NewCompiler(
		segmentation.WithPropertyTypes(types),
		segmentation.WithClock(s.now),
	)
	return compiler.Compile(seg.Filter)
}

func (s *Scheduler) dispatchABTest(ctx context.Context, b *domain.Broadcast, w audience.Window, res *DispatchResult) error {
	variants, err := s.deps.Broadcasts.ListVariants(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("list variants: %w", err)
	}
	weighted := make([]abtest.Weighted, len(variants))
	for i, v := range variants {
		weighted[i] = abtest.Weighted{ID: v.ID, Weight: v.Weight}
	}
	plan, err := abtest.Partition(weighted, res.Total)
	if err != nil {
		return err
	}

	for _, a := range plan.Variants {
		n, err := s.enqueueRange(ctx, w, a.Range, SendContactPayload{BroadcastID: b.ID, VariantID: a.VariantID}, 0)
		if err != nil {
			return err
		}
		res.Variants = append(res.Variants, VariantDispatch{VariantID: a.VariantID, Range: a.Range, Enqueued: n})
		res.Enqueued += n
	}

	wait := b.WaitingTime
	if wait <= 0 {
		wait = s.cfg.DefaultWinnerWait
	}
	final := plan.FinalSample
	res.FinalSample = &final
	n, err := s.enqueueRange(ctx, w, final, SendContactPayload{BroadcastID: b.ID, FinalSample: true}, wait+s.cfg.WinnerBuffer)
	if err != nil {
		return err
	}
	res.Enqueued += n

	if _, err := s.deps.Queue.Enqueue(ctx, taskqueue.Job{
		Type:        TaskPickWinner,
		Payload:     PickWinnerPayload{BroadcastID: b.ID},
		Delay:       wait,
		MaxAttempts: s.cfg.TaskMaxAttempts,
		DedupKey:    TaskPickWinner + ":" + b.ID,
	}); err != nil {
		return fmt.Errorf("enqueue pick_winner: %w", err)
	}
	at := s.now().Add(wait)
	res.WinnerAt = &at
	return nil
}

// enqueueRange pages through r in batches and enqueues one send task per
// contact. It returns how many ids the window yielded.
func (s *Scheduler) enqueueRange(ctx context.Context, w audience.Window, r abtest.Range, tmpl SendContactPayload, delay time.Duration) (int, error) {
	count := 0
	for offset := r.Start; offset < r.End; offset += s.cfg.BatchSize {
		limit := s.cfg.BatchSize
		if offset+limit > r.End {
			limit = r.End - offset
		}
		ids, err := w.Page(ctx, offset, limit)
		if err != nil {
			return count, fmt.Errorf("page audience at %d: %w", offset, err)
		}
		if len(ids) == 0 {
			break
		}

		jobs := make([]taskqueue.Job, len(ids))
		for i, id := range ids {
			p := tmpl
			p.ContactID = id
			jobs[i] = taskqueue.Job{
				Type:        TaskSendContact,
				Payload:     p,
				Delay:       delay,
				MaxAttempts: s.cfg.TaskMaxAttempts,
				DedupKey:    p.DedupKey(),
			}
		}
		if _, err := s.deps.Queue.EnqueueBatch(ctx, jobs); err != nil {
			return count, fmt.Errorf("enqueue batch at %d: %w", offset, err)
		}
		count += len(ids)
	}
	return count, nil
}

var errSegmentAudience = errors.New("segment audience mismatch")

// IsSetupError reports errors a retry cannot fix: the broadcast itself is
// misconfigured.
func IsSetupError(err error) bool {
	var verr *segmentation.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, segmentation.ErrSegmentNotFound) ||
		errors.Is(err, errSegmentAudience) ||
		errors.Is(err, abtest.ErrWeightRange) ||
		errors.Is(err, abtest.ErrWeightSum) ||
		errors.Is(err, abtest.ErrNoVariants)
}

func (s *Scheduler) fail(ctx context.Context, b *domain.Broadcast, cause error) error {
	metrics.DispatchesTotal.WithLabelValues("failed").Inc()
	logger.Error("broadcast dispatch failed", "broadcast_id", b.ID, "error", cause)
	if err := s.deps.Broadcasts.UpdateBroadcastStatus(context.WithoutCancel(ctx), b.ID, domain.BroadcastSendingFailed); err != nil {
		logger.Error("failed to mark broadcast failed", "broadcast_id", b.ID, "error", err)
	}
	return cause
}
