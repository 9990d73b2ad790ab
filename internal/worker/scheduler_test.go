package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/broadcast-engine/internal/abtest"
	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pkg/distlock"
	"github.com/ignite/broadcast-engine/internal/segmentation"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
)

var schedNow = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

type schedFixture struct {
	store     *memStore
	segments  *fakeSegments
	audiences *fakeAudiences
	queue     *recordingQueue
	sched     *Scheduler
}

func newSchedFixture(t *testing.T, cfg SchedulerConfig, audienceSize int) *schedFixture {
	t.Helper()
	f := &schedFixture{
		store:     newMemStore(),
		segments:  &fakeSegments{segments: map[string]*segmentation.Segment{}},
		audiences: &fakeAudiences{ids: map[string][]string{"aud-1": contactIDs(audienceSize)}},
		queue:     &recordingQueue{},
	}
	f.store.broadcasts["b1"] = &domain.Broadcast{ID: "b1", AudienceID: "aud-1", Status: domain.BroadcastDraft}
	f.sched = NewScheduler(SchedulerDeps{
		Broadcasts: f.store,
		Segments:   f.segments,
		Audiences:  f.audiences,
		Queue:      f.queue,
		Now:        func() time.Time { return schedNow },
	}, cfg)
	return f
}

func TestDispatch_PlainBroadcastInBatches(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{BatchSize: 3, SnapshotAudience: true}, 7)

	res, err := f.sched.Dispatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Total)
	assert.Equal(t, 7, res.Enqueued)
	assert.Nil(t, res.FinalSample)

	require.Len(t, f.queue.batches, 3)
	assert.Len(t, f.queue.batches[0], 3)
	assert.Len(t, f.queue.batches[2], 1)

	jobs := f.queue.sends()
	for i, j := range jobs {
		assert.Equal(t, TaskSendContact, j.Type)
		assert.Equal(t, 3, j.MaxAttempts)
		assert.Zero(t, j.Delay)
		p := j.Payload.(SendContactPayload)
		assert.Equal(t, contactIDs(7)[i], p.ContactID)
		assert.Equal(t, "b1:"+p.ContactID+":", j.DedupKey)
	}
	assert.Empty(t, f.queue.singles)
	assert.True(t, f.audiences.snapshot)
	assert.Nil(t, f.audiences.lastPred)
	assert.Equal(t, []domain.BroadcastStatus{domain.BroadcastQueuedForSending, domain.BroadcastSending}, f.store.statuses)
}

func TestDispatch_ABTestRanges(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{BatchSize: 1000}, 100)
	b := f.store.broadcasts["b1"]
	b.IsABTest = true
	b.WaitingTime = 2 * time.Hour
	f.store.variants["b1"] = []domain.AbTestVariant{
		{ID: "va", BroadcastID: "b1", Weight: 30},
		{ID: "vb", BroadcastID: "b1", Weight: 20},
	}

	res, err := f.sched.Dispatch(context.Background(), "b1")
	require.NoError(t, err)

	assert.Equal(t, 100, res.Total)
	assert.Equal(t, 100, res.Enqueued)
	require.Len(t, res.Variants, 2)
	assert.Equal(t, abtest.Range{Start: 0, End: 30}, res.Variants[0].Range)
	assert.Equal(t, abtest.Range{Start: 30, End: 50}, res.Variants[1].Range)
	assert.Equal(t, &abtest.Range{Start: 50, End: 100}, res.FinalSample)
	assert.Equal(t, schedNow.Add(2*time.Hour), *res.WinnerAt)

	require.Len(t, f.queue.batches, 3)
	ids := contactIDs(100)

	va := f.queue.batches[0]
	require.Len(t, va, 30)
	assert.Equal(t, ids[0], va[0].Payload.(SendContactPayload).ContactID)
	assert.Equal(t, "va", va[29].Payload.(SendContactPayload).VariantID)
	assert.Equal(t, "b1:"+ids[29]+":va", va[29].DedupKey)

	vb := f.queue.batches[1]
	require.Len(t, vb, 20)
	assert.Equal(t, ids[30], vb[0].Payload.(SendContactPayload).ContactID)
	assert.Equal(t, "vb", vb[0].Payload.(SendContactPayload).VariantID)

	final := f.queue.batches[2]
	require.Len(t, final, 50)
	fp := final[0].Payload.(SendContactPayload)
	assert.Equal(t, ids[50], fp.ContactID)
	assert.True(t, fp.FinalSample)
	assert.Empty(t, fp.VariantID)
	assert.Equal(t, 2*time.Hour+30*time.Minute, final[0].Delay)

	require.Len(t, f.queue.singles, 1)
	pick := f.queue.singles[0]
	assert.Equal(t, TaskPickWinner, pick.Type)
	assert.Equal(t, 2*time.Hour, pick.Delay)
	assert.Equal(t, PickWinnerPayload{BroadcastID: "b1"}, pick.Payload)
	assert.Equal(t, "pick_winner:b1", pick.DedupKey)
}

func TestDispatch_ABTestDefaultWait(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{WinnerBuffer: time.Minute}, 10)
	f.store.broadcasts["b1"].IsABTest = true
	f.store.variants["b1"] = []domain.AbTestVariant{{ID: "va", Weight: 50}}

	_, err := f.sched.Dispatch(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, f.queue.singles, 1)
	assert.Equal(t, 4*time.Hour, f.queue.singles[0].Delay)
	last := f.queue.batches[len(f.queue.batches)-1]
	assert.Equal(t, 4*time.Hour+time.Minute, last[0].Delay)
}

func TestDispatch_ABTestConfiguredDefaultWait(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{WinnerBuffer: time.Minute, DefaultWinnerWait: time.Hour}, 10)
	f.store.broadcasts["b1"].IsABTest = true
	f.store.variants["b1"] = []domain.AbTestVariant{{ID: "va", Weight: 50}}

	_, err := f.sched.Dispatch(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, f.queue.singles, 1)
	assert.Equal(t, time.Hour, f.queue.singles[0].Delay)
}

func TestDispatch_MissingPrerequisites(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{}, 5)

	_, err := f.sched.Dispatch(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPrerequisite)

	f.store.broadcasts["b2"] = &domain.Broadcast{ID: "b2", AudienceID: "gone", Status: domain.BroadcastDraft}
	_, err = f.sched.Dispatch(context.Background(), "b2")
	assert.ErrorIs(t, err, ErrPrerequisite)

	assert.Empty(t, f.store.statuses)
	assert.Empty(t, f.queue.batches)
}

func TestDispatch_RejectsTerminalStatus(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{}, 5)
	f.store.broadcasts["b1"].Status = domain.BroadcastSent

	_, err := f.sched.Dispatch(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrNotDispatchable)
	assert.Empty(t, f.store.statuses)
}

func TestDispatch_InvalidSegmentMarksFailed(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{}, 5)
	f.store.broadcasts["b1"].SegmentID = strPtr("seg-1")
	f.segments.segments["seg-1"] = &segmentation.Segment{
		ID:         "seg-1",
		AudienceID: "aud-1",
		Filter: segmentation.FilterGroup{
			Combinator: segmentation.And,
			Conditions: []segmentation.FilterCondition{{Field: "password", Operation: segmentation.OpEq, Value: "x"}},
		},
	}

	_, err := f.sched.Dispatch(context.Background(), "b1")
	var verr *segmentation.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, domain.BroadcastSendingFailed, f.store.broadcasts["b1"].Status)
	assert.Empty(t, f.queue.batches)
}

func TestDispatch_SegmentPredicateReachesAudience(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{}, 5)
	f.store.broadcasts["b1"].SegmentID = strPtr("seg-1")
	f.segments.segments["seg-1"] = &segmentation.Segment{
		ID:         "seg-1",
		AudienceID: "aud-1",
		Filter: segmentation.FilterGroup{
			Conditions: []segmentation.FilterCondition{{Field: "first_name", Operation: segmentation.OpEq, Value: "Ann"}},
		},
	}

	_, err := f.sched.Dispatch(context.Background(), "b1")
	require.NoError(t, err)
	require.NotNil(t, f.audiences.lastPred)
	sql, args := f.audiences.lastPred.SQL(2)
	assert.Contains(t, sql, "c.first_name = $2")
	assert.Equal(t, []any{"Ann"}, args)
	assert.False(t, f.audiences.snapshot)
}

func TestDispatch_BadWeightsMarkFailed(t *testing.T) {
	f := newSchedFixture(t, SchedulerConfig{}, 5)
	f.store.broadcasts["b1"].IsABTest = true
	f.store.variants["b1"] = []domain.AbTestVariant{{ID: "va", Weight: 70}, {ID: "vb", Weight: 40}}

	_, err := f.sched.Dispatch(context.Background(), "b1")
	assert.ErrorIs(t, err, abtest.ErrWeightSum)
	assert.Equal(t, domain.BroadcastSendingFailed, f.store.broadcasts["b1"].Status)
}

func TestDispatch_LockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := newSchedFixture(t, SchedulerConfig{}, 5)
	f.sched.deps.Locks = distlock.NewFactory(rdb, nil, time.Minute)

	other := distlock.NewRedisLock(rdb, "broadcast:dispatch:b1", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.sched.Dispatch(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrDispatchInProgress)

	require.NoError(t, other.Release(context.Background()))
	res, err := f.sched.Dispatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Enqueued)
}

func TestDispatch_RedispatchIsDeduplicated(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := taskqueue.NewQueue(rdb, config.QueueConfig{Name: "sched"})
	f := newSchedFixture(t, SchedulerConfig{BatchSize: 2}, 5)
	f.sched.deps.Queue = q

	_, err := f.sched.Dispatch(context.Background(), "b1")
	require.NoError(t, err)

	// a crashed dispatch leaves the broadcast queued; running it again
	// must not double the tasks
	f.store.broadcasts["b1"].Status = domain.BroadcastQueuedForSending
	_, err = f.sched.Dispatch(context.Background(), "b1")
	require.NoError(t, err)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Scheduled)
}

func TestSchedulerConfigFrom(t *testing.T) {
	cfg := SchedulerConfigFrom(config.DeliveryConfig{BatchSize: 50, TaskMaxAttempts: 4, WinnerBufferMins: 15, DefaultWinnerHours: 6})
	assert.Equal(t, SchedulerConfig{
		BatchSize:         50,
		TaskMaxAttempts:   4,
		SnapshotAudience:  true,
		WinnerBuffer:      15 * time.Minute,
		DefaultWinnerWait: 6 * time.Hour,
	}, cfg)
}
