package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/broadcast-engine/internal/audience"
	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/pmta"
	"github.com/ignite/broadcast-engine/internal/segmentation"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
)

// memStore implements every repository the worker needs.
type memStore struct {
	mu         sync.Mutex
	broadcasts map[string]*domain.Broadcast
	variants   map[string][]domain.AbTestVariant
	stats      map[string][]domain.VariantStats
	contacts   map[string]*domain.Contact
	domains    map[string]*domain.SendingDomain
	sends      map[string]*domain.EmailSend
	byDedup    map[string]string
	statuses   []domain.BroadcastStatus
	failErr    error
}

func newMemStore() *memStore {
	return &memStore{
		broadcasts: map[string]*domain.Broadcast{},
		variants:   map[string][]domain.AbTestVariant{},
		stats:      map[string][]domain.VariantStats{},
		contacts:   map[string]*domain.Contact{},
		domains:    map[string]*domain.SendingDomain{},
		sends:      map[string]*domain.EmailSend{},
		byDedup:    map[string]string{},
	}
}

func (m *memStore) GetBroadcast(_ context.Context, id string) (*domain.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	b, ok := m.broadcasts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) UpdateBroadcastStatus(_ context.Context, id string, status domain.BroadcastStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return domain.ErrNotFound
	}
	b.Status = status
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memStore) SetWinningVariant(_ context.Context, broadcastID, variantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts[broadcastID].WinningVariantID = &variantID
	return nil
}

func (m *memStore) ListVariants(_ context.Context, broadcastID string) ([]domain.AbTestVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variants[broadcastID], nil
}

func (m *memStore) VariantStats(_ context.Context, broadcastID string) ([]domain.VariantStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[broadcastID], nil
}

func (m *memStore) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetSendingDomain(_ context.Context, id string) (*domain.SendingDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (m *memStore) ClaimSend(_ context.Context, s *domain.EmailSend) (*domain.EmailSend, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.DedupKey != nil {
		if id, ok := m.byDedup[*s.DedupKey]; ok {
			cp := *m.sends[id]
			return &cp, false, nil
		}
		m.byDedup[*s.DedupKey] = s.ID
	}
	cp := *s
	m.sends[s.ID] = &cp
	return s, true, nil
}

func (m *memStore) MarkInjected(_ context.Context, id, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sends[id]
	if !ok {
		return fmt.Errorf("send %s: %w", id, domain.ErrNotFound)
	}
	s.Status = domain.SendInjected
	s.MessageID = messageID
	s.InjectedAt = &at
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sends[id]
	if !ok {
		return fmt.Errorf("send %s: %w", id, domain.ErrNotFound)
	}
	s.Status = domain.SendFailed
	s.Error = &reason
	return nil
}

func (m *memStore) sendList() []domain.EmailSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EmailSend, 0, len(m.sends))
	for _, s := range m.sends {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

type fakeSegments struct {
	segments map[string]*segmentation.Segment
	types    map[string]segmentation.PropertyType
}

func (f *fakeSegments) Get(_ context.Context, id string) (*segmentation.Segment, error) {
	s, ok := f.segments[id]
	if !ok {
		return nil, segmentation.ErrSegmentNotFound
	}
	return s, nil
}

func (f *fakeSegments) PropertyTypes(context.Context, string) (map[string]segmentation.PropertyType, error) {
	return f.types, nil
}

// fakeAudiences serves fixed id lists and records how it was asked.
type fakeAudiences struct {
	ids      map[string][]string
	lastPred *segmentation.Predicate
	snapshot bool
}

func (f *fakeAudiences) Exists(_ context.Context, id string) (bool, error) {
	_, ok := f.ids[id]
	return ok, nil
}

func (f *fakeAudiences) Window(_ context.Context, id string, pred *segmentation.Predicate, snapshot bool) (audience.Window, error) {
	f.lastPred, f.snapshot = pred, snapshot
	return audience.NewSnapshot(f.ids[id]), nil
}

// recordingQueue keeps every job it was given.
type recordingQueue struct {
	mu      sync.Mutex
	batches [][]taskqueue.Job
	singles []taskqueue.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job taskqueue.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.singles = append(q.singles, job)
	return fmt.Sprintf("task-%d", len(q.singles)), nil
}

func (q *recordingQueue) EnqueueBatch(_ context.Context, jobs []taskqueue.Job) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, jobs)
	return len(jobs), nil
}

func (q *recordingQueue) sends() []taskqueue.Job {
	var out []taskqueue.Job
	for _, b := range q.batches {
		out = append(out, b...)
	}
	return out
}

// fakeInjector fails recipients listed in fail.
type fakeInjector struct {
	mu        sync.Mutex
	got       []pmta.Injection
	fail      map[string]bool
	permanent bool
}

func (f *fakeInjector) Inject(_ context.Context, inj pmta.Injection) pmta.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, inj)
	res := pmta.Result{SendID: inj.SendID, Recipient: inj.Recipient, MessageID: inj.MessageID}
	if f.fail[inj.Recipient] {
		res.Errors = []string{"injector returned 503"}
		res.Permanent = f.permanent
		return res
	}
	res.OK = true
	return res
}

func (f *fakeInjector) InjectBatch(ctx context.Context, injs []pmta.Injection) []pmta.Result {
	out := make([]pmta.Result, len(injs))
	for i, inj := range injs {
		out[i] = f.Inject(ctx, inj)
	}
	return out
}

func contactIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%03d", i)
	}
	return ids
}

func strPtr(s string) *string { return &s }
