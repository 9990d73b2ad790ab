package audience

import (
	"context"
)

// Snapshot is an id list materialized once. Count and Page never touch the
// database, so offsets computed from Count stay valid however the audience
// changes afterwards.
type Snapshot struct {
	ids []string
}

// NewSnapshot wraps an already ordered id list.
func NewSnapshot(ids []string) *Snapshot {
	return &Snapshot{ids: ids}
}

// TakeSnapshot reads every matching id from r.
func TakeSnapshot(ctx context.Context, r *Resolver, pageSize int) (*Snapshot, error) {
	ids, err := r.All(ctx, pageSize)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(ids), nil
}

func (s *Snapshot) Count(context.Context) (int, error) { return len(s.ids), nil }

func (s *Snapshot) Page(_ context.Context, offset, limit int) ([]string, error) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.ids) || limit <= 0 {
		return []string{}, nil
	}
	end := offset + limit
	if end > len(s.ids) {
		end = len(s.ids)
	}
	out := make([]string, end-offset)
	copy(out, s.ids[offset:end])
	return out, nil
}

// IDs returns the full list.
func (s *Snapshot) IDs() []string { return s.ids }
