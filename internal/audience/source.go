package audience

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/broadcast-engine/internal/segmentation"
)

// Source opens windows over audiences stored in Postgres.
type Source struct {
	db       *sql.DB
	pageSize int
}

// NewSource returns a Source that snapshots in pages of pageSize ids.
func NewSource(db *sql.DB, pageSize int) *Source {
	return &Source{db: db, pageSize: pageSize}
}

// Exists reports whether the audience row is present.
func (s *Source) Exists(ctx context.Context, audienceID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM audiences WHERE id = $1)", audienceID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check audience %s: %w", audienceID, err)
	}
	return ok, nil
}

// Window returns a live Resolver, or a Snapshot of it when snapshot is set.
func (s *Source) Window(ctx context.Context, audienceID string, pred *segmentation.Predicate, snapshot bool) (Window, error) {
	r := New(s.db, audienceID, pred)
	if !snapshot {
		return r, nil
	}
	return TakeSnapshot(ctx, r, s.pageSize)
}
