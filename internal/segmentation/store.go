package segmentation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Store reads saved segments. Filters are stored as JSONB.
type Store struct {
	db *sql.DB
}

// NewStore creates a new segment store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get loads one segment by id.
func (s *Store) Get(ctx context.Context, id string) (*Segment, error) {
	var (
		seg Segment
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, audience_id, name, filter
		FROM segments
		WHERE id = $1
	`, id).Scan(&seg.ID, &seg.AudienceID, &seg.Name, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment %s: %w", id, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &seg.Filter); err != nil {
			return nil, fmt.Errorf("decode segment %s filter: %w", id, err)
		}
	}
	return &seg, nil
}

// PropertyTypes returns the declared property types of an audience, for
// use with WithPropertyTypes.
func (s *Store) PropertyTypes(ctx context.Context, audienceID string) (map[string]PropertyType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type
		FROM property_definitions
		WHERE audience_id = $1
	`, audienceID)
	if err != nil {
		return nil, fmt.Errorf("list property definitions: %w", err)
	}
	defer rows.Close()

	out := map[string]PropertyType{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan property definition: %w", err)
		}
		out[name] = PropertyType(typ)
	}
	return out, rows.Err()
}
