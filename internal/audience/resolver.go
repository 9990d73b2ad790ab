// Package audience turns an audience plus an optional segment predicate into
// an ordered, windowable list of contact ids.
package audience

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/ignite/broadcast-engine/internal/segmentation"
)

// Window is an ordered view of recipient ids. Pages are ordered by contact
// id so repeated calls against unchanged data return the same slices.
type Window interface {
	Count(ctx context.Context) (int, error)
	Page(ctx context.Context, offset, limit int) ([]string, error)
}

// Resolver queries the live contacts table on every call.
type Resolver struct {
	db         *sql.DB
	audienceID string
	pred       *segmentation.Predicate
}

// New returns a resolver over the subscribed contacts of audienceID. A nil
// predicate selects the whole audience.
func New(db *sql.DB, audienceID string, pred *segmentation.Predicate) *Resolver {
	return &Resolver{db: db, audienceID: audienceID, pred: pred}
}

func (r *Resolver) where() (string, []any) {
	clause := "c.audience_id = $1 AND c.subscribed = TRUE"
	args := []any{r.audienceID}
	if r.pred != nil {
		sql, pargs := r.pred.SQL(2)
		clause += " AND " + sql
		args = append(args, pargs...)
	}
	return clause, args
}

// Count returns the number of matching contacts.
func (r *Resolver) Count(ctx context.Context) (int, error) {
	where, args := r.where()
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts c WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audience %s: %w", r.audienceID, err)
	}
	return n, nil
}

// Page returns up to limit ids starting at offset.
func (r *Resolver) Page(ctx context.Context, offset, limit int) ([]string, error) {
	where, args := r.where()
	n := len(args)
	query := "SELECT c.id FROM contacts c WHERE " + where +
		" ORDER BY c.id ASC LIMIT $" + strconv.Itoa(n+1) + " OFFSET $" + strconv.Itoa(n+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page audience %s: %w", r.audienceID, err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// After returns up to limit ids greater than afterID. Unlike Page, rows
// inserted or removed below afterID do not move the next page.
func (r *Resolver) After(ctx context.Context, afterID string, limit int) ([]string, error) {
	where, args := r.where()
	n := len(args)
	query := "SELECT c.id FROM contacts c WHERE " + where +
		" AND c.id > $" + strconv.Itoa(n+1) +
		" ORDER BY c.id ASC LIMIT $" + strconv.Itoa(n+2)
	args = append(args, afterID, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page audience %s after %q: %w", r.audienceID, afterID, err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// All reads every matching id by walking the id key in pages of pageSize.
// Each id appears at most once even if the audience changes mid-read.
func (r *Resolver) All(ctx context.Context, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = 5000
	}
	var out []string
	last := ""
	for {
		page, err := r.After(ctx, last, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		last = page[len(page)-1]
	}
}
