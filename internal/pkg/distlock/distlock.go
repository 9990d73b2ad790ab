// Package distlock guards work that must not run on two hosts at once,
// such as dispatching the same broadcast twice.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by WithLock when another holder owns the key.
var ErrNotAcquired = errors.New("distlock: lock held elsewhere")

// DistLock is a non-blocking mutual exclusion lock. A single instance must
// not be shared across goroutines.
type DistLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Factory builds a lock for a key.
type Factory func(key string) DistLock

// NewFactory prefers Redis and falls back to Postgres advisory locks when
// no Redis client is configured.
func NewFactory(rdb *redis.Client, db *sql.DB, ttl time.Duration) Factory {
	return func(key string) DistLock {
		if rdb != nil {
			return NewRedisLock(rdb, key, ttl)
		}
		return NewPGAdvisoryLock(db, key)
	}
}

// WithLock runs fn while holding the lock, releasing it afterwards even
// when fn fails.
func WithLock(ctx context.Context, l DistLock, fn func(ctx context.Context) error) error {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer l.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// PGAdvisoryLock uses session-scoped pg_try_advisory_lock. The lock is
// dropped by the server if the connection dies.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock derives a stable lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire pins a connection so that Release unlocks on the same session.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
