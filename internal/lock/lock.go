// internal/lock/lock.go
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"repo-activity-chart/internal/apperr"
	"repo-activity-chart/internal/model"
)

// DB is the subset of *pgxpool.Pool the lock needs, kept narrow so unit
// tests can fake it without spinning up Postgres.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Lock is a database-backed mutex bound to (owner, name), tolerant of
// process crashes via expiry and heartbeats.
type Lock struct {
	db                DB
	logger            *slog.Logger
	holderID          string
	timeout           time.Duration
	heartbeatInterval time.Duration

	mu      sync.Mutex
	stopper map[string]chan struct{}
}

// New creates a Lock with a fresh per-process holder id.
func New(db DB, logger *slog.Logger, timeout, heartbeatInterval time.Duration) *Lock {
	return &Lock{
		db:                db,
		logger:            logger,
		holderID:          uuid.NewString(),
		timeout:           timeout,
		heartbeatInterval: heartbeatInterval,
		stopper:           make(map[string]chan struct{}),
	}
}

// HolderID returns this process's lock-holder identifier.
func (l *Lock) HolderID() string {
	return l.holderID
}

// Acquire attempts to take the lock for (owner, name). It sweeps a stale
// row before a single retry, bounded to two attempts to avoid live-lock.
func (l *Lock) Acquire(ctx context.Context, owner, name string) (bool, error) {
	key := model.RepoKey(owner, name)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.tryInsert(ctx, owner, name)
		if err != nil {
			return false, err
		}
		if ok {
			l.startHeartbeat(key, owner, name)
			return true, nil
		}

		deleted, err := l.deleteIfExpired(ctx, owner, name)
		if err != nil {
			return false, err
		}
		if !deleted {
			return false, nil
		}
		// Stale row reclaimed; retry the insert once.
	}
	return false, nil
}

func (l *Lock) tryInsert(ctx context.Context, owner, name string) (bool, error) {
	now := time.Now().UTC()
	var id int64
	err := l.db.QueryRow(ctx, `
		INSERT INTO repository_locks (owner, name, locked_at, last_heartbeat_at, expires_at, lock_holder_id)
		VALUES ($1, $2, $3, $3, $4, $5)
		ON CONFLICT (owner, name) DO NOTHING
		RETURNING id
	`, owner, name, now, now.Add(l.timeout), l.holderID).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.New(apperr.KindStorage, "failed to insert lock row", err)
	}
	return true, nil
}

// deleteIfExpired deletes the row under a conditional that re-checks
// expiry at delete time, avoiding the classic lost-release race.
func (l *Lock) deleteIfExpired(ctx context.Context, owner, name string) (bool, error) {
	var id int64
	err := l.db.QueryRow(ctx, `
		DELETE FROM repository_locks
		WHERE owner = $1 AND name = $2 AND expires_at <= $3
		RETURNING id
	`, owner, name, time.Now().UTC()).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.New(apperr.KindStorage, "failed to sweep stale lock row", err)
	}
	return true, nil
}

// Release deletes the row iff holder_id matches, and always stops the
// heartbeat timer first.
func (l *Lock) Release(ctx context.Context, owner, name string) error {
	key := model.RepoKey(owner, name)
	l.stopHeartbeat(key)

	var id int64
	err := l.db.QueryRow(ctx, `
		DELETE FROM repository_locks
		WHERE owner = $1 AND name = $2 AND lock_holder_id = $3
		RETURNING id
	`, owner, name, l.holderID).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return apperr.New(apperr.KindStorage, "failed to release lock row", err)
	}
	return nil
}

// Refresh updates the heartbeat and expiry iff holder_id matches.
func (l *Lock) Refresh(ctx context.Context, owner, name string) (bool, error) {
	now := time.Now().UTC()
	var id int64
	err := l.db.QueryRow(ctx, `
		UPDATE repository_locks
		SET last_heartbeat_at = $3, expires_at = $4
		WHERE owner = $1 AND name = $2 AND lock_holder_id = $5
		RETURNING id
	`, owner, name, now, now.Add(l.timeout), l.holderID).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.New(apperr.KindStorage, "failed to refresh lock row", err)
	}
	return true, nil
}

// SweepExpired deletes every row whose expiry has passed and returns the
// count removed.
func (l *Lock) SweepExpired(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM repository_locks WHERE expires_at <= $1 RETURNING id
		)
		SELECT count(*) FROM deleted
	`, time.Now().UTC()).Scan(&n); err != nil {
		return 0, apperr.New(apperr.KindStorage, "failed to sweep expired locks", err)
	}
	return n, nil
}

// startHeartbeat schedules a recurring Refresh tied to the lock's
// lifetime; a Refresh that returns false stops the timer because another
// holder has taken over.
func (l *Lock) startHeartbeat(key, owner, name string) {
	l.mu.Lock()
	if _, exists := l.stopper[key]; exists {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	l.stopper[key] = stop
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(l.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ok, err := l.Refresh(context.Background(), owner, name)
				if err != nil {
					l.logger.Error("lock heartbeat refresh failed", "owner", owner, "name", name, "error", err)
					continue
				}
				if !ok {
					l.logger.Warn("lock heartbeat lost ownership, stopping", "owner", owner, "name", name)
					l.stopHeartbeat(key)
					return
				}
			}
		}
	}()
}

func (l *Lock) stopHeartbeat(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if stop, ok := l.stopper[key]; ok {
		close(stop)
		delete(l.stopper, key)
	}
}
