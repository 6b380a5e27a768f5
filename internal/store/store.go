// internal/store/store.go
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"repo-activity-chart/internal/apperr"
	"repo-activity-chart/internal/model"
)

// Store persists repositories and their count-tuple snapshots. Not-found
// lookups surface pgx.ErrNoRows unchanged so callers can use errors.Is.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetRepository looks up a repository by its canonical owner/name.
// Returns pgx.ErrNoRows if absent.
func (s *Store) GetRepository(ctx context.Context, owner, name string) (*model.Repository, error) {
	var r model.Repository
	var lastSynced *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner, name, repo_created_at, last_synced_at, created_at, updated_at
		FROM repositories WHERE lower(owner) = lower($1) AND lower(name) = lower($2)
	`, owner, name).Scan(&r.ID, &r.Owner, &r.Name, &r.RepoCreatedAt, &lastSynced, &r.DBCreatedAt, &r.DBUpdatedAt)
	if err != nil {
		return nil, err
	}
	r.LastSyncedAt = lastSynced
	return &r, nil
}

// CreateRepository inserts a new repository row.
func (s *Store) CreateRepository(ctx context.Context, owner, name string, createdAt time.Time) (*model.Repository, error) {
	var r model.Repository
	err := s.pool.QueryRow(ctx, `
		INSERT INTO repositories (owner, name, repo_created_at, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id, owner, name, repo_created_at, created_at, updated_at
	`, owner, name, createdAt).Scan(&r.ID, &r.Owner, &r.Name, &r.RepoCreatedAt, &r.DBCreatedAt, &r.DBUpdatedAt)
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "failed to create repository", err)
	}
	return &r, nil
}

// TouchLastSynced stamps the repository's last-refresh timestamp.
func (s *Store) TouchLastSynced(ctx context.Context, repoID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE repositories SET last_synced_at = $2, updated_at = now() WHERE id = $1
	`, repoID, at)
	if err != nil {
		return apperr.New(apperr.KindStorage, "failed to update last_synced_at", err)
	}
	return nil
}

// UpsertSnapshots writes a batch of snapshots atomically. Duplicate
// (repository_id, snapshot_date) pairs repair the existing row's values.
func (s *Store) UpsertSnapshots(ctx context.Context, repoID int64, snapshots []model.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.New(apperr.KindStorage, "failed to begin snapshot upsert transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, snap := range snapshots {
		_, err := tx.Exec(ctx, `
			INSERT INTO snapshots (
				repository_id, snapshot_date,
				issues_created_before, issues_closed_before,
				prs_created_before, prs_closed_before, prs_merged_before
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (repository_id, snapshot_date) DO UPDATE SET
				issues_created_before = EXCLUDED.issues_created_before,
				issues_closed_before  = EXCLUDED.issues_closed_before,
				prs_created_before    = EXCLUDED.prs_created_before,
				prs_closed_before     = EXCLUDED.prs_closed_before,
				prs_merged_before     = EXCLUDED.prs_merged_before
		`, repoID, snap.Date,
			snap.Counts.IssuesCreatedBefore, snap.Counts.IssuesClosedBefore,
			snap.Counts.PRsCreatedBefore, snap.Counts.PRsClosedBefore, snap.Counts.PRsMergedBefore,
		)
		if err != nil {
			return apperr.New(apperr.KindStorage, "failed to upsert snapshot", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.New(apperr.KindStorage, "failed to commit snapshot upsert", err)
	}
	return nil
}

// GetSnapshots returns every snapshot for a repository, ordered ascending
// by date.
func (s *Store) GetSnapshots(ctx context.Context, repoID int64) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot_date, issues_created_before, issues_closed_before,
		       prs_created_before, prs_closed_before, prs_merged_before
		FROM snapshots WHERE repository_id = $1 ORDER BY snapshot_date ASC
	`, repoID)
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "failed to list snapshots", err)
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		snap.RepositoryID = repoID
		if err := rows.Scan(&snap.Date, &snap.Counts.IssuesCreatedBefore, &snap.Counts.IssuesClosedBefore,
			&snap.Counts.PRsCreatedBefore, &snap.Counts.PRsClosedBefore, &snap.Counts.PRsMergedBefore); err != nil {
			return nil, apperr.New(apperr.KindStorage, "failed to scan snapshot row", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.KindStorage, "failed to iterate snapshot rows", err)
	}
	return out, nil
}

// LatestSnapshotDate returns the most recent snapshot date for a
// repository, or ok=false if none exist.
func (s *Store) LatestSnapshotDate(ctx context.Context, repoID int64) (t time.Time, ok bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT snapshot_date FROM snapshots WHERE repository_id = $1 ORDER BY snapshot_date DESC LIMIT 1
	`, repoID).Scan(&t)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, apperr.New(apperr.KindStorage, "failed to read latest snapshot date", err)
	}
	return t, true, nil
}
