// internal/history/history.go
package history

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"repo-activity-chart/internal/apperr"
	"repo-activity-chart/internal/model"
	"repo-activity-chart/internal/upstream"
)

// RepoInfoFetcher is the subset of the upstream client the History Service
// needs directly, to bound a new repository's discovery interval.
type RepoInfoFetcher interface {
	RepositoryInfo(ctx context.Context, owner, name string) (*upstream.RepositoryInfo, error)
}

// TimelineFetcher is the subset of the Adaptive Resolution Fetcher the
// History Service drives.
type TimelineFetcher interface {
	Discover(ctx context.Context, owner, name string, start, end time.Time) ([]model.Snapshot, error)
}

// RepoLock is the subset of the Repository Lock the History Service drives.
type RepoLock interface {
	Acquire(ctx context.Context, owner, name string) (bool, error)
	Release(ctx context.Context, owner, name string) error
}

// Store is the subset of the Snapshot Store the History Service needs.
type Store interface {
	GetRepository(ctx context.Context, owner, name string) (*model.Repository, error)
	CreateRepository(ctx context.Context, owner, name string, createdAt time.Time) (*model.Repository, error)
	TouchLastSynced(ctx context.Context, repoID int64, at time.Time) error
	UpsertSnapshots(ctx context.Context, repoID int64, snapshots []model.Snapshot) error
	GetSnapshots(ctx context.Context, repoID int64) ([]model.Snapshot, error)
	LatestSnapshotDate(ctx context.Context, repoID int64) (time.Time, bool, error)
}

// Config holds the History Service tunables.
type Config struct {
	CacheFreshness   time.Duration
	LockWaitTimeout  time.Duration
	LockWaitInterval time.Duration
}

// Service is the single entry point for external collaborators: it
// composes the store, lock, and fetcher to produce a timeline per
// repository sorted ascending by date, using cache when fresh, refreshing
// when stale, and coalescing concurrent in-process callers. The timeline
// holds only the dates the fetcher resolved; days between them are not
// filled in.
type Service struct {
	store    Store
	lockMgr  RepoLock
	fetcher  TimelineFetcher
	repoInfo RepoInfoFetcher
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	flights map[string]*inflight

	// now returns the current UTC instant; today() floors it to UTC
	// midnight to derive the fetcher's end date. Overridable in tests.
	now func() time.Time
}

type inflight struct {
	done  chan struct{}
	snaps []model.Snapshot
	err   error
}

func New(store Store, lockMgr RepoLock, f TimelineFetcher, repoInfo RepoInfoFetcher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		lockMgr:  lockMgr,
		fetcher:  f,
		repoInfo: repoInfo,
		cfg:      cfg,
		logger:   logger,
		flights:  make(map[string]*inflight),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) today() time.Time {
	t := s.now()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetTimeline is the public facade operation.
func (s *Service) GetTimeline(ctx context.Context, owner, name string) ([]model.Snapshot, error) {
	key := model.RepoKey(owner, name)

	repo, err := s.store.GetRepository(ctx, owner, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.discoverNew(ctx, key, owner, name)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "failed to look up repository", err)
	}

	cached, err := s.store.GetSnapshots(ctx, repo.ID)
	if err != nil {
		return nil, err
	}

	if s.isFresh(cached) {
		return cached, nil
	}

	return s.refreshStale(ctx, key, owner, name, repo, cached)
}

func (s *Service) isFresh(cached []model.Snapshot) bool {
	if len(cached) == 0 {
		return false
	}
	latest := cached[len(cached)-1].Date
	return s.today().Sub(latest) <= s.cfg.CacheFreshness
}

// discoverNew handles a repository with no cached history yet: acquire the
// lock, then run a full discovery from scratch.
func (s *Service) discoverNew(ctx context.Context, key, owner, name string) ([]model.Snapshot, error) {
	acquired, err := s.lockMgr.Acquire(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return s.waitForProgress(ctx, key, owner, name)
	}

	snaps, err := s.singleFlight(key, func() ([]model.Snapshot, error) {
		defer s.lockMgr.Release(context.Background(), owner, name)
		return s.runFullDiscovery(ctx, owner, name)
	})
	return snaps, err
}

// refreshStale handles a repository whose cache has aged past the
// freshness window: acquire the lock and extend the cached timeline to
// today, falling back to the stale cache if another worker already holds
// the lock.
func (s *Service) refreshStale(ctx context.Context, key, owner, name string, repo *model.Repository, cached []model.Snapshot) ([]model.Snapshot, error) {
	acquired, err := s.lockMgr.Acquire(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if !acquired {
		if len(cached) > 0 {
			return cached, nil // stale-but-usable
		}
		return s.waitForProgress(ctx, key, owner, name)
	}

	return s.singleFlight(key, func() ([]model.Snapshot, error) {
		defer s.lockMgr.Release(context.Background(), owner, name)
		return s.runIncrementalRefresh(ctx, repo, cached)
	})
}

func (s *Service) runFullDiscovery(ctx context.Context, owner, name string) ([]model.Snapshot, error) {
	info, err := s.repoInfo.RepositoryInfo(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	repo, err := s.store.CreateRepository(ctx, owner, name, info.CreatedAt)
	if err != nil {
		return nil, err
	}

	today := s.today()
	start := dayFloor(info.CreatedAt)
	fresh, err := s.fetcher.Discover(ctx, owner, name, start, today)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpsertSnapshots(ctx, repo.ID, fresh); err != nil {
		return nil, err
	}
	if err := s.store.TouchLastSynced(ctx, repo.ID, s.now()); err != nil {
		return nil, err
	}

	return fresh, nil
}

func (s *Service) runIncrementalRefresh(ctx context.Context, repo *model.Repository, cached []model.Snapshot) ([]model.Snapshot, error) {
	latest, ok, err := s.store.LatestSnapshotDate(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	start := repo.RepoCreatedAt
	if ok {
		start = latest
	}
	today := s.today()

	fresh, err := s.fetcher.Discover(ctx, repo.Owner, repo.Name, dayFloor(start), today)
	if err != nil {
		// Cache writes happen only after the full fetch succeeds; on
		// failure the persisted snapshots are left untouched.
		return nil, err
	}

	if err := s.store.UpsertSnapshots(ctx, repo.ID, fresh); err != nil {
		return nil, err
	}
	if err := s.store.TouchLastSynced(ctx, repo.ID, s.now()); err != nil {
		return nil, err
	}

	return mergeSnapshots(cached, fresh), nil
}

// mergeSnapshots combines cached and fresh sets into a date-keyed map; on
// collision the fresher fetch wins. The result is sorted ascending.
func mergeSnapshots(cached, fresh []model.Snapshot) []model.Snapshot {
	byDate := make(map[string]model.Snapshot, len(cached)+len(fresh))
	for _, snap := range cached {
		byDate[isoKey(snap.Date)] = snap
	}
	for _, snap := range fresh {
		byDate[isoKey(snap.Date)] = snap // fresher fetch wins
	}
	out := make([]model.Snapshot, 0, len(byDate))
	for _, snap := range byDate {
		out = append(out, snap)
	}
	sortSnapshots(out)
	return out
}

// waitForProgress polls until an in-process single-flight promise appears,
// the database gains snapshots, or the wait timeout elapses.
func (s *Service) waitForProgress(ctx context.Context, key, owner, name string) ([]model.Snapshot, error) {
	deadline := time.Now().Add(s.cfg.LockWaitTimeout)
	ticker := time.NewTicker(s.cfg.LockWaitInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		f, ok := s.flights[key]
		s.mu.Unlock()
		if ok {
			<-f.done
			return f.snaps, f.err
		}

		repo, err := s.store.GetRepository(ctx, owner, name)
		if err == nil {
			snaps, err := s.store.GetSnapshots(ctx, repo.ID)
			if err != nil {
				return nil, err
			}
			if len(snaps) > 0 {
				return snaps, nil
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindStorage, "failed to look up repository while waiting", err)
		}

		if time.Now().After(deadline) {
			return nil, apperr.New(apperr.KindBusy, "timed out waiting for another worker's refresh", nil)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// singleFlight coalesces concurrent callers for the same key into one
// execution of fn: a mutex guards a map of pending futures; the first
// caller runs fn, later callers await its result.
func (s *Service) singleFlight(key string, fn func() ([]model.Snapshot, error)) ([]model.Snapshot, error) {
	s.mu.Lock()
	if f, ok := s.flights[key]; ok {
		s.mu.Unlock()
		<-f.done
		return f.snaps, f.err
	}
	f := &inflight{done: make(chan struct{})}
	s.flights[key] = f
	s.mu.Unlock()

	snaps, err := fn()
	f.snaps, f.err = snaps, err
	close(f.done)

	s.mu.Lock()
	delete(s.flights, key)
	s.mu.Unlock()

	return snaps, err
}

func isoKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func dayFloor(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func sortSnapshots(s []model.Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
}
