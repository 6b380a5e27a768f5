// internal/history/history_test.go
package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-activity-chart/internal/apperr"
	"repo-activity-chart/internal/model"
	"repo-activity-chart/internal/upstream"
)

type fakeStore struct {
	mu        sync.Mutex
	repos     map[string]*model.Repository
	snapshots map[int64][]model.Snapshot
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{repos: make(map[string]*model.Repository), snapshots: make(map[int64][]model.Snapshot)}
}

func (s *fakeStore) GetRepository(ctx context.Context, owner, name string) (*model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[model.RepoKey(owner, name)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return r, nil
}

func (s *fakeStore) CreateRepository(ctx context.Context, owner, name string, createdAt time.Time) (*model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r := &model.Repository{ID: s.nextID, Owner: owner, Name: name, RepoCreatedAt: createdAt}
	s.repos[model.RepoKey(owner, name)] = r
	return r, nil
}

func (s *fakeStore) TouchLastSynced(ctx context.Context, repoID int64, at time.Time) error {
	return nil
}

func (s *fakeStore) UpsertSnapshots(ctx context.Context, repoID int64, snapshots []model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDate := make(map[string]model.Snapshot)
	for _, snap := range s.snapshots[repoID] {
		byDate[snap.Date.Format("2006-01-02")] = snap
	}
	for _, snap := range snapshots {
		byDate[snap.Date.Format("2006-01-02")] = snap
	}
	out := make([]model.Snapshot, 0, len(byDate))
	for _, v := range byDate {
		out = append(out, v)
	}
	s.snapshots[repoID] = out
	return nil
}

func (s *fakeStore) GetSnapshots(ctx context.Context, repoID int64) ([]model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]model.Snapshot(nil), s.snapshots[repoID]...)
	sortSnapshots(out)
	return out, nil
}

func (s *fakeStore) LatestSnapshotDate(ctx context.Context, repoID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[repoID]
	if len(snaps) == 0 {
		return time.Time{}, false, nil
	}
	latest := snaps[0].Date
	for _, snap := range snaps {
		if snap.Date.After(latest) {
			latest = snap.Date
		}
	}
	return latest, true, nil
}

// fakeLock mimics the real DB-backed lock's single-owner guarantee: once
// held, further Acquire calls fail until Release, regardless of how many
// callers ask.
type fakeLock struct {
	mu           sync.Mutex
	allowAcquire bool
	held         bool
	acquireCalls int32
	releaseCalls int32
}

func (l *fakeLock) Acquire(ctx context.Context, owner, name string) (bool, error) {
	atomic.AddInt32(&l.acquireCalls, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.allowAcquire || l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context, owner, name string) error {
	atomic.AddInt32(&l.releaseCalls, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

type fakeFetcher struct {
	snaps []model.Snapshot
	err   error
	delay time.Duration
	calls int32
}

func (f *fakeFetcher) Discover(ctx context.Context, owner, name string, start, end time.Time) ([]model.Snapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.snaps, f.err
}

type fakeRepoInfo struct {
	info *upstream.RepositoryInfo
	err  error
}

func (f *fakeRepoInfo) RepositoryInfo(ctx context.Context, owner, name string) (*upstream.RepositoryInfo, error) {
	return f.info, f.err
}

func testConfig() Config {
	return Config{
		CacheFreshness:   24 * time.Hour,
		LockWaitTimeout:  200 * time.Millisecond,
		LockWaitInterval: 10 * time.Millisecond,
	}
}

func TestGetTimeline_ColdRepository(t *testing.T) {
	store := newFakeStore()
	lockMgr := &fakeLock{allowAcquire: true}
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetch := &fakeFetcher{snaps: []model.Snapshot{
		{Date: created, Counts: model.CountTuple{IssuesCreatedBefore: 1}},
	}}
	repoInfo := &fakeRepoInfo{info: &upstream.RepositoryInfo{CreatedAt: created}}

	svc := New(store, lockMgr, fetch, repoInfo, testConfig(), slog.Default())

	snaps, err := svc.GetTimeline(context.Background(), "owner", "repo")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetch.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&lockMgr.releaseCalls), "lock must be released after a successful discovery")
}

func TestGetTimeline_FreshCacheReturnsWithoutLocking(t *testing.T) {
	store := newFakeStore()
	repo, _ := store.CreateRepository(context.Background(), "owner", "repo", time.Now().Add(-48*time.Hour))
	_ = store.UpsertSnapshots(context.Background(), repo.ID, []model.Snapshot{
		{Date: dayFloor(time.Now()), Counts: model.CountTuple{IssuesCreatedBefore: 5}},
	})

	lockMgr := &fakeLock{allowAcquire: true}
	fetch := &fakeFetcher{}
	svc := New(store, lockMgr, fetch, &fakeRepoInfo{}, testConfig(), slog.Default())

	snaps, err := svc.GetTimeline(context.Background(), "owner", "repo")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int32(0), atomic.LoadInt32(&lockMgr.acquireCalls), "fresh cache must not attempt to acquire the lock")
	assert.Equal(t, int32(0), atomic.LoadInt32(&fetch.calls))
}

func TestGetTimeline_StaleCacheRefreshesAndMerges(t *testing.T) {
	store := newFakeStore()
	repo, _ := store.CreateRepository(context.Background(), "owner", "repo", time.Now().Add(-72*time.Hour))
	oldDate := dayFloor(time.Now().Add(-72 * time.Hour))
	_ = store.UpsertSnapshots(context.Background(), repo.ID, []model.Snapshot{
		{Date: oldDate, Counts: model.CountTuple{IssuesCreatedBefore: 1}},
	})

	freshDate := dayFloor(time.Now())
	lockMgr := &fakeLock{allowAcquire: true}
	fetch := &fakeFetcher{snaps: []model.Snapshot{
		{Date: freshDate, Counts: model.CountTuple{IssuesCreatedBefore: 50}},
	}}
	svc := New(store, lockMgr, fetch, &fakeRepoInfo{}, testConfig(), slog.Default())

	snaps, err := svc.GetTimeline(context.Background(), "owner", "repo")
	require.NoError(t, err)
	assert.Len(t, snaps, 2, "stale refresh must merge old and fresh points")
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetch.calls))
}

func TestGetTimeline_StaleButUsableWhenLockHeldElsewhere(t *testing.T) {
	store := newFakeStore()
	repo, _ := store.CreateRepository(context.Background(), "owner", "repo", time.Now().Add(-72*time.Hour))
	oldDate := dayFloor(time.Now().Add(-72 * time.Hour))
	_ = store.UpsertSnapshots(context.Background(), repo.ID, []model.Snapshot{
		{Date: oldDate, Counts: model.CountTuple{IssuesCreatedBefore: 1}},
	})

	lockMgr := &fakeLock{allowAcquire: false}
	fetch := &fakeFetcher{}
	svc := New(store, lockMgr, fetch, &fakeRepoInfo{}, testConfig(), slog.Default())

	snaps, err := svc.GetTimeline(context.Background(), "owner", "repo")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, oldDate, snaps[0].Date)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fetch.calls), "stale-but-usable must not trigger a fetch")
}

func TestGetTimeline_BusyWhenLockHeldAndNoCache(t *testing.T) {
	store := newFakeStore()
	lockMgr := &fakeLock{allowAcquire: false}
	fetch := &fakeFetcher{}
	cfg := testConfig()
	cfg.LockWaitTimeout = 30 * time.Millisecond
	cfg.LockWaitInterval = 5 * time.Millisecond
	svc := New(store, lockMgr, fetch, &fakeRepoInfo{}, cfg, slog.Default())

	_, err := svc.GetTimeline(context.Background(), "owner", "repo")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBusy))
}

func TestGetTimeline_SingleFlightCoalescesConcurrentCallers(t *testing.T) {
	store := newFakeStore()
	lockMgr := &fakeLock{allowAcquire: true}
	created := time.Now().Add(-1 * time.Hour)
	fetch := &fakeFetcher{
		snaps: []model.Snapshot{{Date: dayFloor(time.Now()), Counts: model.CountTuple{IssuesCreatedBefore: 1}}},
		delay: 50 * time.Millisecond,
	}
	repoInfo := &fakeRepoInfo{info: &upstream.RepositoryInfo{CreatedAt: created}}
	svc := New(store, lockMgr, fetch, repoInfo, testConfig(), slog.Default())

	var wg sync.WaitGroup
	results := make([][]model.Snapshot, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.GetTimeline(context.Background(), "owner", "repo")
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, snaps0Date(results[0]), snaps0Date(results[1]), "both callers must observe the same discovered timeline")
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetch.calls), "only one discovery should run for concurrent callers")
	assert.Equal(t, int32(2), atomic.LoadInt32(&lockMgr.acquireCalls), "both callers attempt to acquire; only one succeeds")
	assert.Equal(t, int32(1), atomic.LoadInt32(&lockMgr.releaseCalls), "only the winner holds and releases the lock")
}

func snaps0Date(snaps []model.Snapshot) time.Time {
	if len(snaps) == 0 {
		return time.Time{}
	}
	return snaps[0].Date
}

func TestGetTimeline_RateLimitedDuringRefreshPreservesCache(t *testing.T) {
	store := newFakeStore()
	repo, _ := store.CreateRepository(context.Background(), "owner", "repo", time.Now().Add(-72*time.Hour))
	oldDate := dayFloor(time.Now().Add(-72 * time.Hour))
	_ = store.UpsertSnapshots(context.Background(), repo.ID, []model.Snapshot{
		{Date: oldDate, Counts: model.CountTuple{IssuesCreatedBefore: 1}},
	})

	lockMgr := &fakeLock{allowAcquire: true}
	fetch := &fakeFetcher{err: apperr.New(apperr.KindRateLimited, "quota exhausted", nil)}
	svc := New(store, lockMgr, fetch, &fakeRepoInfo{}, testConfig(), slog.Default())

	_, err := svc.GetTimeline(context.Background(), "owner", "repo")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
	assert.Equal(t, int32(1), atomic.LoadInt32(&lockMgr.releaseCalls), "lock must be released even when the fetch fails")

	cached, err := store.GetSnapshots(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.Len(t, cached, 1, "a failed refresh must not alter what was already persisted")
}
