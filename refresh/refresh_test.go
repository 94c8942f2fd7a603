package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reddit-marker/crawl"
	"reddit-marker/pkg/marker"
	"reddit-marker/reddit"
	"reddit-marker/storage"
)

type fakeProfiles struct {
	calls   atomic.Int32
	release chan struct{} // When set, About blocks until closed
	rename  map[string]string
	fail    map[string]error
}

func (f *fakeProfiles) About(ctx context.Context, username string) (*reddit.About, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if err := f.fail[username]; err != nil {
		return nil, err
	}
	name := username
	if n, ok := f.rename[username]; ok {
		name = n
	}
	return &reddit.About{
		Name:         name,
		CreatedUTC:   1_600_000_000,
		LinkKarma:    5,
		CommentKarma: 7,
		Subreddit:    &reddit.SubredditAbout{Title: "title of " + name, Subscribers: 3},
	}, nil
}

type fakeCrawler struct {
	mu      sync.Mutex
	calls   int
	cursors []*string // LastComment of every crawled user
}

func (f *fakeCrawler) Crawl(ctx context.Context, user *marker.User) (*crawl.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cursors = append(f.cursors, user.LastComment)
	if user.LastComment == nil {
		c := "t1_new"
		user.LastComment = &c
	}
	return &crawl.Result{}, nil
}

func (f *fakeCrawler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTagger struct {
	reloads atomic.Int32
	applies atomic.Int32
	tags    map[string][]*marker.UserTag
	fail    map[string]error
	entered chan struct{} // When set, Apply signals entry and waits for release
	release chan struct{}
}

func (f *fakeTagger) Reload(ctx context.Context) error {
	f.reloads.Add(1)
	return nil
}

func (f *fakeTagger) Apply(ctx context.Context, username string) ([]*marker.UserTag, error) {
	f.applies.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if err := f.fail[username]; err != nil {
		return nil, err
	}
	return f.tags[username], nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][]*marker.UserInfo
}

func (f *fakeNotifier) NotifyTagged(ctx context.Context, users []*marker.UserInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, users)
	return nil
}

type harness struct {
	store    *storage.Store
	profiles *fakeProfiles
	crawler  *fakeCrawler
	tagger   *fakeTagger
	notifier *fakeNotifier
	coord    *Coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store, err := storage.Open(context.Background(), storage.NewMemoryBackend(), storage.MarkerSchema(), storage.MarkerMigrations(), logger)
	require.NoError(t, err)

	h := &harness{
		store:    store,
		profiles: &fakeProfiles{},
		crawler:  &fakeCrawler{},
		tagger:   &fakeTagger{},
		notifier: &fakeNotifier{},
	}
	h.coord = New(store, h.profiles, h.crawler, h.tagger, h.notifier, NewUserCache(), cfg, logger)
	t.Cleanup(h.coord.Stop)
	return h
}

func (h *harness) storeUser(t *testing.T, u *marker.User) {
	t.Helper()
	require.NoError(t, h.store.Set(context.Background(), storage.TableUsers, u))
}

func TestUserCrawlsNewUser(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	info, err := h.coord.User(context.Background(), " Alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
	require.NotNil(t, info.User)
	assert.Equal(t, "title of alice", info.User.ProfileName)
	assert.Equal(t, 1, h.crawler.count())
	assert.Equal(t, int32(1), h.tagger.applies.Load())

	stored, err := storage.GetAs[marker.User](context.Background(), h.store, storage.TableUsers, "alice")
	require.NoError(t, err)
	require.NotNil(t, stored.LastComment)
	assert.Equal(t, "t1_new", *stored.LastComment)
}

func TestUserFreshSkipsCrawl(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.storeUser(t, &marker.User{Username: "alice", Updated: time.Now().Unix()})

	info, err := h.coord.User(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.User.Username)
	assert.Empty(t, info.Tags)
	assert.NotNil(t, info.Tags)
	assert.Equal(t, int32(0), h.profiles.calls.Load())
	assert.Equal(t, 0, h.crawler.count())
}

func TestRefreshUserKeepsCursors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	cursor := "t1_old"
	h.storeUser(t, &marker.User{Username: "alice", LastComment: &cursor, Updated: time.Now().Unix()})

	_, err := h.coord.RefreshUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, h.crawler.cursors, 1)
	require.NotNil(t, h.crawler.cursors[0])
	assert.Equal(t, "t1_old", *h.crawler.cursors[0])
}

func TestUserSingleRefreshInFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.profiles.release = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*marker.UserInfo, 3)
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.coord.User(ctx, "alice")
	}()
	require.Eventually(t, func() bool { return h.coord.Cache().Refreshing("alice") }, time.Second, time.Millisecond)

	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.coord.User(ctx, "ALICE")
		}()
	}
	close(h.profiles.release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "alice", results[i].Username)
		assert.NotNil(t, results[i].User)
	}
	assert.Equal(t, int32(1), h.profiles.calls.Load())
	assert.Equal(t, 1, h.crawler.count())
	assert.False(t, h.coord.Cache().Refreshing("alice"))
}

func TestWaiterGivesUpWithoutCancellingRefresh(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.profiles.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.User(context.Background(), "alice")
		done <- err
	}()
	require.Eventually(t, func() bool { return h.coord.Cache().Refreshing("alice") }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.coord.User(ctx, "alice")
	assert.ErrorIs(t, err, context.Canceled)

	close(h.profiles.release)
	require.NoError(t, <-done)
	_, ok := h.coord.Cache().Get("alice")
	assert.True(t, ok)
}

func TestUserRemoteMismatch(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.profiles.rename = map[string]string{"alice": "bob"}

	_, err := h.coord.User(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, marker.ErrRemoteMismatch)
	assert.Equal(t, 0, h.crawler.count())
	assert.False(t, h.coord.Cache().Refreshing("alice"))

	stored, err := storage.GetAs[marker.User](context.Background(), h.store, storage.TableUsers, "alice")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestUserMismatchIgnoresCase(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.profiles.rename = map[string]string{"alice": "AliCe"}

	info, err := h.coord.User(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "AliCe", info.User.DisplayUsername)
}

func TestUsersReportsFailuresPerUser(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.profiles.fail = map[string]error{"gone": &reddit.StatusError{URL: "/user/gone/about.json", StatusCode: 404}}
	h.profiles.rename = map[string]string{"renamed": "other"}

	infos := h.coord.Users(context.Background(), []string{"alice", "Gone", "alice", "", "renamed"})
	require.Len(t, infos, 3)

	assert.Equal(t, "alice", infos[0].Username)
	assert.Empty(t, infos[0].Error)
	assert.Equal(t, "gone", infos[1].Username)
	assert.Equal(t, "not_found", infos[1].Error)
	assert.NotNil(t, infos[1].Tags)
	assert.Equal(t, "renamed", infos[2].Username)
	assert.Equal(t, "remote_mismatch", infos[2].Error)
}

func TestStatsRefreshesFirst(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	stats, err := h.coord.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.Equal(t, 1, h.crawler.count())

	require.NoError(t, h.store.Set(ctx, storage.TableStats, &marker.UserStat{Username: "alice", Subreddit: "golang", CommentCount: 2}))
	stats, err = h.coord.Stats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "golang", stats[0].Subreddit)
	assert.Equal(t, 1, h.crawler.count())
}

func TestBulkRefreshRetagsAndNotifies(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	now := time.Now().Unix()
	h.storeUser(t, &marker.User{Username: "alice", Updated: now})
	h.storeUser(t, &marker.User{Username: "bob", Updated: now})
	h.tagger.tags = map[string][]*marker.UserTag{
		"bob": {{Username: "bob", TagID: 1, TagData: []marker.ScopeResult{{Subreddit: "golang", Score: 10, Posts: 2}}}},
	}

	require.NoError(t, h.coord.BulkRefresh(context.Background()))
	assert.Equal(t, int32(1), h.tagger.reloads.Load())
	assert.Equal(t, int32(2), h.tagger.applies.Load())
	assert.Equal(t, 0, h.crawler.count(), "fresh users are only re-evaluated")

	require.Len(t, h.notifier.calls, 1)
	require.Len(t, h.notifier.calls[0], 1)
	assert.Equal(t, "bob", h.notifier.calls[0][0].Username)

	info, ok := h.coord.Cache().Get("bob")
	require.True(t, ok)
	assert.Len(t, info.Tags, 1)

	_, active := h.coord.Active()
	assert.False(t, active)
}

func TestBulkRefreshFailsIfAnyUserFails(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	now := time.Now().Unix()
	h.storeUser(t, &marker.User{Username: "alice", Updated: now})
	h.storeUser(t, &marker.User{Username: "bob", Updated: now})
	h.tagger.fail = map[string]error{"bob": errors.New("boom")}
	h.tagger.tags = map[string][]*marker.UserTag{"alice": {{Username: "alice", TagID: 1}}}

	err := h.coord.BulkRefresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bob")
	assert.Empty(t, h.notifier.calls)

	_, active := h.coord.Active()
	assert.False(t, active)
}

func TestBulkRefreshSingleFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.storeUser(t, &marker.User{Username: "alice", Updated: time.Now().Unix()})
	h.tagger.entered = make(chan struct{})
	h.tagger.release = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- h.coord.BulkRefresh(context.Background()) }()
	<-h.tagger.entered

	_, active := h.coord.Active()
	assert.True(t, active)
	err := h.coord.BulkRefresh(context.Background())
	assert.ErrorIs(t, err, marker.ErrBulkRefreshActive)

	close(h.tagger.release)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), h.tagger.reloads.Load())
}

func TestTriggerBulkDebounces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 30 * time.Millisecond
	h := newHarness(t, cfg)

	for range 5 {
		h.coord.TriggerBulk()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(0), h.tagger.reloads.Load())

	require.Eventually(t, func() bool { return h.tagger.reloads.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * cfg.Debounce)
	assert.Equal(t, int32(1), h.tagger.reloads.Load())

	h.coord.TriggerBulk()
	require.Eventually(t, func() bool { return h.tagger.reloads.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMarkAllStale(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.storeUser(t, &marker.User{Username: "alice", Updated: time.Now().Unix()})

	_, err := h.coord.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, h.crawler.count())

	require.NoError(t, h.coord.MarkAllStale(ctx))
	assert.Equal(t, 0, h.coord.Cache().Len())

	_, err = h.coord.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, h.crawler.count())
}

func TestResetDatabase(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.coord.User(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, h.coord.ResetDatabase(ctx))
	assert.Equal(t, 0, h.coord.Cache().Len())
	assert.Equal(t, int32(1), h.tagger.reloads.Load())

	users, err := h.store.List(ctx, storage.TableUsers, nil, "")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestResetCacheKeepsInFlightGate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.profiles.release = make(chan struct{})
	ctx := context.Background()

	results := make(chan error, 2)
	go func() {
		_, err := h.coord.User(ctx, "alice")
		results <- err
	}()
	require.Eventually(t, func() bool { return h.coord.Cache().Refreshing("alice") }, time.Second, time.Millisecond)

	h.coord.ResetCache()
	assert.True(t, h.coord.Cache().Refreshing("alice"))
	_, cached := h.coord.Cache().Get("alice")
	assert.False(t, cached)

	go func() {
		_, err := h.coord.User(ctx, "alice")
		results <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(h.profiles.release)

	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, int32(1), h.profiles.calls.Load())
	assert.Equal(t, 1, h.crawler.count())
	assert.False(t, h.coord.Cache().Refreshing("alice"))

	info, ok := h.coord.Cache().Get("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", info.User.Username)
}

func TestResetsWaitForBulkRefresh(t *testing.T) {
	tests := []struct {
		name  string
		reset func(c *Coordinator) error
	}{
		{name: "reset database", reset: func(c *Coordinator) error { return c.ResetDatabase(context.Background()) }},
		{name: "mark all stale", reset: func(c *Coordinator) error { return c.MarkAllStale(context.Background()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.storeUser(t, &marker.User{Username: "alice", Updated: time.Now().Unix()})
			h.tagger.entered = make(chan struct{})
			h.tagger.release = make(chan struct{})

			bulk := make(chan error, 1)
			go func() { bulk <- h.coord.BulkRefresh(context.Background()) }()
			<-h.tagger.entered

			reset := make(chan error, 1)
			go func() { reset <- tt.reset(h.coord) }()
			select {
			case err := <-reset:
				t.Fatalf("reset finished during bulk refresh: %v", err)
			case <-time.After(30 * time.Millisecond):
			}

			close(h.tagger.release)
			require.NoError(t, <-bulk)
			require.NoError(t, <-reset)
		})
	}
}
