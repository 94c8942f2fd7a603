// Package refresh coordinates per-user refreshes and the debounced bulk refresh.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reddit-marker/crawl"
	"reddit-marker/pkg/marker"
	"reddit-marker/reddit"
	"reddit-marker/storage"
)

// Profiles fetches user profile summaries.
type Profiles interface {
	About(ctx context.Context, username string) (*reddit.About, error)
}

// Crawler walks a user's history into the store.
type Crawler interface {
	Crawl(ctx context.Context, user *marker.User) (*crawl.Result, error)
}

// Tagger evaluates tags for stored users.
type Tagger interface {
	Reload(ctx context.Context) error
	Apply(ctx context.Context, username string) ([]*marker.UserTag, error)
}

// Notifier receives the users that hold tags after a bulk refresh.
type Notifier interface {
	NotifyTagged(ctx context.Context, users []*marker.UserInfo) error
}

// Config holds coordinator timing.
type Config struct {
	StaleAfter     time.Duration // Profile age that triggers a crawl
	Debounce       time.Duration // Quiet period before a triggered bulk refresh runs
	SanityDuration time.Duration // Bulk run age that is reported as likely stuck
	Concurrency    int           // Users refreshed at once
}

// DefaultConfig returns the standard timing.
func DefaultConfig() Config {
	return Config{
		StaleAfter:     7 * 24 * time.Hour,
		Debounce:       4 * time.Second,
		SanityDuration: 2 * time.Minute,
		Concurrency:    4,
	}
}

type mode int

const (
	modeLazy  mode = iota // Crawl only when stale
	modeRetag             // Crawl when stale, otherwise re-evaluate tags
	modeFull              // Always crawl
)

// Coordinator resolves users, guarding each with a single in-flight refresh.
type Coordinator struct {
	store    *storage.Store
	profiles Profiles
	crawler  Crawler
	tagger   Tagger
	notifier Notifier
	cache    *UserCache
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	bulkMu sync.Mutex
	active time.Time // Start of the running bulk refresh, zero when idle
	timer  *time.Timer

	// maint is held shared by bulk passes and exclusively by store-wide resets.
	maint sync.RWMutex
}

// New creates a new coordinator.
func New(store *storage.Store, profiles Profiles, crawler Crawler, tagger Tagger, notifier Notifier, cache *UserCache, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Coordinator{
		store:    store,
		profiles: profiles,
		crawler:  crawler,
		tagger:   tagger,
		notifier: notifier,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Cache returns the user cache.
func (c *Coordinator) Cache() *UserCache {
	return c.cache
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// User returns a user with its tags, crawling first when the stored profile is stale.
func (c *Coordinator) User(ctx context.Context, username string) (*marker.UserInfo, error) {
	return c.refresh(ctx, normalize(username), modeLazy)
}

// RefreshUser crawls a user regardless of staleness.
func (c *Coordinator) RefreshUser(ctx context.Context, username string) (*marker.UserInfo, error) {
	return c.refresh(ctx, normalize(username), modeFull)
}

// Users resolves every observed username. A failed user carries the failure
// reason in its UserInfo and does not affect the others.
func (c *Coordinator) Users(ctx context.Context, usernames []string) []*marker.UserInfo {
	seen := make(map[string]bool, len(usernames))
	var names []string
	for _, u := range usernames {
		name := normalize(u)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	out := make([]*marker.UserInfo, len(names))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			info, err := c.refresh(ctx, name, modeLazy)
			if err != nil {
				c.logger.Warn("User refresh failed", "username", name, "error", err)
				info = &marker.UserInfo{Username: name, Tags: []*marker.UserTag{}, Error: marker.Reason(err)}
			}
			out[i] = info
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Stats returns every per-subreddit stat of a user, refreshing first when stale.
func (c *Coordinator) Stats(ctx context.Context, username string) ([]*marker.UserStat, error) {
	name := normalize(username)
	if _, err := c.refresh(ctx, name, modeLazy); err != nil {
		return nil, err
	}
	stats, err := storage.ListAs[marker.UserStat](ctx, c.store, storage.TableStats, storage.Only(name), "username")
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	return stats, nil
}

// refresh runs the per-user gate: the first caller does the work, later callers
// wait for it and share its result.
func (c *Coordinator) refresh(ctx context.Context, username string, m mode) (*marker.UserInfo, error) {
	if username == "" {
		return nil, &marker.ValidationError{Table: storage.TableUsers, Field: "username", Message: "empty username"}
	}

	c.cache.mu.Lock()
	e := c.cache.entry(username)
	if r := e.run; r != nil {
		c.cache.mu.Unlock()
		c.logger.Debug("Waiting for in-flight refresh", "username", username)
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.err != nil {
			return nil, r.err
		}
		c.cache.mu.Lock()
		defer c.cache.mu.Unlock()
		return e.info(username), nil
	}
	r := &run{done: make(chan struct{})}
	e.run = r
	cached := e.user
	c.cache.mu.Unlock()

	// The refresh outlives callers that give up waiting.
	user, tags, err := c.resolve(context.WithoutCancel(ctx), username, cached, m)

	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	if err == nil {
		e.user = user
		e.tags = tags
	}
	r.err = err
	e.run = nil
	close(r.done)
	if err != nil {
		return nil, err
	}
	return e.info(username), nil
}

func (c *Coordinator) resolve(ctx context.Context, username string, cached *marker.User, m mode) (*marker.User, []*marker.UserTag, error) {
	user := cached
	if user == nil {
		var err error
		user, err = storage.GetAs[marker.User](ctx, c.store, storage.TableUsers, username)
		if err != nil {
			return nil, nil, fmt.Errorf("load user: %w", err)
		}
	}

	now := c.now()
	stale := user == nil || user.Stale(now, c.cfg.StaleAfter)
	switch {
	case m == modeLazy && !stale:
		tags, err := storage.ListAs[marker.UserTag](ctx, c.store, storage.TableUserTags, storage.Only(username), "username")
		if err != nil {
			return nil, nil, fmt.Errorf("list tags: %w", err)
		}
		return user, tags, nil
	case m == modeRetag && !stale:
		tags, err := c.tagger.Apply(ctx, username)
		if err != nil {
			return nil, nil, fmt.Errorf("apply tags: %w", err)
		}
		return user, tags, nil
	}

	c.logger.Info("Refreshing user", "username", username, "stale", stale, "cached", cached != nil)
	start := now

	about, err := c.profiles.About(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch profile: %w", err)
	}
	if normalize(about.Name) != username {
		return nil, nil, &marker.RemoteMismatchError{Requested: username, Returned: about.Name}
	}

	updated := profile(username, about, now)
	if user != nil {
		updated.LastComment = user.LastComment
		updated.LastLink = user.LastLink
	}
	if err := c.store.Set(ctx, storage.TableUsers, updated); err != nil {
		return nil, nil, fmt.Errorf("save user: %w", err)
	}

	if _, err := c.crawler.Crawl(ctx, updated); err != nil {
		return nil, nil, fmt.Errorf("crawl %s: %w", username, err)
	}
	if err := c.store.Set(ctx, storage.TableUsers, updated); err != nil {
		return nil, nil, fmt.Errorf("save cursors: %w", err)
	}

	tags, err := c.tagger.Apply(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("apply tags: %w", err)
	}

	c.logger.Info("User refreshed",
		"username", username,
		"tags", len(tags),
		"duration_ms", c.now().Sub(start).Milliseconds())
	return updated, tags, nil
}

func profile(username string, about *reddit.About, now time.Time) *marker.User {
	u := &marker.User{
		Username:        username,
		DisplayUsername: about.Name,
		Created:         int64(about.CreatedUTC),
		LinkKarma:       about.LinkKarma,
		CommentKarma:    about.CommentKarma,
		Updated:         now.Unix(),
	}
	if sub := about.Subreddit; sub != nil {
		u.ProfileName = sub.Title
		u.ProfileDescription = sub.PublicDescription
		u.Followers = sub.Subscribers
	}
	return u
}

// TriggerBulk schedules a bulk refresh after the debounce period. Each call
// restarts the period.
func (c *Coordinator) TriggerBulk() {
	c.bulkMu.Lock()
	defer c.bulkMu.Unlock()

	if c.timer != nil {
		c.timer.Reset(c.cfg.Debounce)
		return
	}
	c.timer = time.AfterFunc(c.cfg.Debounce, func() {
		if err := c.BulkRefresh(context.Background()); err != nil {
			c.logger.Warn("Scheduled bulk refresh failed", "error", err)
		}
	})
}

// BulkRefresh reloads the tag rules and refreshes every stored user. Only one
// bulk refresh runs at a time; a call while one is active returns
// ErrBulkRefreshActive. The result fails if any user fails.
func (c *Coordinator) BulkRefresh(ctx context.Context) error {
	c.bulkMu.Lock()
	if started := c.active; !started.IsZero() {
		since := c.now().Sub(started)
		c.bulkMu.Unlock()
		if since > c.cfg.SanityDuration {
			c.logger.Warn("Bulk refresh active for longer than expected, dropping trigger",
				"active_since", started.Format(time.RFC3339),
				"duration", since.String())
		} else {
			c.logger.Info("Bulk refresh already active, dropping trigger")
		}
		return marker.ErrBulkRefreshActive
	}
	c.active = c.now()
	c.bulkMu.Unlock()

	defer func() {
		c.bulkMu.Lock()
		c.active = time.Time{}
		c.bulkMu.Unlock()
	}()

	c.maint.RLock()
	defer c.maint.RUnlock()

	start := c.now()
	if err := c.tagger.Reload(ctx); err != nil {
		return fmt.Errorf("reload tags: %w", err)
	}

	users, err := storage.ListAs[marker.User](ctx, c.store, storage.TableUsers, nil, "")
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	c.logger.Info("Starting bulk refresh", "users", len(users))

	var (
		mu     sync.Mutex
		tagged []*marker.UserInfo
	)
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, u := range users {
		g.Go(func() error {
			info, err := c.refresh(ctx, u.Username, modeRetag)
			if err != nil {
				c.logger.Warn("User refresh failed during bulk refresh", "username", u.Username, "error", err)
				return fmt.Errorf("refresh %s: %w", u.Username, err)
			}
			if len(info.Tags) > 0 {
				mu.Lock()
				tagged = append(tagged, info)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Info("Bulk refresh completed",
		"users", len(users),
		"tagged", len(tagged),
		"duration_ms", c.now().Sub(start).Milliseconds())

	if len(tagged) > 0 && c.notifier != nil {
		if err := c.notifier.NotifyTagged(ctx, tagged); err != nil {
			c.logger.Warn("Failed to deliver tag notification", "error", err)
		}
	}
	return nil
}

// Active reports whether a bulk refresh is running and since when.
func (c *Coordinator) Active() (time.Time, bool) {
	c.bulkMu.Lock()
	defer c.bulkMu.Unlock()
	return c.active, !c.active.IsZero()
}

// ResetCache forgets every cached user. Stored data is untouched.
func (c *Coordinator) ResetCache() {
	c.cache.Reset()
	c.logger.Info("User cache reset")
}

// MarkAllStale makes every stored user due for a crawl on next access. It waits
// for a running bulk refresh to finish first.
func (c *Coordinator) MarkAllStale(ctx context.Context) error {
	c.maint.Lock()
	defer c.maint.Unlock()

	users, err := storage.ListAs[marker.User](ctx, c.store, storage.TableUsers, nil, "")
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		u.Updated = 0
		if err := c.store.Set(ctx, storage.TableUsers, u); err != nil {
			return fmt.Errorf("save user %s: %w", u.Username, err)
		}
	}
	c.cache.Reset()
	c.logger.Info("All users marked stale", "users", len(users))
	return nil
}

// ResetDatabase removes every stored row and forgets cached users. It waits for
// a running bulk refresh to finish first.
func (c *Coordinator) ResetDatabase(ctx context.Context) error {
	c.maint.Lock()
	defer c.maint.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	c.cache.Reset()
	if err := c.tagger.Reload(ctx); err != nil {
		return fmt.Errorf("reload tags: %w", err)
	}
	c.logger.Info("Database reset")
	return nil
}

// Stop cancels a pending debounced bulk refresh.
func (c *Coordinator) Stop() {
	c.bulkMu.Lock()
	defer c.bulkMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}
