package refresh

import (
	"sync"

	"reddit-marker/pkg/marker"
)

// run is one in-flight refresh. done is closed once err is set.
type run struct {
	done chan struct{}
	err  error
}

// entry is the cached state of one user. While run is non-nil the user is
// refreshing and callers wait on it instead of starting another refresh.
type entry struct {
	user *marker.User
	tags []*marker.UserTag
	run  *run
}

func (e *entry) info(username string) *marker.UserInfo {
	tags := e.tags
	if tags == nil {
		tags = []*marker.UserTag{}
	}
	return &marker.UserInfo{Username: username, User: e.user, Tags: tags}
}

// UserCache holds users resolved since the last reset. Entries are populated
// lazily and only dropped by Reset.
type UserCache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewUserCache creates an empty cache.
func NewUserCache() *UserCache {
	return &UserCache{entries: make(map[string]*entry)}
}

// entry returns the entry for username, creating it. The caller holds mu.
func (c *UserCache) entry(username string) *entry {
	e, ok := c.entries[username]
	if !ok {
		e = &entry{}
		c.entries[username] = e
	}
	return e
}

// Get returns a cached user and its tags.
func (c *UserCache) Get(username string) (*marker.UserInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[username]
	if !ok || e.user == nil {
		return nil, false
	}
	return e.info(username), true
}

// Refreshing reports whether a refresh of username is in flight.
func (c *UserCache) Refreshing(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[username]
	return ok && e.run != nil
}

// Len returns the number of cached users.
func (c *UserCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops every cached user. Entries with a refresh in flight keep their
// gate so later callers still wait on it; only their cached state is cleared.
func (c *UserCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := make(map[string]*entry)
	for username, e := range c.entries {
		if e.run != nil {
			e.user = nil
			e.tags = nil
			kept[username] = e
		}
	}
	c.entries = kept
}
