package tags

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"reddit-marker/pkg/marker"
	"reddit-marker/storage"
)

// Engine holds the rules built from the stored tags.
type Engine struct {
	store  *storage.Store
	logger *slog.Logger

	mu    sync.RWMutex
	rules []Rule
}

// NewEngine creates an engine with no rules loaded.
func NewEngine(store *storage.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
	}
}

// Reload rebuilds every rule from the tags table. Tags that fail to build are
// logged and skipped so one broken tag does not disable the rest.
func (e *Engine) Reload(ctx context.Context) error {
	list, err := storage.ListAs[marker.Tag](ctx, e.store, storage.TableTags, nil, "")
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}

	rules := make([]Rule, 0, len(list))
	for _, tag := range list {
		rule, err := NewRule(tag)
		if err != nil {
			e.logger.Warn("Skipping invalid tag", "tag_id", tag.ID, "name", tag.Name, "error", err)
			continue
		}
		rules = append(rules, rule)
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	e.logger.Info("Tag rules loaded", "tags", len(list), "rules", len(rules))
	return nil
}

// Rules returns the currently loaded rules.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Evaluate classifies a user from their stats without touching the store.
func (e *Engine) Evaluate(username string, stats []*marker.UserStat, now time.Time) []*marker.UserTag {
	var out []*marker.UserTag
	for _, rule := range e.Rules() {
		scopes := rule.Evaluate(stats)
		if len(scopes) == 0 {
			continue
		}
		out = append(out, &marker.UserTag{
			Username: username,
			TagID:    rule.Tag().ID,
			TagData:  scopes,
			Updated:  now.Unix(),
		})
	}
	return out
}

// Apply replaces the stored assignments of a user with a fresh evaluation.
func (e *Engine) Apply(ctx context.Context, username string) ([]*marker.UserTag, error) {
	if _, err := e.store.Delete(ctx, storage.TableUserTags, storage.Only(username), "username"); err != nil {
		return nil, fmt.Errorf("delete assignments: %w", err)
	}

	stats, err := storage.ListAs[marker.UserStat](ctx, e.store, storage.TableStats, storage.Only(username), "username")
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}

	assigned := e.Evaluate(username, stats, time.Now())
	saved := make([]*marker.UserTag, 0, len(assigned))
	for _, ut := range assigned {
		if err := e.store.Set(ctx, storage.TableUserTags, ut); err != nil {
			// The tag may have been deleted since the rules were loaded.
			if tag, getErr := storage.GetAs[marker.Tag](ctx, e.store, storage.TableTags, ut.TagID); getErr == nil && tag == nil {
				e.logger.Info("Skipping assignment for removed tag", "username", username, "tag_id", ut.TagID)
				continue
			}
			return nil, fmt.Errorf("save assignment: %w", err)
		}
		saved = append(saved, ut)
	}

	e.logger.Debug("User tags evaluated", "username", username, "stats", len(stats), "tags", len(saved))
	return saved, nil
}

// NewTagID returns a random tag identifier.
func NewTagID() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}

// DefaultTag returns the template for a new tag.
func DefaultTag(now time.Time) *marker.Tag {
	settings, _ := json.Marshal(DefaultActivitySettings())
	return &marker.Tag{
		ID:       NewTagID(),
		Name:     "New Tag",
		Color:    "#ff0000",
		Type:     TypeSubredditActivity,
		Settings: settings,
		Updated:  now.Unix(),
	}
}
