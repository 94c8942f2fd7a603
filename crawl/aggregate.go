package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reddit-marker/pkg/marker"
	"reddit-marker/reddit"
	"reddit-marker/storage"
)

// Aggregator folds listing entries into per-subreddit totals without double counting.
type Aggregator struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates a new aggregator.
func NewAggregator(store *storage.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Convert turns a listing entry into a Post owned by username.
func Convert(username string, thing reddit.Thing, now time.Time) (*marker.Post, error) {
	e := thing.Data
	switch {
	case thing.Kind != reddit.ThingComment && thing.Kind != reddit.ThingLink:
		return nil, &marker.ConversionError{Entry: e.Name, Message: fmt.Sprintf("unsupported kind %q", thing.Kind)}
	case e.Name == "":
		return nil, &marker.ConversionError{Entry: e.ID, Message: "missing name"}
	case e.Subreddit == "":
		return nil, &marker.ConversionError{Entry: e.Name, Message: "missing subreddit"}
	case e.CreatedUTC <= 0:
		return nil, &marker.ConversionError{Entry: e.Name, Message: "missing creation time"}
	}

	post := &marker.Post{
		ID:               e.Name,
		Author:           strings.ToLower(username),
		Subreddit:        strings.ToLower(e.Subreddit),
		Created:          int64(e.CreatedUTC),
		Score:            e.Score,
		Controversiality: e.Controversiality,
		Quarantine:       e.Quarantine,
		NSFW:             e.Over18,
		Updated:          now.Unix(),
	}
	if e.LinkID != "" {
		linkID := e.LinkID
		post.LinkID = &linkID
	}
	return post, nil
}

// Apply records one observed entry. It returns whether the post was seen for the first time.
func (a *Aggregator) Apply(ctx context.Context, username string, thing reddit.Thing) (bool, error) {
	now := a.now()
	post, err := Convert(username, thing, now)
	if err != nil {
		return false, err
	}

	previous, err := storage.GetAs[marker.Post](ctx, a.store, storage.TablePosts, post.ID)
	if err != nil {
		return false, fmt.Errorf("load post %s: %w", post.ID, err)
	}

	stat, err := storage.GetAs[marker.UserStat](ctx, a.store, storage.TableStats, []string{post.Author, post.Subreddit})
	if err != nil {
		return false, fmt.Errorf("load stats %s/%s: %w", post.Author, post.Subreddit, err)
	}
	if stat == nil {
		stat = &marker.UserStat{
			Username:         post.Author,
			Subreddit:        post.Subreddit,
			SubredditDisplay: thing.Data.Subreddit,
		}
	}

	isNew := previous == nil
	previousScore := 0
	if !isNew {
		previousScore = previous.Score
	}
	delta := max(post.Score-previousScore, -marker.BoundedLoss)

	switch thing.Kind {
	case reddit.ThingComment:
		if isNew {
			stat.CommentCount++
		}
		stat.CommentKarma += delta
	case reddit.ThingLink:
		if isNew {
			stat.LinkCount++
		}
		stat.LinkKarma += delta
	}
	stat.Updated = now.Unix()

	if err := a.store.SetAll(ctx,
		storage.Write{Table: storage.TablePosts, Value: post},
		storage.Write{Table: storage.TableStats, Value: stat},
	); err != nil {
		return false, fmt.Errorf("save post %s: %w", post.ID, err)
	}

	a.logger.Debug("Entry aggregated",
		"username", post.Author,
		"post_id", post.ID,
		"subreddit", post.Subreddit,
		"new", isNew,
		"delta", delta)
	return isNew, nil
}
