// Package crawl walks a user's Reddit history and aggregates it into per-subreddit stats.
package crawl

import (
	"context"
	"fmt"
	"log/slog"

	"reddit-marker/pkg/marker"
	"reddit-marker/reddit"
)

// Source fetches listing pages.
type Source interface {
	Listing(ctx context.Context, username, kind string, page reddit.Page) (*reddit.Listing, error)
}

// Result summarizes one crawl.
type Result struct {
	Pages    int
	Entries  int
	NewPosts int
}

// Crawler walks comment and submission histories back to the stored cursors.
type Crawler struct {
	source     Source
	aggregator *Aggregator
	logger     *slog.Logger
}

// New creates a new crawler.
func New(source Source, aggregator *Aggregator, logger *slog.Logger) *Crawler {
	return &Crawler{
		source:     source,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Crawl walks both histories of user and moves its cursors forward. The user row
// must already be stored; the caller persists the updated cursors.
func (c *Crawler) Crawl(ctx context.Context, user *marker.User) (*Result, error) {
	res := &Result{}

	cursor, err := c.walk(ctx, user.Username, reddit.KindComments, user.LastComment, res)
	if err != nil {
		return nil, err
	}
	user.LastComment = cursor

	cursor, err = c.walk(ctx, user.Username, reddit.KindSubmitted, user.LastLink, res)
	if err != nil {
		return nil, err
	}
	user.LastLink = cursor

	c.logger.Info("User history crawled",
		"username", user.Username,
		"pages", res.Pages,
		"entries", res.Entries,
		"new_posts", res.NewPosts)
	return res, nil
}

// walk pages through one listing. Without a cursor it walks newest-first with
// "after"; with one it walks from the cursor toward now with "before". Either
// way the newest entry of the first page becomes the returned cursor.
func (c *Crawler) walk(ctx context.Context, username, kind string, cursor *string, res *Result) (*string, error) {
	forward := cursor != nil
	page := reddit.Page{}
	if forward {
		page.Before = *cursor
	}

	c.logger.Debug("Starting history walk",
		"username", username,
		"kind", kind,
		"cursor", page.Before,
		"forward", forward)

	next := cursor
	captured := false
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		listing, err := c.source.Listing(ctx, username, kind, page)
		if err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", kind, n, err)
		}
		res.Pages++

		if !captured && len(listing.Children) > 0 {
			newest := listing.Children[0].Data.Name
			next = &newest
			captured = true
		}

		for _, thing := range listing.Children {
			isNew, err := c.aggregator.Apply(ctx, username, thing)
			if err != nil {
				return nil, fmt.Errorf("apply %s entry: %w", kind, err)
			}
			res.Entries++
			if isNew {
				res.NewPosts++
			}
		}

		token := listing.After
		if forward {
			token = listing.Before
		}
		if token == nil || *token == "" {
			return next, nil
		}
		if forward {
			page = reddit.Page{Before: *token}
		} else {
			page = reddit.Page{After: *token}
		}
	}
}
