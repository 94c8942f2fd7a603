// Package reddit fetches user profiles and activity listings from Reddit's JSON endpoints.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"reddit-marker/pkg/marker"
)

// DefaultBaseURL is the public Reddit host.
const DefaultBaseURL = "https://www.reddit.com"

// PageSize is the number of entries requested per listing page.
const PageSize = 100

// Listing kinds a user history can be walked for.
const (
	KindComments  = "comments"
	KindSubmitted = "submitted"
)

// Thing kinds that appear in user listings.
const (
	ThingComment = "t1"
	ThingLink    = "t3"
)

// StatusError indicates a non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Unwrap lets a missing account match marker.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return marker.ErrNotFound
	}
	return nil
}

// IsStatus checks if an error is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// SubredditAbout is the profile subreddit attached to a user.
type SubredditAbout struct {
	DisplayName       string `json:"display_name"`
	Title             string `json:"title"`
	PublicDescription string `json:"public_description"`
	Subscribers       int    `json:"subscribers"`
}

// About is the profile summary returned by /user/{name}/about.json.
type About struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	CreatedUTC   float64         `json:"created_utc"`
	LinkKarma    int             `json:"link_karma"`
	CommentKarma int             `json:"comment_karma"`
	Subreddit    *SubredditAbout `json:"subreddit"`
}

// Entry is one comment or submission in a listing.
type Entry struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"` // Fullname, kind prefix included
	Author           string  `json:"author"`
	LinkID           string  `json:"link_id"`
	Subreddit        string  `json:"subreddit"`
	CreatedUTC       float64 `json:"created_utc"`
	Score            int     `json:"score"`
	Controversiality int     `json:"controversiality"`
	Quarantine       bool    `json:"quarantine"`
	Over18           bool    `json:"over_18"`
}

// Thing wraps a listing entry with its kind.
type Thing struct {
	Kind string `json:"kind"`
	Data Entry  `json:"data"`
}

// Listing is one page of a user's history.
type Listing struct {
	Children []Thing `json:"children"`
	After    *string `json:"after"`
	Before   *string `json:"before"`
}

// Page selects a listing page. At most one of After and Before should be set.
type Page struct {
	After  string
	Before string
}

type wrapper[T any] struct {
	Kind string `json:"kind"`
	Data *T     `json:"data"`
}

// Client talks to Reddit. It keeps a count of requests in flight so shutdown
// can wait for quiescence.
type Client struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *slog.Logger
	inflight  atomic.Int64
}

// New creates a new Reddit client.
func New(client *http.Client, baseURL, userAgent string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:    client,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		userAgent: userAgent,
		logger:    logger,
	}
}

// About fetches a user's profile summary.
func (c *Client) About(ctx context.Context, username string) (*About, error) {
	var w wrapper[About]
	if err := c.get(ctx, "/user/"+url.PathEscape(username)+"/about.json", nil, "fetch_user_about", &w); err != nil {
		return nil, err
	}
	if w.Data == nil {
		return nil, fmt.Errorf("about for %s returned no data", username)
	}
	return w.Data, nil
}

// Listing fetches one page of a user's comments or submissions, newest first.
func (c *Client) Listing(ctx context.Context, username, kind string, page Page) (*Listing, error) {
	if kind != KindComments && kind != KindSubmitted {
		return nil, fmt.Errorf("unknown listing kind %q", kind)
	}
	q := url.Values{}
	q.Set("t", "all")
	q.Set("sort", "new")
	q.Set("limit", fmt.Sprint(PageSize))
	q.Set("allow_quarantined", "true")
	if page.After != "" {
		q.Set("after", page.After)
	}
	if page.Before != "" {
		q.Set("before", page.Before)
	}

	var w wrapper[Listing]
	if err := c.get(ctx, "/user/"+url.PathEscape(username)+"/"+kind+".json", q, "fetch_user_"+kind, &w); err != nil {
		return nil, err
	}
	if w.Data == nil {
		return nil, fmt.Errorf("%s listing for %s returned no data", kind, username)
	}
	return w.Data, nil
}

// Outstanding returns the number of requests in flight.
func (c *Client) Outstanding() int64 {
	return c.inflight.Load()
}

// Wait blocks until no request is in flight or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for c.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, purpose string, out any) error {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	c.logger.Debug("HTTP request starting",
		"method", "GET",
		"url", reqURL,
		"purpose", purpose)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"url", reqURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"url", reqURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("HTTP request returned non-OK status", "url", reqURL, "status_code", resp.StatusCode)
		return &StatusError{URL: reqURL, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
