// Package scraper collects Reddit usernames linked from an HTML page.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// HTTP403Error indicates a 403 Forbidden response.
type HTTP403Error struct {
	URL string
}

func (e *HTTP403Error) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsHTTP403Error checks if an error is an HTTP 403 error.
func IsHTTP403Error(err error) bool {
	var forbidden *HTTP403Error
	return errors.As(err, &forbidden)
}

// Scraper fetches pages and extracts the usernames they link to.
type Scraper struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
	delay     time.Duration
}

// New creates a new scraper.
func New(client *http.Client, userAgent string, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		delay:     time.Second,
	}
}

// Usernames fetches pageURL and returns the usernames it links to, in page order.
func (s *Scraper) Usernames(ctx context.Context, pageURL string) ([]string, error) {
	var names []string
	forbidden := false

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "scan_usernames")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", s.userAgent)
			req.Header.Set("Accept", "text/html,application/xhtml+xml")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusForbidden {
				forbidden = true
				return &HTTP403Error{URL: pageURL}
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			names, err = ParseUsernames(resp.Body)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(s.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(s.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsHTTP403Error(err)
		}),
	)
	if forbidden {
		return nil, &HTTP403Error{URL: pageURL}
	}
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	s.logger.Info("Page scanned", "url", pageURL, "usernames", len(names))
	return names, nil
}

// ParseUsernames returns the lower-cased usernames of profile links in an HTML
// document, deduplicated in document order. A link counts when its path ends in
// user/<name> and its text, without a leading "u/", is that same name.
func ParseUsernames(body io.Reader) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]bool)
	var names []string
	doc.Find(`a[href*="user/"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		name, ok := profileName(href)
		if !ok {
			return
		}

		text := strings.ToLower(strings.TrimSpace(a.Text()))
		text = strings.TrimPrefix(text, "u/")
		if text != name || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	})
	return names, nil
}

// profileName extracts the lower-cased name from a link ending in user/<name>,
// with or without a trailing slash. Links past the profile, such as
// /user/<name>/comments, are rejected.
func profileName(href string) (string, bool) {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	idx := strings.Index(href, "user/")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSuffix(href[idx+len("user/"):], "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return strings.ToLower(rest), true
}
