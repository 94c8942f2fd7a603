// Package marker contains the core domain types for the Reddit user tagging service.
package marker

import (
	"encoding/json"
	"time"
)

// BoundedLoss is the largest single-update score drop applied to a running karma total.
const BoundedLoss = 25

// GlobalScope names the scope that aggregates every subreddit a user is active in.
const GlobalScope = "all"

// Post is a single comment or submission observed in a user's history.
type Post struct {
	ID               string  `json:"id"`               // Fullname, e.g. t1_abc
	Author           string  `json:"author"`           // Lower-cased username
	Subreddit        string  `json:"subreddit"`        // Lower-cased subreddit name
	Created          int64   `json:"created"`          // Unix seconds
	Score            int     `json:"score"`            // Score at last observation
	Controversiality int     `json:"controversiality"` // Reddit controversiality flag
	Quarantine       bool    `json:"quarantine"`       // Posted in a quarantined subreddit
	NSFW             bool    `json:"nsfw"`             // Marked over 18
	Updated          int64   `json:"updated"`          // Unix seconds of last observation
	LinkID           *string `json:"linkId,omitempty"` // Parent submission for comments
}

// User is a Reddit account with its profile summary and crawl cursors.
type User struct {
	Username           string  `json:"username"`              // Lower-cased key
	DisplayUsername    string  `json:"displayUsername"`       // Username as Reddit spells it
	ProfileName        string  `json:"profileName"`           // Profile subreddit title
	ProfileDescription string  `json:"profileDescription"`    // Profile subreddit public description
	Created            int64   `json:"created"`               // Account creation, unix seconds
	LinkKarma          int     `json:"linkKarma"`             // Reddit-reported link karma
	CommentKarma       int     `json:"commentKarma"`          // Reddit-reported comment karma
	Followers          int     `json:"followers"`             // Profile subscribers
	LastComment        *string `json:"lastComment,omitempty"` // Newest comment seen, nil if never crawled
	LastLink           *string `json:"lastLink,omitempty"`    // Newest submission seen, nil if never crawled
	Updated            int64   `json:"updated"`               // Unix seconds of last profile fetch
}

// Stale reports whether the profile is older than maxAge at now.
func (u *User) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(time.Unix(u.Updated, 0)) > maxAge
}

// UserStat aggregates a user's activity in one subreddit.
type UserStat struct {
	Username         string `json:"username"`
	Subreddit        string `json:"subreddit"`        // Lower-cased
	SubredditDisplay string `json:"subredditDisplay"` // As first observed
	LinkCount        int    `json:"linkCount"`
	LinkKarma        int    `json:"linkKarma"`
	CommentCount     int    `json:"commentCount"`
	CommentKarma     int    `json:"commentKarma"`
	Updated          int64  `json:"updated"`
}

// Karma is the combined comment and link karma.
func (s *UserStat) Karma() int {
	return s.CommentKarma + s.LinkKarma
}

// Posts is the combined comment and link count.
func (s *UserStat) Posts() int {
	return s.CommentCount + s.LinkCount
}

// Tag is a user-defined classification rule.
type Tag struct {
	ID       uint32          `json:"id"`
	Name     string          `json:"name"`
	Color    string          `json:"color"`
	Type     string          `json:"type"`     // Rule type discriminator
	Settings json.RawMessage `json:"settings"` // Decoded according to Type
	Updated  int64           `json:"updated"`
}

// ScopeResult is one ranked entry of a tag assignment.
type ScopeResult struct {
	Subreddit string `json:"subreddit"` // Subreddit name or GlobalScope
	Score     int    `json:"score"`
	Posts     int    `json:"posts"`
}

// UserTag records that a user currently satisfies a tag.
type UserTag struct {
	Username string        `json:"username"`
	TagID    uint32        `json:"tagId"`
	TagData  []ScopeResult `json:"tagData"`
	Updated  int64         `json:"updated"`
}

// UserInfo is what callers receive for one observed username.
type UserInfo struct {
	Username string     `json:"username"`
	User     *User      `json:"user,omitempty"`
	Tags     []*UserTag `json:"tags"`
	Error    string     `json:"error,omitempty"` // Reason string when the refresh failed
}
