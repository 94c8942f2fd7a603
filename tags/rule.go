// Package tags classifies users against the tag rules stored by the user.
package tags

import (
	"cmp"
	"slices"

	"reddit-marker/pkg/marker"
)

// TypeSubredditActivity is the discriminator of the subreddit activity threshold rule.
const TypeSubredditActivity = "SubredditActivity"

// Rule evaluates one tag for a user.
type Rule interface {
	Tag() *marker.Tag
	// Evaluate returns the ranked scopes the user satisfies, or nil.
	Evaluate(stats []*marker.UserStat) []marker.ScopeResult
}

// NewRule builds the rule for a stored tag. Tags that can never be satisfied,
// or whose type is unknown, fail with a ConfigurationError.
func NewRule(tag *marker.Tag) (Rule, error) {
	switch tag.Type {
	case TypeSubredditActivity:
		return newActivityRule(tag)
	default:
		return nil, &marker.ConfigurationError{TagID: tag.ID, TagName: tag.Name, Message: "unknown tag type " + tag.Type}
	}
}

type activityRule struct {
	tag      *marker.Tag
	settings ActivitySettings
}

func newActivityRule(tag *marker.Tag) (*activityRule, error) {
	s, err := DecodeActivitySettings(tag.Settings)
	if err != nil {
		return nil, &marker.ConfigurationError{TagID: tag.ID, TagName: tag.Name, Message: err.Error()}
	}

	configErr := func(msg string) error {
		return &marker.ConfigurationError{TagID: tag.ID, TagName: tag.Name, Message: msg}
	}
	switch {
	case !s.Karma.Enabled && !s.Posts.Enabled && !s.Average.Enabled:
		return nil, configErr("no active statistics")
	case s.ExcludeComments && s.ExcludeLinks:
		return nil, configErr("no active sources")
	case s.Mode != ModeAnd && s.Mode != ModeOr:
		return nil, configErr("unknown mode " + string(s.Mode))
	}
	for _, c := range []Condition{s.Karma, s.Posts, s.Average} {
		if c.Enabled && c.Direction != Above && c.Direction != Below {
			return nil, configErr("unknown direction " + string(c.Direction))
		}
	}

	return &activityRule{tag: tag, settings: s}, nil
}

func (r *activityRule) Tag() *marker.Tag {
	return r.tag
}

// scoped returns karma and post count with excluded sources left out.
func (r *activityRule) scoped(stat *marker.UserStat) (karma, posts int) {
	if !r.settings.ExcludeComments {
		karma += stat.CommentKarma
		posts += stat.CommentCount
	}
	if !r.settings.ExcludeLinks {
		karma += stat.LinkKarma
		posts += stat.LinkCount
	}
	return karma, posts
}

func (r *activityRule) matches(karma, posts int) bool {
	s := r.settings
	var results []bool
	if s.Karma.Enabled {
		results = append(results, s.Karma.met(float64(karma)))
	}
	if s.Posts.Enabled {
		results = append(results, s.Posts.met(float64(posts)))
	}
	if s.Average.Enabled {
		// No average exists without posts.
		results = append(results, posts != 0 && s.Average.met(float64(karma)/float64(posts)))
	}

	if s.Mode == ModeOr {
		return slices.Contains(results, true)
	}
	return !slices.Contains(results, false)
}

func (r *activityRule) Evaluate(stats []*marker.UserStat) []marker.ScopeResult {
	s := r.settings
	var list []marker.ScopeResult

	switch {
	case s.Global:
		var karma, posts int
		for _, stat := range stats {
			k, p := r.scoped(stat)
			karma += k
			posts += p
		}
		if r.matches(karma, posts) {
			list = append(list, marker.ScopeResult{Subreddit: marker.GlobalScope, Score: karma, Posts: posts})
		}

	case len(s.Subreddits) == 0:
		return nil

	default:
		bySubreddit := make(map[string]*marker.UserStat, len(stats))
		for _, stat := range stats {
			bySubreddit[stat.Subreddit] = stat
		}
		for _, sub := range s.Subreddits {
			stat, ok := bySubreddit[sub]
			if !ok {
				continue
			}
			delete(bySubreddit, sub)
			karma, posts := r.scoped(stat)
			if r.matches(karma, posts) {
				list = append(list, marker.ScopeResult{Subreddit: sub, Score: karma, Posts: posts})
			}
		}
	}

	if len(list) == 0 {
		return nil
	}
	byKarma := s.Karma.Enabled
	slices.SortStableFunc(list, func(a, b marker.ScopeResult) int {
		if byKarma {
			return cmp.Compare(b.Score, a.Score)
		}
		return cmp.Compare(b.Posts, a.Posts)
	})
	return list
}
