package tags

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Mode combines the enabled conditions of a rule.
type Mode string

const (
	ModeAnd Mode = "and"
	ModeOr  Mode = "or"
)

// Direction selects which side of the threshold satisfies a condition.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Condition is one threshold comparison. Values must be strictly past the threshold.
type Condition struct {
	Enabled   bool      `json:"enabled"`
	Direction Direction `json:"direction"`
	Threshold float64   `json:"threshold"`
}

func (c Condition) met(value float64) bool {
	if c.Direction == Below {
		return value < c.Threshold
	}
	return value > c.Threshold
}

// ActivitySettings configures a SubredditActivity rule.
type ActivitySettings struct {
	Subreddits      []string  `json:"subreddits"`
	Global          bool      `json:"global"` // Aggregate every subreddit into one "all" scope
	Mode            Mode      `json:"mode"`
	Karma           Condition `json:"karma"`
	Posts           Condition `json:"posts"`
	Average         Condition `json:"average"` // Karma per post
	ExcludeComments bool      `json:"excludeComments"`
	ExcludeLinks    bool      `json:"excludeLinks"`
}

// legacySettings is the flat boolean layout older clients still send.
type legacySettings struct {
	Subreddits     []string `json:"subreddits"`
	ConditionsOr   bool     `json:"conditionsOr"`
	ExcludeScore   bool     `json:"excludeScore"`
	ExcludePosts   bool     `json:"excludePosts"`
	ExcludeAverage bool     `json:"excludeAverage"`
	ScoreBelow     bool     `json:"scoreBelow"`
	PostsBelow     bool     `json:"postsBelow"`
	AverageBelow   bool     `json:"averageBelow"`
	IgnoreLinks    bool     `json:"ignoreLinks"`
	IgnoreComments bool     `json:"ignoreComments"`
	Global         bool     `json:"global"`
	Score          float64  `json:"score"`
	Posts          float64  `json:"posts"`
	Average        float64  `json:"average"`
}

func direction(below bool) Direction {
	if below {
		return Below
	}
	return Above
}

func (l legacySettings) canonical() ActivitySettings {
	mode := ModeAnd
	if l.ConditionsOr {
		mode = ModeOr
	}
	return ActivitySettings{
		Subreddits:      l.Subreddits,
		Global:          l.Global,
		Mode:            mode,
		Karma:           Condition{Enabled: !l.ExcludeScore, Direction: direction(l.ScoreBelow), Threshold: l.Score},
		Posts:           Condition{Enabled: !l.ExcludePosts, Direction: direction(l.PostsBelow), Threshold: l.Posts},
		Average:         Condition{Enabled: !l.ExcludeAverage, Direction: direction(l.AverageBelow), Threshold: l.Average},
		ExcludeComments: l.IgnoreComments,
		ExcludeLinks:    l.IgnoreLinks,
	}
}

// DecodeActivitySettings reads either the canonical or the legacy layout and
// normalizes subreddit names.
func DecodeActivitySettings(raw json.RawMessage) (ActivitySettings, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ActivitySettings{}, fmt.Errorf("empty settings")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ActivitySettings{}, fmt.Errorf("unmarshal settings: %w", err)
	}

	var s ActivitySettings
	if _, legacy := fields["conditionsOr"]; legacy {
		var l legacySettings
		if err := json.Unmarshal(raw, &l); err != nil {
			return ActivitySettings{}, fmt.Errorf("unmarshal legacy settings: %w", err)
		}
		s = l.canonical()
	} else if err := json.Unmarshal(raw, &s); err != nil {
		return ActivitySettings{}, fmt.Errorf("unmarshal settings: %w", err)
	}

	if s.Mode == "" {
		s.Mode = ModeAnd
	}
	for i, sub := range s.Subreddits {
		s.Subreddits[i] = strings.ToLower(strings.TrimSpace(sub))
	}
	return s, nil
}

// DefaultActivitySettings is the template a new tag starts from.
func DefaultActivitySettings() ActivitySettings {
	return ActivitySettings{
		Subreddits: []string{},
		Mode:       ModeAnd,
		Karma:      Condition{Enabled: true, Direction: Above, Threshold: 0},
		Posts:      Condition{Enabled: true, Direction: Above, Threshold: 3},
		Average:    Condition{Direction: Above},
	}
}
