// Package notify delivers bulk refresh results to an operator.
package notify

import (
	"fmt"
	"slices"
	"strings"

	"reddit-marker/pkg/marker"
)

// Summary renders a plain-text digest of tagged users, one line per user.
func Summary(users []*marker.UserInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tagged user(s) after bulk refresh\n", len(users))

	sorted := slices.Clone(users)
	slices.SortFunc(sorted, func(a, b *marker.UserInfo) int {
		return strings.Compare(a.Username, b.Username)
	})
	for _, u := range sorted {
		b.WriteString("u/")
		b.WriteString(u.Username)
		b.WriteString(":")
		for _, t := range u.Tags {
			fmt.Fprintf(&b, " tag %d", t.TagID)
			if len(t.TagData) > 0 {
				top := t.TagData[0]
				fmt.Fprintf(&b, " (%s score %d posts %d)", top.Subreddit, top.Score, top.Posts)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
