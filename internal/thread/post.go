// Package thread reconstructs social-media conversation threads: a leaf
// post, its full quoted/replied-to ancestor chain, and its direct comments.
package thread

import (
	"sort"
	"strings"
	"time"
)

// Metrics holds the engagement counters reported by the upstream API.
type Metrics struct {
	Likes    int `json:"likes"`
	Replies  int `json:"replies"`
	Retweets int `json:"retweets"`
	Quotes   int `json:"quotes"`
	Views    int `json:"views"`
}

// URLEntity is an expanded link inside a post body.
type URLEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expandedUrl"`
	DisplayURL  string `json:"displayUrl"`
}

// MentionEntity is an @-mention inside a post body.
type MentionEntity struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// Media is an attached photo, video or GIF.
type Media struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	MediaURL string `json:"mediaUrl"`
	URL      string `json:"url"`
	VideoURL string `json:"videoUrl,omitempty"`
}

// PollChoice is one option of an attached poll.
type PollChoice struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Poll is an attached poll, if any.
type Poll struct {
	EndsAt          string       `json:"endsAt"`
	DurationMinutes int          `json:"durationMinutes"`
	Final           bool         `json:"final"`
	Choices         []PollChoice `json:"choices"`
}

// Entities groups the structured annotations of a post body.
type Entities struct {
	URLs     []URLEntity     `json:"urls,omitempty"`
	Mentions []MentionEntity `json:"mentions,omitempty"`
	Hashtags []string        `json:"hashtags,omitempty"`
	Poll     *Poll           `json:"poll,omitempty"`
}

// Post is a single upstream post, immutable once fetched. Provenance flags
// are set by the resolver, not by the upstream API.
type Post struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"authorId"`
	AuthorHandle string    `json:"authorHandle"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`
	InReplyToID  string    `json:"inReplyToId,omitempty"`
	QuotedID     string    `json:"quotedId,omitempty"`
	Metrics      Metrics   `json:"metrics"`
	Media        []Media   `json:"media,omitempty"`
	Entities     Entities  `json:"entities"`

	// IsMainPost marks the requested leaf post.
	IsMainPost bool `json:"isMainPost,omitempty"`
	// IsQuotedAncestor marks posts reached through a quote edge; they are
	// context for the thread, not part of the reply chain itself.
	IsQuotedAncestor bool `json:"isQuotedAncestor,omitempty"`
}

// ResolvedThread is the output of a thread resolution: every gathered post
// in global order plus the derived participant table.
type ResolvedThread struct {
	Posts             []Post         `json:"posts"`
	ParticipantCounts map[string]int `json:"participantCounts"`
	MainPostID        string         `json:"mainPostId"`
	TopParticipant    string         `json:"topParticipant"`
	CapturedAt        time.Time      `json:"capturedAt"`
	// IsPartial marks a restricted preview resolution: only the leaf and
	// its directly quoted post, no comments.
	IsPartial bool `json:"isPartial,omitempty"`
}

// CompareIDs orders two post ids numerically. Upstream ids are decimal
// strings too large for a float64, so they are compared as arbitrary-size
// integers: by length after stripping leading zeros, then lexically.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// SortPosts orders posts ascending by creation time, breaking timestamp
// ties with the numeric id. Two posts can share a creation second; the id
// is monotonic, so the result is a total order and re-sorting is a no-op.
func SortPosts(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.Before(posts[j].CreatedAt)
		}
		return CompareIDs(posts[i].ID, posts[j].ID) < 0
	})
}

// MaxCreatedAt returns the newest creation time among posts, or the zero
// time for an empty slice.
func MaxCreatedAt(posts []Post) time.Time {
	var max time.Time
	for _, p := range posts {
		if p.CreatedAt.After(max) {
			max = p.CreatedAt
		}
	}
	return max
}
