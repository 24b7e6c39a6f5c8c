// Package search indexes stored subject posts for full-text lookup, with
// a substring-scan fallback when the index is unreachable.
package search

import (
	"time"

	"threadpub/internal/subject"
)

// PostRecord is the data we index for one post.
type PostRecord struct {
	ID              string `json:"id"`
	Text            string `json:"text"`
	Handle          string `json:"handle"`
	AuthorID        string `json:"authorId"`
	IsReply         bool   `json:"isReply"`
	CreatedAtMillis int64  `json:"createdAtMillis"`
}

// FromStored converts a stored post into an index record.
func FromStored(handle string, p subject.StoredPost) PostRecord {
	return PostRecord{
		ID:              p.ID,
		Text:            p.Text,
		Handle:          handle,
		AuthorID:        p.AuthorID,
		IsReply:         p.IsReply,
		CreatedAtMillis: p.CreatedAt.UnixMilli(),
	}
}

// Query describes a search request. Handle is empty for a cross-subject
// search.
type Query struct {
	Text   string
	Handle string
	Limit  int
	Offset int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"createdAt"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
