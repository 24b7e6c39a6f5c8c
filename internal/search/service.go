package search

import (
	"context"
	"log"

	"threadpub/internal/subject"
)

// FallbackFunc runs a search against the durable post store when the
// index is unavailable.
type FallbackFunc func(ctx context.Context, q Query) ([]Result, int, error)

// Service is the facade that tries Meilisearch first and falls back to a
// store scan.
type Service struct {
	meili    *Meili
	fallback FallbackFunc
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured; fallback may be nil when no store scan is wired.
func NewService(meili *Meili, fallback FallbackFunc) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise runs the fallback scan.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to store scan: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexStored pushes newly stored posts into the index, fire-and-forget.
// Satisfies the sync actor's indexer hook.
func (s *Service) IndexStored(handle string, posts []subject.StoredPost) {
	if s.meili == nil || !s.meili.Healthy() || len(posts) == 0 {
		return
	}
	records := make([]PostRecord, 0, len(posts))
	for _, p := range posts {
		records = append(records, FromStored(handle, p))
	}
	go func() {
		if err := s.meili.IndexPosts(records); err != nil {
			log.Printf("search: index %d posts for %s: %v", len(records), handle, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
