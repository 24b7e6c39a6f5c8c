package thread

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Page is one page of a cursor-paginated post listing.
type Page struct {
	Posts      []Post
	NextCursor string
}

// Fetcher is the slice of the upstream client the resolver needs.
type Fetcher interface {
	FetchPost(ctx context.Context, id string) (*Post, error)
	FetchCommentsPage(ctx context.Context, id, cursor string) (Page, error)
}

// Resolver reconstructs threads from the flat fetch-one-post upstream API.
type Resolver struct {
	fetcher Fetcher
	now     func() time.Time
}

// NewResolver creates a resolver over the given fetcher.
func NewResolver(fetcher Fetcher) *Resolver {
	return &Resolver{fetcher: fetcher, now: time.Now}
}

// edge is a pending ancestor fetch. quoted records whether the path from
// the leaf to this post crosses a quote edge; the mark is inherited by the
// whole quoted subtree.
type edge struct {
	id     string
	quoted bool
}

// Resolve performs a full resolution: the leaf post, its complete ancestor
// chain and all of its direct comments, globally ordered.
//
// The leaf fetch is the only hard dependency: if it fails, the whole
// operation fails. Ancestor fetch failures also propagate, since ancestry
// is correctness-critical. Comment page failures abort further pages but
// keep everything already gathered.
func (r *Resolver) Resolve(ctx context.Context, leafID string) (*ResolvedThread, error) {
	type commentsResult struct {
		page Page
		err  error
	}
	// The first comment page has no ancestor dependency, so it can run
	// alongside the leaf fetch.
	firstPage := make(chan commentsResult, 1)
	go func() {
		page, err := r.fetcher.FetchCommentsPage(ctx, leafID, "")
		firstPage <- commentsResult{page, err}
	}()

	leaf, err := r.fetcher.FetchPost(ctx, leafID)
	if err != nil {
		return nil, fmt.Errorf("fetch leaf post %s: %w", leafID, err)
	}
	leaf.IsMainPost = true

	ancestors, err := r.walkAncestors(ctx, leaf)
	if err != nil {
		return nil, err
	}

	posts := make([]Post, 0, 1+len(ancestors))
	posts = append(posts, *leaf)
	posts = append(posts, ancestors...)

	seen := make(map[string]bool, len(posts))
	for _, p := range posts {
		seen[p.ID] = true
	}

	res := <-firstPage
	cursor := ""
	for {
		if res.err != nil {
			// Availability over completeness: keep the comments gathered so
			// far rather than failing the whole thread.
			log.Printf("thread: comments page for %s failed, keeping %d posts: %v", leafID, len(posts), res.err)
			break
		}
		for _, c := range res.page.Posts {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			posts = append(posts, c)
		}
		cursor = res.page.NextCursor
		if cursor == "" {
			break
		}
		page, err := r.fetcher.FetchCommentsPage(ctx, leafID, cursor)
		res = commentsResult{page, err}
	}

	SortPosts(posts)
	return r.finish(posts, leafID, false), nil
}

// ResolvePreview performs the restricted single-hop resolution: the leaf
// plus its quoted post, no comments. Used when the thread's subject has
// not released their data.
func (r *Resolver) ResolvePreview(ctx context.Context, leafID string) (*ResolvedThread, error) {
	leaf, err := r.fetcher.FetchPost(ctx, leafID)
	if err != nil {
		return nil, fmt.Errorf("fetch leaf post %s: %w", leafID, err)
	}
	leaf.IsMainPost = true
	posts := []Post{*leaf}

	if leaf.QuotedID != "" && leaf.QuotedID != leaf.ID {
		quoted, err := r.fetcher.FetchPost(ctx, leaf.QuotedID)
		if err != nil {
			log.Printf("thread: preview quoted post %s failed: %v", leaf.QuotedID, err)
		} else {
			quoted.IsQuotedAncestor = true
			posts = append(posts, *quoted)
		}
	}

	SortPosts(posts)
	return r.finish(posts, leafID, true), nil
}

// walkAncestors follows quoted and replied-to links to completion using an
// explicit stack and a seen-set. The seen-set is consulted before every
// fetch, so the walk terminates even if the upstream graph contains a
// cycle. Quote edges are walked before reply edges at each node.
func (r *Resolver) walkAncestors(ctx context.Context, leaf *Post) ([]Post, error) {
	seen := map[string]bool{leaf.ID: true}
	var stack []edge
	push := func(p *Post, inherited bool) {
		// Reply below quote so the quote edge pops first.
		if p.InReplyToID != "" {
			stack = append(stack, edge{id: p.InReplyToID, quoted: inherited})
		}
		if p.QuotedID != "" {
			stack = append(stack, edge{id: p.QuotedID, quoted: true})
		}
	}
	push(leaf, false)

	var ancestors []Post
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[e.id] {
			continue
		}
		seen[e.id] = true

		p, err := r.fetcher.FetchPost(ctx, e.id)
		if err != nil {
			return nil, fmt.Errorf("fetch ancestor %s: %w", e.id, err)
		}
		p.IsQuotedAncestor = e.quoted
		ancestors = append(ancestors, *p)
		push(p, e.quoted)
	}
	return ancestors, nil
}

func (r *Resolver) finish(posts []Post, leafID string, partial bool) *ResolvedThread {
	counts := make(map[string]int, len(posts))
	top := ""
	for _, p := range posts {
		counts[p.AuthorHandle]++
		if top == "" || counts[p.AuthorHandle] > counts[top] {
			top = p.AuthorHandle
		}
	}
	return &ResolvedThread{
		Posts:             posts,
		ParticipantCounts: counts,
		MainPostID:        leafID,
		TopParticipant:    top,
		CapturedAt:        r.now().UTC(),
		IsPartial:         partial,
	}
}
