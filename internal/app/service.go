// Package app wires the thread resolver, cache, consent gate and subject
// actors into the operations the HTTP surface exposes.
package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"threadpub/internal/cache"
	"threadpub/internal/consent"
	"threadpub/internal/search"
	"threadpub/internal/subject"
	"threadpub/internal/thread"
	"threadpub/internal/upstream"
)

// Teaser length limits per render format. A teaser is additionally capped
// at half the full document so short threads never leak in full.
const (
	teaserLimitJSON     = 240
	teaserLimitMarkdown = 480
)

// resolver is the slice of the thread resolver the service consumes.
type resolver interface {
	Resolve(ctx context.Context, leafID string) (*thread.ResolvedThread, error)
	ResolvePreview(ctx context.Context, leafID string) (*thread.ResolvedThread, error)
}

// snapshotter archives resolved threads; safe to be nil-backed.
type snapshotter interface {
	Put(ctx context.Context, rt *thread.ResolvedThread)
}

// pinger reports key-value store connectivity for readiness checks.
type pinger interface {
	Ping(ctx context.Context) error
}

// Service implements the public operations.
type Service struct {
	resolver resolver
	cache    *cache.Cache
	consent  *consent.Service
	subjects *subject.Manager
	search   *search.Service
	archive  snapshotter
	kv       pinger
}

// NewService assembles the service. search and archive may be nil.
func NewService(r resolver, c *cache.Cache, cons *consent.Service, subjects *subject.Manager, searchSvc *search.Service, archiver snapshotter, kv pinger) *Service {
	return &Service{
		resolver: r,
		cache:    c,
		consent:  cons,
		subjects: subjects,
		search:   searchSvc,
		archive:  archiver,
		kv:       kv,
	}
}

// Ping reports backing-store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	return s.kv.Ping(ctx)
}

// ThreadResponse is one served thread rendition.
type ThreadResponse struct {
	PostID     string         `json:"postId"`
	Format     thread.Format  `json:"format"`
	Tier       cache.Tier     `json:"tier"`
	CacheState cache.State    `json:"cacheState"`
	Content    string         `json:"content"`
	Summary    thread.Summary `json:"summary"`
}

// GetThread resolves, renders and summarizes the thread containing postID.
// Full renditions are served once either of the thread's primary
// participants (main author, most active participant) has opted in; when
// both are private the caller gets a bounded teaser.
//
// The consent decision is made on a cheap single-hop preview before any
// full resolution, so threads of non-consenting authors never trigger a
// complete ancestor-and-comments walk against the upstream.
func (s *Service) GetThread(ctx context.Context, postID string, format thread.Format) (*ThreadResponse, error) {
	if postID == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_POST_ID", "post id is required", nil)
	}

	fullEntry, fullFresh, err := s.cache.Get(ctx, postID, format, cache.TierFull)
	if err != nil {
		log.Printf("app: cache read %s: %v", postID, err)
	}

	var rt *thread.ResolvedThread
	state := cache.StateMiss
	if fullEntry != nil && fullFresh {
		rt = fullEntry.Thread
		state = cache.StateHit
	} else {
		preview, previewState, err := s.previewCached(ctx, postID, format)
		if err != nil {
			return nil, err
		}
		previewRendered, err := thread.Render(preview, format)
		if err != nil {
			return nil, domainError(http.StatusInternalServerError, "RENDER_FAILED", err.Error(), nil)
		}
		previewSummary := thread.Summarize(preview, previewRendered)

		allowed, err := s.authorizeFull(ctx, previewSummary)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &ThreadResponse{
				PostID:     postID,
				Format:     format,
				Tier:       cache.TierPreview,
				CacheState: previewState,
				Content:    teaser(previewRendered, format),
				Summary:    previewSummary,
			}, nil
		}

		rt, err = s.resolveFull(ctx, postID, format, fullEntry)
		if err != nil {
			return nil, err
		}
		if fullEntry != nil && rt == fullEntry.Thread {
			state = cache.StateHit
		}
	}

	rendered, err := thread.Render(rt, format)
	if err != nil {
		return nil, domainError(http.StatusInternalServerError, "RENDER_FAILED", err.Error(), nil)
	}
	summary := thread.Summarize(rt, rendered)

	// The preview gate only saw the leaf's neighborhood; the full thread
	// can surface a different top participant, so the gate runs again.
	allowed, err := s.authorizeFull(ctx, summary)
	if err != nil {
		return nil, err
	}

	resp := &ThreadResponse{
		PostID:     postID,
		Format:     format,
		Tier:       cache.TierFull,
		CacheState: state,
		Content:    rendered,
		Summary:    summary,
	}
	if !allowed {
		resp.Tier = cache.TierPreview
		resp.Content = teaser(rendered, format)
	}
	return resp, nil
}

// previewCached serves the preview-tier cache when fresh, running the
// single-hop resolution otherwise.
func (s *Service) previewCached(ctx context.Context, postID string, format thread.Format) (*thread.ResolvedThread, cache.State, error) {
	entry, fresh, err := s.cache.Get(ctx, postID, format, cache.TierPreview)
	if err != nil {
		log.Printf("app: preview cache read %s: %v", postID, err)
	}
	if entry != nil && fresh {
		return entry.Thread, cache.StateHit, nil
	}

	rt, err := s.resolver.ResolvePreview(ctx, postID)
	if err != nil {
		if entry != nil && entry.Thread != nil {
			log.Printf("app: preview resolve %s failed, serving stale capture: %v", postID, err)
			return entry.Thread, cache.StateHit, nil
		}
		return nil, cache.StateMiss, mapResolveError(postID, err)
	}
	if err := s.cache.Put(ctx, rt, format, cache.TierPreview); err != nil {
		log.Printf("app: preview cache write %s: %v", postID, err)
	}
	return rt, cache.StateMiss, nil
}

// resolveFull runs the complete resolution, falling back to the stale
// full-tier capture when the upstream fails mid-walk.
func (s *Service) resolveFull(ctx context.Context, postID string, format thread.Format, stale *cache.Entry) (*thread.ResolvedThread, error) {
	rt, err := s.resolver.Resolve(ctx, postID)
	if err != nil {
		if stale != nil && stale.Thread != nil {
			log.Printf("app: resolve %s failed, serving stale capture: %v", postID, err)
			return stale.Thread, nil
		}
		return nil, mapResolveError(postID, err)
	}

	if err := s.cache.Put(ctx, rt, format, cache.TierFull); err != nil {
		log.Printf("app: cache write %s: %v", postID, err)
	}
	if s.archive != nil {
		s.archive.Put(ctx, rt)
	}
	return rt, nil
}

// authorizeFull reports whether the full rendition may be served: opt-in
// by either the main author or the most active participant unlocks the
// thread, and only when both are private does the caller get a teaser.
func (s *Service) authorizeFull(ctx context.Context, summary thread.Summary) (bool, error) {
	for _, handle := range []string{summary.MainAuthor, summary.TopParticipant} {
		if handle == "" {
			continue
		}
		decision, err := s.consent.Authorize(ctx, handle)
		if err != nil {
			return false, domainError(http.StatusInternalServerError, "CONSENT_LOOKUP_FAILED", err.Error(), nil)
		}
		if decision == consent.Public {
			return true, nil
		}
	}
	return false, nil
}

// teaser truncates a rendered document to the format's teaser limit,
// capped at half the full length.
func teaser(rendered string, format thread.Format) string {
	limit := teaserLimitMarkdown
	if format == thread.FormatJSON {
		limit = teaserLimitJSON
	}
	if half := len(rendered) / 2; half < limit {
		limit = half
	}
	return rendered[:limit]
}

func mapResolveError(postID string, err error) error {
	var notFound *upstream.NotFoundError
	if errors.As(err, &notFound) {
		return domainError(http.StatusNotFound, "POST_NOT_FOUND", "post "+notFound.ID+" not found", nil)
	}
	var rateLimited *upstream.RateLimitError
	if errors.As(err, &rateLimited) {
		return domainError(http.StatusTooManyRequests, "UPSTREAM_RATE_LIMITED", err.Error(),
			map[string]any{"retryAfterSeconds": int(rateLimited.RetryAfter() / time.Second)})
	}
	return domainError(http.StatusBadGateway, "RESOLVE_FAILED", "could not resolve thread for "+postID, nil)
}

// SetupSubject stores a subject's upstream access token and begins
// tracking their posts.
func (s *Service) SetupSubject(ctx context.Context, handle, accessToken string) error {
	if accessToken == "" {
		return domainError(http.StatusBadRequest, "INVALID_TOKEN", "access token is required", nil)
	}
	a, err := s.actor(handle)
	if err != nil {
		return err
	}
	if err := a.Setup(ctx, accessToken); err != nil {
		return domainError(http.StatusInternalServerError, "SETUP_FAILED", err.Error(), nil)
	}
	return nil
}

// PollSubject triggers an immediate sync cycle and returns how many new
// posts were stored.
func (s *Service) PollSubject(ctx context.Context, handle string) (int, error) {
	a, err := s.actor(handle)
	if err != nil {
		return 0, err
	}
	n, err := a.PollNow(ctx)
	if err != nil {
		if errors.Is(err, subject.ErrNoAccessToken) {
			return 0, domainError(http.StatusConflict, "SUBJECT_NOT_SET_UP", "subject has no access token", nil)
		}
		return 0, domainError(http.StatusBadGateway, "POLL_FAILED", err.Error(), nil)
	}
	return n, nil
}

// GetSubjectPosts returns the subject's stored posts, gated by visibility.
func (s *Service) GetSubjectPosts(ctx context.Context, handle, secret string) ([]subject.StoredPost, error) {
	a, err := s.actor(handle)
	if err != nil {
		return nil, err
	}
	posts, err := a.Posts(ctx, secret)
	if err != nil {
		if errors.Is(err, subject.ErrUnauthorized) {
			return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid subject secret", nil)
		}
		return nil, domainError(http.StatusInternalServerError, "POSTS_FAILED", err.Error(), nil)
	}
	return posts, nil
}

// SubjectProfile is the subject's cached profile plus sync status.
type SubjectProfile struct {
	Profile   *subject.Profile `json:"profile"`
	IsPublic  bool             `json:"isPublic"`
	LastError string           `json:"lastError,omitempty"`
}

// GetSubjectProfile returns the subject's cached profile and sync status.
func (s *Service) GetSubjectProfile(ctx context.Context, handle string) (*SubjectProfile, error) {
	a, err := s.actor(handle)
	if err != nil {
		return nil, err
	}
	p, isPublic, lastErr, err := a.Profile(ctx)
	if err != nil {
		return nil, domainError(http.StatusInternalServerError, "PROFILE_FAILED", err.Error(), nil)
	}
	return &SubjectProfile{Profile: p, IsPublic: isPublic, LastError: lastErr}, nil
}

// VisibilityResult reports a visibility change. Secret is only set when
// the subject just went private; it is shown once and stored hashed.
type VisibilityResult struct {
	IsPublic bool   `json:"isPublic"`
	Secret   string `json:"secret,omitempty"`
}

// SetSubjectVisibility flips a subject public or private, keeping the
// consent record and the actor state in step.
func (s *Service) SetSubjectVisibility(ctx context.Context, handle string, isPublic bool) (*VisibilityResult, error) {
	a, err := s.actor(handle)
	if err != nil {
		return nil, err
	}
	secret, err := a.SetVisibility(ctx, isPublic)
	if err != nil {
		return nil, domainError(http.StatusInternalServerError, "VISIBILITY_FAILED", err.Error(), nil)
	}
	if err := s.consent.SetPublic(ctx, handle, isPublic); err != nil {
		return nil, domainError(http.StatusInternalServerError, "CONSENT_STORE_FAILED", err.Error(), nil)
	}
	return &VisibilityResult{IsPublic: isPublic, Secret: secret}, nil
}

// SearchSubjectPosts searches one subject's stored posts, preferring the
// search index and falling back to a store scan. Reads are gated by the
// subject's visibility.
func (s *Service) SearchSubjectPosts(ctx context.Context, handle, secret, query string, limit int) (search.Response, error) {
	a, err := s.actor(handle)
	if err != nil {
		return search.Response{}, err
	}
	if err := a.AuthorizeRead(secret); err != nil {
		return search.Response{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid subject secret", nil)
	}
	if s.search == nil {
		return storeScan(ctx, a, handle, query, limit)
	}
	return s.search.Search(ctx, search.Query{Text: query, Handle: handle, Limit: limit}), nil
}

// storeScan is the index-less search path, straight off the subject store.
// The caller has already passed the visibility gate.
func storeScan(ctx context.Context, a *subject.Actor, handle, query string, limit int) (search.Response, error) {
	rows, err := a.ScanPosts(ctx, query, limit)
	if err != nil {
		return search.Response{}, domainError(http.StatusInternalServerError, "SEARCH_FAILED", err.Error(), nil)
	}
	results := make([]search.Result, 0, len(rows))
	for _, p := range rows {
		results = append(results, search.Result{
			ID:        p.ID,
			Handle:    handle,
			Snippet:   p.Text,
			CreatedAt: p.CreatedAt,
		})
	}
	return search.Response{Results: results, Total: len(results), Query: query}, nil
}

func (s *Service) actor(handle string) (*subject.Actor, error) {
	a, err := s.subjects.Actor(handle)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_HANDLE", err.Error(), nil)
	}
	return a, nil
}
