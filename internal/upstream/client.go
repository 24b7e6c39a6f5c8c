// Package upstream is the authenticated HTTP client for the external
// social API: fetch-post-by-id, cursor-paginated comments, and
// cursor-paginated date-bounded search.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"threadpub/internal/thread"
)

const (
	defaultTimeout = 15 * time.Second
	// Delay between search pages so exhaustive searches do not burst the
	// rate-limited upstream.
	searchPageDelay = 200 * time.Millisecond
)

// NotFoundError reports a post that does not exist upstream.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("post %s not found", e.ID)
}

// RateLimitError reports upstream throttling. ResetAt is taken from the
// 429 response's reset header; callers surface it instead of retrying.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limited, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// RetryAfter returns how long until the limit resets, never negative.
func (e *RateLimitError) RetryAfter() time.Duration {
	d := time.Until(e.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// Error is any other non-2xx upstream response. 5xx responses are
// transient and eligible for a single page-level retry.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth one retry.
func (e *Error) Transient() bool {
	return e.StatusCode >= 500
}

// Client issues authenticated calls against the upstream API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL and bearer API key.
// A non-positive timeout selects the default.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchPost fetches a single post by id.
func (c *Client) FetchPost(ctx context.Context, id string) (*thread.Post, error) {
	var post thread.Post
	if err := c.getJSON(ctx, "/posts/"+url.PathEscape(id), nil, &post); err != nil {
		if apiErr, ok := err.(*Error); ok && apiErr.StatusCode == http.StatusNotFound {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	return &post, nil
}

// FetchPostsByIDs fetches up to one page of posts in a single batched
// call. Absent ids are silently omitted from the result.
func (c *Client) FetchPostsByIDs(ctx context.Context, ids []string) ([]thread.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var body pageResponse
	params := url.Values{"ids": {strings.Join(ids, ",")}}
	if err := c.getJSON(ctx, "/posts", params, &body); err != nil {
		return nil, err
	}
	return body.Posts, nil
}

// FetchCommentsPage fetches one page of a post's direct comments. An empty
// cursor requests the first page.
func (c *Client) FetchCommentsPage(ctx context.Context, id, cursor string) (thread.Page, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var body pageResponse
	if err := c.getJSON(ctx, "/posts/"+url.PathEscape(id)+"/comments", params, &body); err != nil {
		return thread.Page{}, err
	}
	return thread.Page{Posts: body.Posts, NextCursor: body.cursor()}, nil
}

// FetchSearchPage fetches one page of search results. An empty cursor
// requests the first page.
func (c *Client) FetchSearchPage(ctx context.Context, query, cursor string) (thread.Page, error) {
	params := url.Values{"query": {query}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var body pageResponse
	if err := c.getJSON(ctx, "/search", params, &body); err != nil {
		return thread.Page{}, err
	}
	return thread.Page{Posts: body.Posts, NextCursor: body.cursor()}, nil
}

// FetchAllSearch drives a search to cursor exhaustion with a fixed delay
// between pages.
func (c *Client) FetchAllSearch(ctx context.Context, query string) ([]thread.Post, error) {
	var all []thread.Post
	cursor := ""
	for {
		page, err := c.FetchSearchPage(ctx, query, cursor)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", query, err)
		}
		all = append(all, page.Posts...)
		cursor = page.NextCursor
		if cursor == "" {
			return all, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(searchPageDelay):
		}
	}
}

// UserProfile is the upstream profile shape consumed by subject sync.
type UserProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Handle    string `json:"handle"`
	AvatarURL string `json:"avatarUrl"`
}

// FetchUserProfile fetches a user's public profile by handle.
func (c *Client) FetchUserProfile(ctx context.Context, handle string) (UserProfile, error) {
	var profile UserProfile
	if err := c.getJSON(ctx, "/users/"+url.PathEscape(handle), nil, &profile); err != nil {
		return UserProfile{}, err
	}
	return profile, nil
}

// pageResponse is the upstream wire shape for paginated listings. The
// cursor is null on the last page.
type pageResponse struct {
	Posts      []thread.Post `json:"posts"`
	NextCursor *string       `json:"nextCursor"`
}

func (p pageResponse) cursor() string {
	if p.NextCursor == nil {
		return ""
	}
	return *p.NextCursor
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// getJSON performs one GET and decodes the body into out. Transient
// failures (5xx responses and transport errors) are retried once; 429 and
// other 4xx map to typed errors.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	err := c.doJSON(ctx, path, params, out)
	if transient(err) && ctx.Err() == nil {
		return c.doJSON(ctx, path, params, out)
	}
	return err
}

// transient reports whether a failure is worth one retry: a 5xx response
// or a transport-level error, never a decode failure or a typed 4xx.
func transient(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr *url.Error
	return errors.As(err, &netErr)
}

func (c *Client) doJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{ResetAt: parseResetHeader(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := resp.Status
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

// parseResetHeader reads the rate-limit reset time (unix seconds) from a
// 429 response, falling back to one minute out when absent.
func parseResetHeader(resp *http.Response) time.Time {
	if v := resp.Header.Get("X-Rate-Limit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	return time.Now().Add(time.Minute)
}
