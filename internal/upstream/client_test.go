package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/posts/123" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id":"123","authorHandle":"alice","text":"hi"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", 0)
	p, err := c.FetchPost(context.Background(), "123")
	if err != nil {
		t.Fatalf("FetchPost failed: %v", err)
	}
	if p.ID != "123" || p.AuthorHandle != "alice" {
		t.Errorf("unexpected post: %+v", p)
	}
}

func TestFetchPostNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"no such post"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	_, err := c.FetchPost(context.Background(), "missing")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.ID != "missing" {
		t.Errorf("ID = %s", notFound.ID)
	}
}

func TestRateLimitErrorCarriesReset(t *testing.T) {
	resetAt := time.Now().Add(90 * time.Second).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Rate-Limit-Reset", strconv.FormatInt(resetAt, 10))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	_, err := c.FetchPost(context.Background(), "1")
	var rateLimited *RateLimitError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateLimited.ResetAt.Unix() != resetAt {
		t.Errorf("ResetAt = %v, want unix %d", rateLimited.ResetAt, resetAt)
	}
	if rateLimited.RetryAfter() <= 0 {
		t.Error("RetryAfter should be positive for a future reset")
	}
}

func TestTransientErrorRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":"1"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	p, err := c.FetchPost(context.Background(), "1")
	if err != nil {
		t.Fatalf("FetchPost failed after retry: %v", err)
	}
	if p.ID != "1" {
		t.Errorf("unexpected post: %+v", p)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestTransportErrorRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Drop the connection before writing a response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("hijacking unsupported")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			conn.Close()
			return
		}
		fmt.Fprint(w, `{"id":"1"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	p, err := c.FetchPost(context.Background(), "1")
	if err != nil {
		t.Fatalf("FetchPost failed after retry: %v", err)
	}
	if p.ID != "1" {
		t.Errorf("unexpected post: %+v", p)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestNewClientTimeout(t *testing.T) {
	c := NewClient("http://unused", "k", 5*time.Second)
	if c.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", c.httpClient.Timeout)
	}
	if d := NewClient("http://unused", "k", 0).httpClient.Timeout; d != defaultTimeout {
		t.Errorf("zero timeout should select the default, got %v", d)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad query"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	_, err := c.FetchPost(context.Background(), "1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected Error, got %v", err)
	}
	if apiErr.Message != "bad query" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchCommentsPageCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"posts":[{"id":"1"}],"nextCursor":"abc"}`)
		case "abc":
			fmt.Fprint(w, `{"posts":[{"id":"2"}],"nextCursor":null}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	page, err := c.FetchCommentsPage(context.Background(), "100", "")
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if page.NextCursor != "abc" || len(page.Posts) != 1 {
		t.Fatalf("first page: %+v", page)
	}
	page, err = c.FetchCommentsPage(context.Background(), "100", page.NextCursor)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if page.NextCursor != "" {
		t.Errorf("null cursor should map to empty, got %q", page.NextCursor)
	}
}

func TestFetchAllSearchExhaustsCursor(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") != "from:alice" {
			t.Errorf("query = %q", r.URL.Query().Get("query"))
		}
		switch pages.Add(1) {
		case 1:
			fmt.Fprint(w, `{"posts":[{"id":"1"},{"id":"2"}],"nextCursor":"n"}`)
		default:
			fmt.Fprint(w, `{"posts":[{"id":"3"}],"nextCursor":null}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	posts, err := c.FetchAllSearch(context.Background(), "from:alice")
	if err != nil {
		t.Fatalf("FetchAllSearch failed: %v", err)
	}
	if len(posts) != 3 {
		t.Errorf("got %d posts, want 3", len(posts))
	}
}

func TestFetchUserProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/alice" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id":"u1","name":"Alice","handle":"alice","avatarUrl":"https://img/a.png"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 0)
	profile, err := c.FetchUserProfile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FetchUserProfile failed: %v", err)
	}
	if profile.Handle != "alice" || profile.Name != "Alice" {
		t.Errorf("unexpected profile: %+v", profile)
	}
}

func TestFetchPostsByIDsEmpty(t *testing.T) {
	c := NewClient("http://unused", "k", 0)
	posts, err := c.FetchPostsByIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty batch should be a no-op: %v", err)
	}
	if posts != nil {
		t.Errorf("expected nil, got %v", posts)
	}
}
