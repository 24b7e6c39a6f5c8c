package subject

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"threadpub/internal/thread"
	"threadpub/internal/upstream"
)

type fakeSource struct {
	searchFn  func(ctx context.Context, query, cursor string) (thread.Page, error)
	byIDsFn   func(ctx context.Context, ids []string) ([]thread.Post, error)
	profileFn func(ctx context.Context, handle string) (upstream.UserProfile, error)
}

func (f *fakeSource) FetchSearchPage(ctx context.Context, query, cursor string) (thread.Page, error) {
	if f.searchFn == nil {
		return thread.Page{}, nil
	}
	return f.searchFn(ctx, query, cursor)
}

func (f *fakeSource) FetchPostsByIDs(ctx context.Context, ids []string) ([]thread.Post, error) {
	if f.byIDsFn == nil {
		return nil, nil
	}
	return f.byIDsFn(ctx, ids)
}

func (f *fakeSource) FetchUserProfile(ctx context.Context, handle string) (upstream.UserProfile, error) {
	if f.profileFn == nil {
		return upstream.UserProfile{ID: "u1", Name: "Test", Handle: handle}, nil
	}
	return f.profileFn(ctx, handle)
}

func newTestActor(t *testing.T, source Source) *Actor {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "actor.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	a, err := newActor("alice", store, source, nil)
	if err != nil {
		t.Fatalf("newActor failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNextIntervalBackoffSequence(t *testing.T) {
	interval := fastInterval
	want := []time.Duration{30 * time.Minute, time.Hour, 2 * time.Hour, 4 * time.Hour}
	for i, w := range want {
		interval = nextInterval(interval, false)
		if interval != w {
			t.Fatalf("step %d: got %v, want %v", i, interval, w)
		}
	}
}

func TestNextIntervalResetsOnNewContent(t *testing.T) {
	if got := nextInterval(8*time.Hour, true); got != fastInterval {
		t.Errorf("got %v, want %v", got, fastInterval)
	}
}

func TestNextIntervalCapped(t *testing.T) {
	if got := nextInterval(20*time.Hour, false); got != maxInterval {
		t.Errorf("got %v, want %v", got, maxInterval)
	}
	if got := nextInterval(maxInterval, false); got != maxInterval {
		t.Errorf("cap should hold: got %v", got)
	}
}

func TestPollWithoutTokenFails(t *testing.T) {
	a := newTestActor(t, &fakeSource{})
	_, err := a.PollNow(context.Background())
	if !errors.Is(err, ErrNoAccessToken) {
		t.Fatalf("expected ErrNoAccessToken, got %v", err)
	}
}

func TestPollStoresPostsAndReplyContext(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{
		searchFn: func(ctx context.Context, query, cursor string) (thread.Page, error) {
			if query != "from:alice" {
				t.Errorf("query = %q", query)
			}
			return thread.Page{Posts: []thread.Post{
				{ID: "10", AuthorID: "u1", Text: "own post", CreatedAt: time.Now()},
				{ID: "11", AuthorID: "u1", Text: "a reply", InReplyToID: "5", CreatedAt: time.Now()},
			}}, nil
		},
		byIDsFn: func(ctx context.Context, ids []string) ([]thread.Post, error) {
			if len(ids) != 1 || ids[0] != "5" {
				t.Errorf("ids = %v", ids)
			}
			return []thread.Post{{ID: "5", AuthorID: "u2", Text: "parent", CreatedAt: time.Now()}}, nil
		},
	}
	a := newTestActor(t, source)
	if err := a.Setup(ctx, "token"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	n, err := a.PollNow(ctx)
	if err != nil {
		t.Fatalf("PollNow failed: %v", err)
	}
	if n != 2 {
		t.Errorf("newPosts = %d, want 2", n)
	}

	posts, err := a.store.ListPosts(ctx)
	if err != nil {
		t.Fatalf("ListPosts failed: %v", err)
	}
	if len(posts) != 3 {
		t.Errorf("stored %d posts, want 3 including the reply parent", len(posts))
	}
}

func TestPollRecordsAndClearsError(t *testing.T) {
	ctx := context.Background()
	failing := true
	source := &fakeSource{
		searchFn: func(ctx context.Context, query, cursor string) (thread.Page, error) {
			if failing {
				return thread.Page{}, errors.New("upstream down")
			}
			return thread.Page{}, nil
		},
	}
	a := newTestActor(t, source)
	if err := a.Setup(ctx, "token"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if _, err := a.PollNow(ctx); err == nil {
		t.Fatal("expected poll error")
	}
	st, _, err := a.store.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if st.LastError == "" {
		t.Error("failed poll should record the error")
	}
	if st.NextWakeAt.IsZero() {
		t.Error("failed poll must still schedule the next wake")
	}

	failing = false
	if _, err := a.PollNow(ctx); err != nil {
		t.Fatalf("PollNow failed: %v", err)
	}
	st, _, err = a.store.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if st.LastError != "" {
		t.Errorf("successful poll should clear the error, got %q", st.LastError)
	}
}

func TestPollBacksOffWhenQuiet(t *testing.T) {
	ctx := context.Background()
	a := newTestActor(t, &fakeSource{})
	if err := a.Setup(ctx, "token"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if _, err := a.PollNow(ctx); err != nil {
		t.Fatalf("PollNow failed: %v", err)
	}
	st, _, _ := a.store.LoadState(ctx)
	if st.PollInterval != 30*time.Minute {
		t.Errorf("quiet poll should double the interval, got %v", st.PollInterval)
	}
}

func TestVisibilityGatesReads(t *testing.T) {
	ctx := context.Background()
	a := newTestActor(t, &fakeSource{})

	// Fresh subjects default to private; no reads without the secret.
	if _, err := a.Posts(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	result, err := a.SetVisibility(ctx, true)
	if err != nil {
		t.Fatalf("SetVisibility failed: %v", err)
	}
	if result != "" {
		t.Error("going public should not mint a secret")
	}
	if _, err := a.Posts(ctx, ""); err != nil {
		t.Fatalf("public subject should be readable: %v", err)
	}

	secret, err := a.SetVisibility(ctx, false)
	if err != nil {
		t.Fatalf("SetVisibility failed: %v", err)
	}
	if secret == "" {
		t.Fatal("going private should mint a secret")
	}
	if _, err := a.Posts(ctx, "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong secret should be rejected, got %v", err)
	}
	if _, err := a.Posts(ctx, secret); err != nil {
		t.Fatalf("correct secret should be accepted: %v", err)
	}
}

func TestProfileRefreshedOnPoll(t *testing.T) {
	ctx := context.Background()
	calls := 0
	source := &fakeSource{
		profileFn: func(ctx context.Context, handle string) (upstream.UserProfile, error) {
			calls++
			return upstream.UserProfile{ID: "u1", Name: "Alice", Handle: handle}, nil
		},
	}
	a := newTestActor(t, source)
	if err := a.Setup(ctx, "token"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if _, err := a.PollNow(ctx); err != nil {
		t.Fatalf("PollNow failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("profile fetches = %d, want 1", calls)
	}

	// A second poll inside the freshness window reuses the stored profile.
	if _, err := a.PollNow(ctx); err != nil {
		t.Fatalf("PollNow failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("profile fetched again too soon: %d", calls)
	}

	p, _, _, err := a.Profile(ctx)
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if p == nil || p.Name != "Alice" {
		t.Errorf("profile not stored: %+v", p)
	}
}

func TestNormalizeHandle(t *testing.T) {
	h, err := NormalizeHandle("@Alice_99 ")
	if err != nil {
		t.Fatalf("NormalizeHandle failed: %v", err)
	}
	if h != "alice_99" {
		t.Errorf("got %q", h)
	}
	if _, err := NormalizeHandle("../etc/passwd"); err == nil {
		t.Error("path-like handle should be rejected")
	}
	if _, err := NormalizeHandle(""); err == nil {
		t.Error("empty handle should be rejected")
	}
}
