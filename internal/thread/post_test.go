package thread

import (
	"testing"
	"time"
)

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1", "2", -1},
		{"2", "1", 1},
		{"10", "9", 1},
		{"9", "10", -1},
		{"1828374650192837465", "1828374650192837466", -1},
		{"0042", "42", 0},
		{"99999999999999999999999999", "100000000000000000000000000", -1},
	}
	for _, c := range cases {
		got := CompareIDs(c.a, c.b)
		if (got < 0) != (c.want < 0) || (got > 0) != (c.want > 0) || (got == 0) != (c.want == 0) {
			t.Errorf("CompareIDs(%q, %q) = %d, want sign of %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSortPostsTimestampThenID(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	posts := []Post{
		{ID: "30", CreatedAt: base.Add(time.Minute)},
		{ID: "9", CreatedAt: base},
		{ID: "10", CreatedAt: base},
	}
	SortPosts(posts)

	wantOrder := []string{"9", "10", "30"}
	for i, want := range wantOrder {
		if posts[i].ID != want {
			t.Fatalf("position %d: got %s, want %s", i, posts[i].ID, want)
		}
	}
}

func TestSortPostsIdempotent(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	posts := []Post{
		{ID: "5", CreatedAt: base},
		{ID: "3", CreatedAt: base},
		{ID: "4", CreatedAt: base.Add(-time.Hour)},
	}
	SortPosts(posts)
	first := make([]string, len(posts))
	for i, p := range posts {
		first[i] = p.ID
	}
	SortPosts(posts)
	for i, p := range posts {
		if p.ID != first[i] {
			t.Fatalf("re-sort changed order at %d: %s != %s", i, p.ID, first[i])
		}
	}
}

func TestMaxCreatedAt(t *testing.T) {
	if !MaxCreatedAt(nil).IsZero() {
		t.Fatal("expected zero time for empty slice")
	}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	posts := []Post{
		{ID: "1", CreatedAt: base},
		{ID: "2", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "3", CreatedAt: base.Add(time.Hour)},
	}
	if got := MaxCreatedAt(posts); !got.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("got %v, want %v", got, base.Add(2*time.Hour))
	}
}
