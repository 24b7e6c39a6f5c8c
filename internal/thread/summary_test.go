package thread

import (
	"strings"
	"testing"
	"time"
)

func post(id, handle string, min int) Post {
	return Post{ID: id, AuthorHandle: handle, CreatedAt: time.Date(2024, 5, 1, 10, min, 0, 0, time.UTC)}
}

func resolved(partial bool, posts ...Post) *ResolvedThread {
	return &ResolvedThread{Posts: posts, MainPostID: posts[0].ID, IsPartial: partial}
}

func TestParticipantsTextSolo(t *testing.T) {
	s := Summarize(resolved(false, post("1", "alice", 0)), "hello world")
	if s.ParticipantsText != "@alice" {
		t.Errorf("got %q", s.ParticipantsText)
	}
}

func TestParticipantsTextSmallGroup(t *testing.T) {
	s := Summarize(resolved(false,
		post("1", "alice", 0),
		post("2", "bob", 1),
		post("3", "carol", 2),
	), "x")
	if s.ParticipantsText != "@alice and @bob, @carol" {
		t.Errorf("got %q", s.ParticipantsText)
	}
}

func TestParticipantsTextLargeGroupCountsOthers(t *testing.T) {
	s := Summarize(resolved(false,
		post("1", "alice", 0),
		post("2", "bob", 1),
		post("3", "carol", 2),
		post("4", "dan", 3),
		post("5", "erin", 4),
	), "x")
	if !strings.HasPrefix(s.ParticipantsText, "@alice") {
		t.Errorf("main author should lead: %q", s.ParticipantsText)
	}
	if !strings.HasSuffix(s.ParticipantsText, "and 2 others") {
		t.Errorf("got %q", s.ParticipantsText)
	}
}

func TestParticipantsTextPartialSaysMany(t *testing.T) {
	s := Summarize(resolved(true,
		post("1", "alice", 0),
		post("2", "bob", 1),
		post("3", "carol", 2),
		post("4", "dan", 3),
	), "x")
	if !strings.Contains(s.ParticipantsText, "many others") {
		t.Errorf("partial thread should say many: %q", s.ParticipantsText)
	}
}

func TestSummarizeTokenEstimate(t *testing.T) {
	rendered := strings.Repeat("a", 500)
	s := Summarize(resolved(false, post("1", "alice", 0)), rendered)
	if s.TotalTokens != 100 {
		t.Errorf("TotalTokens = %d, want 100", s.TotalTokens)
	}
	if s.PostCount != 1 {
		t.Errorf("PostCount = %d, want 1", s.PostCount)
	}
}

func TestSummarizePartialEstimatesFromReplyCount(t *testing.T) {
	leaf := post("1", "alice", 0)
	leaf.IsMainPost = true
	leaf.Metrics.Replies = 7
	s := Summarize(resolved(true, leaf), strings.Repeat("a", 100))

	if s.PostCount != 8 {
		t.Errorf("PostCount = %d, want 8", s.PostCount)
	}
	want := 100/CharsPerToken + 7*TokensPerReply
	if s.TotalTokens != want {
		t.Errorf("TotalTokens = %d, want %d", s.TotalTokens, want)
	}
}

func TestMainAuthorSkipsQuotedContext(t *testing.T) {
	quoted := post("1", "ghost", 0)
	quoted.IsQuotedAncestor = true
	s := Summarize(resolved(false, quoted, post("2", "alice", 1)), "x")
	if s.MainAuthor != "alice" {
		t.Errorf("MainAuthor = %q, want alice", s.MainAuthor)
	}
}

func TestTopParticipantByFrequency(t *testing.T) {
	s := Summarize(resolved(false,
		post("1", "alice", 0),
		post("2", "bob", 1),
		post("3", "bob", 2),
	), "x")
	if s.TopParticipant != "bob" {
		t.Errorf("TopParticipant = %q, want bob", s.TopParticipant)
	}
}
