package thread

import (
	"fmt"
	"sort"
	"strings"
)

// Tunables for the token estimate and teaser sizing. Upstream does not
// guarantee these constants; they approximate tokens from rendered length.
const (
	CharsPerToken  = 5
	TokensPerReply = 120
)

// Summary is the derived metadata of a resolved thread, used for titles,
// teasers and consent decisions.
type Summary struct {
	ParticipantCounts map[string]int `json:"participantCounts"`
	Participants      []string       `json:"participants"`
	ParticipantsText  string         `json:"participantsText"`
	MainAuthor        string         `json:"mainAuthor"`
	TopParticipant    string         `json:"topParticipant"`
	PostCount         int            `json:"postCount"`
	TotalTokens       int            `json:"totalTokens"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
}

// Summarize computes the participant table and presentation metadata for a
// resolved thread. rendered is the markdown document, whose length drives
// the token estimate. For partial threads the comment volume is estimated
// from the leaf's reported reply count instead of fetched posts.
func Summarize(rt *ResolvedThread, rendered string) Summary {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, p := range rt.Posts {
		if counts[p.AuthorHandle] == 0 {
			order = append(order, p.AuthorHandle)
		}
		counts[p.AuthorHandle]++
	}
	// Descending by frequency, first-seen order as tie-break.
	firstSeen := make(map[string]int, len(order))
	for i, h := range order {
		firstSeen[h] = i
	}
	participants := append([]string(nil), order...)
	sort.SliceStable(participants, func(i, j int) bool {
		if counts[participants[i]] != counts[participants[j]] {
			return counts[participants[i]] > counts[participants[j]]
		}
		return firstSeen[participants[i]] < firstSeen[participants[j]]
	})

	// The main author wrote the first post that is neither a reply nor
	// quoted context. Threads made entirely of replies fall back to the
	// most frequent participant.
	mainAuthor := ""
	for _, p := range rt.Posts {
		if p.InReplyToID == "" && !p.IsQuotedAncestor {
			mainAuthor = p.AuthorHandle
			break
		}
	}
	if mainAuthor == "" && len(participants) > 0 {
		mainAuthor = participants[0]
	}
	topParticipant := ""
	if len(participants) > 0 {
		topParticipant = participants[0]
	}

	s := Summary{
		ParticipantCounts: counts,
		Participants:      participants,
		ParticipantsText:  participantsText(participants, mainAuthor, rt.IsPartial),
		MainAuthor:        mainAuthor,
		TopParticipant:    topParticipant,
	}

	var leaf *Post
	for i := range rt.Posts {
		if rt.Posts[i].IsMainPost {
			leaf = &rt.Posts[i]
			break
		}
	}

	s.PostCount = len(rt.Posts)
	s.TotalTokens = len(rendered) / CharsPerToken
	if rt.IsPartial && leaf != nil {
		s.PostCount = leaf.Metrics.Replies + 1
		s.TotalTokens += leaf.Metrics.Replies * TokensPerReply
	}

	if len(rt.Posts) > 0 {
		first := rt.Posts[0]
		excerpt := strings.ReplaceAll(first.Text, "\n", " ")
		if len(excerpt) > 60 {
			excerpt = excerpt[:60] + "..."
		}
		s.Description = fmt.Sprintf("%s: '%s'", s.ParticipantsText, strings.ReplaceAll(excerpt, `"`, "'"))
	}
	s.Title = fmt.Sprintf("%s with %d posts (%d tokens)", s.ParticipantsText, s.PostCount, s.TotalTokens)
	return s
}

// participantsText phrases the participant list by size: one handle alone,
// two or three in full, otherwise the main author plus the top two others
// and a remainder count. Partial threads cannot count the remainder, so
// they say "many".
func participantsText(participants []string, mainAuthor string, partial bool) string {
	switch {
	case len(participants) == 0:
		return ""
	case len(participants) == 1:
		return "@" + participants[0]
	case len(participants) <= 3:
		if mainAuthor == "" {
			return "@" + strings.Join(participants, ", @")
		}
		others := withoutHandle(participants, mainAuthor)
		return fmt.Sprintf("@%s and @%s", mainAuthor, strings.Join(others, ", @"))
	default:
		others := withoutHandle(participants, mainAuthor)
		if len(others) > 2 {
			others = others[:2]
		}
		remaining := "many"
		if !partial {
			remaining = fmt.Sprintf("%d", len(participants)-len(others)-1)
		}
		return fmt.Sprintf("@%s, @%s and %s others", mainAuthor, strings.Join(others, ", @"), remaining)
	}
}

func withoutHandle(handles []string, drop string) []string {
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if h != drop {
			out = append(out, h)
		}
	}
	return out
}
