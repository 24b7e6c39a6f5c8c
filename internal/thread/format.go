package thread

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format selects the rendered representation of a thread. It also selects
// the cache partition, since token estimates depend on the rendering.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatJSON     Format = "json"
)

// ParseFormat maps a request extension to a Format, defaulting to markdown.
func ParseFormat(s string) Format {
	if s == "json" {
		return FormatJSON
	}
	return FormatMarkdown
}

// FormatPostMarkdown renders one post as a markdown line with expanded
// URLs, media references and engagement stats.
func FormatPostMarkdown(p Post) string {
	text := p.Text
	for _, u := range p.Entities.URLs {
		text = strings.ReplaceAll(text, u.URL, u.ExpandedURL)
	}
	for _, m := range p.Media {
		text = strings.ReplaceAll(text, m.URL, "")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@%s - %s: %s", p.AuthorHandle, p.CreatedAt.Format("2006-01-02 15:04"), strings.TrimSpace(text))

	seen := make(map[string]bool)
	for _, m := range p.Media {
		var line string
		switch m.Type {
		case "photo":
			line = fmt.Sprintf("\n[Image: %s]", m.MediaURL)
		case "video", "animated_gif":
			if m.VideoURL != "" {
				line = fmt.Sprintf("\n[Video: %s]", m.VideoURL)
			} else {
				line = fmt.Sprintf("\n[Video: %s]", m.MediaURL)
			}
		}
		if line != "" && !seen[line] {
			seen[line] = true
			b.WriteString(line)
		}
	}

	var stats []string
	if p.Metrics.Likes > 0 {
		stats = append(stats, fmt.Sprintf("%d likes", p.Metrics.Likes))
	}
	if p.Metrics.Retweets > 0 {
		stats = append(stats, fmt.Sprintf("%d retweets", p.Metrics.Retweets))
	}
	if len(stats) > 0 {
		fmt.Fprintf(&b, "\n(%s)", strings.Join(stats, ", "))
	}
	return b.String()
}

// Render produces the full document for a resolved thread in the given
// format. Markdown is the default; JSON is the raw post array.
func Render(rt *ResolvedThread, format Format) (string, error) {
	if format == FormatJSON {
		data, err := json.MarshalIndent(rt.Posts, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal posts: %w", err)
		}
		return string(data), nil
	}
	lines := make([]string, 0, len(rt.Posts))
	for _, p := range rt.Posts {
		lines = append(lines, FormatPostMarkdown(p))
	}
	return strings.Join(lines, "\n\n") + "\n\n", nil
}
