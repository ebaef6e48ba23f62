package mirror

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	markOpen  = "<mark>"
	markClose = "</mark>"
)

// SearchOptions controls substring matching.
type SearchOptions struct {
	CaseSensitive bool
	// WholeWord requires the match to be bounded by non-word runes.
	WholeWord bool
}

// SearchResult is one matching conversation.
type SearchResult struct {
	Conversation Conversation `json:"conversation"`
	TitleMatch   bool         `json:"titleMatch"`
	MessageIDs   []string     `json:"messageIds,omitempty"`
}

type span struct{ start, end int }

// Matches reports whether text contains query under opts. An empty query matches everything.
func Matches(text, query string, opts SearchOptions) bool {
	if query == "" {
		return true
	}
	return len(findMatches([]rune(text), []rune(query), opts)) > 0
}

// findMatches returns leftmost non-overlapping matches as rune spans.
func findMatches(text, query []rune, opts SearchOptions) []span {
	if len(query) == 0 || len(query) > len(text) {
		return nil
	}
	hay, needle := text, query
	if !opts.CaseSensitive {
		hay, needle = fold(text), fold(query)
	}

	var out []span
	for i := 0; i+len(needle) <= len(hay); {
		if !runesEqual(hay[i:i+len(needle)], needle) {
			i++
			continue
		}
		end := i + len(needle)
		if opts.WholeWord && !(atBoundary(text, i-1) && atBoundary(text, end)) {
			i++
			continue
		}
		out = append(out, span{i, end})
		i = end
	}
	return out
}

func fold(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// atBoundary reports whether position i is outside text or holds a non-word rune.
func atBoundary(text []rune, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	r := text[i]
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// Highlight wraps every match of query in <mark></mark>. Text already inside
// a mark is left alone, so Highlight(Highlight(t)) == Highlight(t).
func Highlight(text, query string, opts SearchOptions) string {
	if query == "" {
		return text
	}
	plain, marked := stripMarks(text)
	matches := findMatches(plain, []rune(query), opts)

	spans := append([]span(nil), marked...)
	for _, m := range matches {
		if !overlapsAny(m, marked) {
			spans = append(spans, m)
		}
	}
	if len(spans) == len(marked) && len(marked) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end < spans[j].end
	})

	var b strings.Builder
	pos := 0
	for _, s := range spans {
		b.WriteString(string(plain[pos:s.start]))
		b.WriteString(markOpen)
		b.WriteString(string(plain[s.start:s.end]))
		b.WriteString(markClose)
		pos = s.end
	}
	b.WriteString(string(plain[pos:]))
	return b.String()
}

// stripMarks removes mark tags and returns the plain runes with the spans they covered.
// An unclosed mark extends to the end; a stray close tag is dropped.
func stripMarks(text string) ([]rune, []span) {
	var plain []rune
	var spans []span
	open := -1

	for len(text) > 0 {
		switch {
		case strings.HasPrefix(text, markOpen):
			if open < 0 {
				open = len(plain)
			}
			text = text[len(markOpen):]
		case strings.HasPrefix(text, markClose):
			if open >= 0 {
				spans = append(spans, span{open, len(plain)})
				open = -1
			}
			text = text[len(markClose):]
		default:
			r, size := utf8.DecodeRuneInString(text)
			plain = append(plain, r)
			text = text[size:]
		}
	}
	if open >= 0 {
		spans = append(spans, span{open, len(plain)})
	}
	return plain, spans
}

func overlapsAny(s span, spans []span) bool {
	for _, o := range spans {
		if s.start < o.end && o.start < s.end {
			return true
		}
	}
	return false
}
