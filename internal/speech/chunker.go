package speech

import (
	"strings"
	"unicode"
)

// DefaultMinChars is the smallest segment flushed at a sentence end.
const DefaultMinChars = 150

var abbreviations = map[string]struct{}{
	"mr.": {}, "mrs.": {}, "ms.": {}, "dr.": {}, "prof.": {}, "sr.": {}, "jr.": {},
	"e.g.": {}, "i.e.": {}, "etc.": {}, "vs.": {}, "approx.": {},
	"inc.": {}, "ltd.": {}, "st.": {}, "a.m.": {}, "p.m.": {}, "no.": {},
}

const fence = "```"

// ChunkBuffer turns streamed model deltas into speakable segments. A segment
// is flushed at a sentence end once MinChars have accumulated, at a paragraph
// break, or at a word boundary when the buffer outgrows twice MinChars.
// Fenced code blocks are never spoken.
type ChunkBuffer struct {
	MinChars int
	buf      strings.Builder
}

func NewChunkBuffer(minChars int) *ChunkBuffer {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &ChunkBuffer{MinChars: minChars}
}

// Add appends a delta and returns any segments that are ready.
func (b *ChunkBuffer) Add(delta string) []string {
	if delta == "" {
		return nil
	}
	b.buf.WriteString(delta)

	var out []string
	for {
		seg, ok := b.next()
		if !ok {
			return out
		}
		if seg = clean(seg); seg != "" {
			out = append(out, seg)
		}
	}
}

// Flush returns whatever remains, minus any unterminated code block.
func (b *ChunkBuffer) Flush() string {
	text := stripFences(b.buf.String())
	if i := strings.Index(text, fence); i >= 0 {
		text = text[:i]
	}
	b.buf.Reset()
	return clean(text)
}

// Reset discards buffered text.
func (b *ChunkBuffer) Reset() { b.buf.Reset() }

func (b *ChunkBuffer) next() (string, bool) {
	text := stripFences(b.buf.String())
	speakable := text
	if i := strings.Index(text, fence); i >= 0 {
		speakable = text[:i]
	}

	cut := -1
	if i := strings.Index(speakable, "\n\n"); i >= 0 {
		cut = i + 2
	} else if len(speakable) >= b.MinChars {
		cut = lastSentenceEnd(speakable)
	}
	if cut < 0 && len(speakable) > 2*b.MinChars {
		cut = lastSpace(speakable)
	}
	if cut <= 0 {
		b.buf.Reset()
		b.buf.WriteString(text)
		return "", false
	}

	seg := text[:cut]
	b.buf.Reset()
	b.buf.WriteString(text[cut:])
	return seg, true
}

// lastSentenceEnd returns the index just past the last terminator that is
// followed by whitespace and does not close a known abbreviation.
func lastSentenceEnd(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		c := s[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if !unicode.IsSpace(rune(s[i+1])) {
			continue
		}
		if c == '.' && isAbbreviation(s[:i+1]) {
			continue
		}
		return i + 1
	}
	return -1
}

func isAbbreviation(upToDot string) bool {
	start := strings.LastIndexFunc(upToDot, unicode.IsSpace) + 1
	_, ok := abbreviations[strings.ToLower(upToDot[start:])]
	return ok
}

func lastSpace(s string) int {
	i := strings.LastIndexFunc(s, unicode.IsSpace)
	if i <= 0 {
		return -1
	}
	return i + 1
}

func stripFences(s string) string {
	for {
		open := strings.Index(s, fence)
		if open < 0 {
			return s
		}
		end := strings.Index(s[open+len(fence):], fence)
		if end < 0 {
			return s
		}
		s = s[:open] + " " + s[open+len(fence)+end+len(fence):]
	}
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
