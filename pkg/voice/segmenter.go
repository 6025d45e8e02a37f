package voice

import "strings"

// sentenceTerminators are the rune-level sentence boundaries recognized
// on top of the paragraph break "\n\n".
var sentenceTerminators = map[rune]bool{
	'。': true,
	'！': true,
	'？': true,
	'!': true,
	'?': true,
}

// Segmenter splits a streamed LLM token sequence into sentences as tokens
// arrive. It is not safe for concurrent use; one Segmenter belongs to one
// in-flight generation.
type Segmenter struct {
	buf strings.Builder
}

// NewSegmenter returns an empty Segmenter.
func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Feed appends a token's text and returns any complete sentences it
// produced, in order. A sentence is everything up to and including a
// terminator rune, or up to (and dropping) a "\n\n" paragraph break.
func (s *Segmenter) Feed(text string) []string {
	s.buf.WriteString(text)
	return s.drain(false)
}

// Flush returns the residual buffered text as a final sentence, if any
// non-whitespace content remains, and resets the Segmenter.
func (s *Segmenter) Flush() []string {
	return s.drain(true)
}

func (s *Segmenter) drain(final bool) []string {
	var out []string
	content := s.buf.String()

	for {
		cut, consumed := nextBoundary(content)
		if cut < 0 {
			break
		}
		sentence := strings.TrimSpace(content[:cut])
		if sentence != "" {
			out = append(out, sentence)
		}
		content = content[consumed:]
	}

	if final {
		if rest := strings.TrimSpace(content); rest != "" {
			out = append(out, rest)
		}
		content = ""
	}

	s.buf.Reset()
	s.buf.WriteString(content)
	return out
}

// nextBoundary finds the first sentence boundary in s, returning the cut
// point and the number of bytes consumed from s. A terminator rune is kept
// in the sentence (cut and consumed both end just past it); a "\n\n"
// paragraph break is not (cut is its index, consumed includes it).
// Returns (-1, 0) if no boundary is present yet.
func nextBoundary(s string) (cut int, consumed int) {
	if i := strings.Index(s, "\n\n"); i >= 0 {
		// Paragraph break: candidate, but a terminator-rune boundary
		// earlier in the string still wins if present.
		if termIdx, termLen := firstTerminator(s[:i]); termIdx >= 0 {
			return termIdx + termLen, termIdx + termLen
		}
		return i, i + 2
	}
	if termIdx, termLen := firstTerminator(s); termIdx >= 0 {
		return termIdx + termLen, termIdx + termLen
	}
	return -1, 0
}

// firstTerminator finds the first terminator rune's byte offset and width.
func firstTerminator(s string) (idx int, width int) {
	for i, r := range s {
		if sentenceTerminators[r] {
			return i, len(string(r))
		}
	}
	return -1, 0
}
