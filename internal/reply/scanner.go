// ABOUTME: Incremental marker scanner stripping hidden-content tags from agent text
// ABOUTME: Tracks think/final state across delta boundaries with code-span awareness

package reply

import "strings"

// Marker tags recognized in agent output. Longer close tags are matched
// before their open counterparts so "</think>" never half-matches "<think>".
const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
	finalOpenTag  = "<final>"
	finalCloseTag = "</final>"
)

var markerTags = []string{thinkCloseTag, thinkOpenTag, finalCloseTag, finalOpenTag}

// markerScanner filters a token-streamed text. Tag state persists across
// Feed calls: a delta may open a tag the next delta closes. Tags inside
// fenced or inline code spans are literal text and pass through untouched.
type markerScanner struct {
	enforceFinal bool

	thinkingOpen bool
	finalOpen    bool
	sawFinalOpen bool

	inFence     bool
	inInline    bool
	atLineStart bool

	carry string // trailing bytes that may complete a tag in the next delta
}

func newMarkerScanner(enforceFinal bool) *markerScanner {
	return &markerScanner{enforceFinal: enforceFinal, atLineStart: true}
}

// Feed consumes one delta and returns the visible text it produced. A suffix
// that could still grow into a tag (or a fence) is held back until the next
// Feed or Flush decides.
func (s *markerScanner) Feed(delta string) string {
	in := s.carry + delta
	s.carry = ""

	if hold := partialTagSuffix(in); hold > 0 {
		s.carry = in[len(in)-hold:]
		in = in[:len(in)-hold]
	}
	return s.scan(in)
}

// Flush drains any held-back suffix as literal text. Call at end of stream.
func (s *markerScanner) Flush() string {
	rest := s.carry
	s.carry = ""
	return s.scan(rest)
}

// SawFinalOpen reports whether a final-open tag was ever seen this stream.
func (s *markerScanner) SawFinalOpen() bool { return s.sawFinalOpen }

// visible reports whether plain text at the current position may be emitted.
// Thinking content is always stripped; under final enforcement, only text
// inside a final window is ever visible.
func (s *markerScanner) visible() bool {
	if s.thinkingOpen {
		return false
	}
	if s.enforceFinal && !s.finalOpen {
		return false
	}
	return true
}

func (s *markerScanner) scan(in string) string {
	var out strings.Builder

	i := 0
	for i < len(in) {
		if !s.inFence && !s.inInline {
			if tag, ok := matchTag(in[i:]); ok {
				s.applyTag(tag)
				s.atLineStart = false
				i += len(tag)
				continue
			}
		}

		c := in[i]
		switch c {
		case '`':
			j := i
			for j < len(in) && in[j] == '`' {
				j++
			}
			run := j - i
			switch {
			case run >= 3 && !s.inInline && s.atLineStart:
				s.inFence = !s.inFence
			case !s.inFence:
				s.inInline = !s.inInline
			}
			if s.visible() {
				out.WriteString(in[i:j])
			}
			s.atLineStart = false
			i = j

		case '\n':
			// Inline code never crosses a line boundary.
			s.inInline = false
			s.atLineStart = true
			if s.visible() {
				out.WriteByte(c)
			}
			i++

		default:
			s.atLineStart = false
			if s.visible() {
				out.WriteByte(c)
			}
			i++
		}
	}
	return out.String()
}

func (s *markerScanner) applyTag(tag string) {
	switch tag {
	case thinkOpenTag:
		s.thinkingOpen = true
	case thinkCloseTag:
		s.thinkingOpen = false
	case finalOpenTag:
		s.finalOpen = true
		s.sawFinalOpen = true
	case finalCloseTag:
		s.finalOpen = false
	}
}

// matchTag reports the tag starting at the head of rest, if any.
func matchTag(rest string) (string, bool) {
	for _, tag := range markerTags {
		if strings.HasPrefix(rest, tag) {
			return tag, true
		}
	}
	return "", false
}

// partialTagSuffix returns the length of the longest proper suffix of in that
// is a prefix of a marker tag or of a backtick fence, i.e. bytes that cannot
// be classified until more input arrives.
func partialTagSuffix(in string) int {
	max := len(thinkCloseTag) - 1
	if len(in) < max {
		max = len(in)
	}
	for l := max; l > 0; l-- {
		suf := in[len(in)-l:]
		if isTagPrefix(suf) {
			return l
		}
	}
	// A trailing backtick run shorter than a fence may still become one.
	l := 0
	for l < len(in) && l < 2 && in[len(in)-1-l] == '`' {
		l++
	}
	return l
}

func isTagPrefix(s string) bool {
	for _, tag := range markerTags {
		if len(s) < len(tag) && strings.HasPrefix(tag, s) {
			return true
		}
	}
	return false
}

// scanAll filters a complete text in one pass with fresh state. Used for
// full-text re-scans on text_end events.
func scanAll(text string, enforceFinal bool) string {
	sc := newMarkerScanner(enforceFinal)
	return sc.Feed(text) + sc.Flush()
}
