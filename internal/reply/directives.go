// ABOUTME: Incremental parser for inline delivery directives in agent output
// ABOUTME: Extracts reply-target, thread, media, and voice markup from visible text

package reply

import "strings"

// Directives is the delivery metadata extracted from one stretch of text.
type Directives struct {
	ReplyTo   string
	Thread    string
	MediaRefs []string
	Voice     bool
}

func (d Directives) empty() bool {
	return d.ReplyTo == "" && d.Thread == "" && len(d.MediaRefs) == 0 && !d.Voice
}

// merge folds other into d, keeping the first non-empty scalar values.
func (d *Directives) merge(other Directives) {
	if d.ReplyTo == "" {
		d.ReplyTo = other.ReplyTo
	}
	if d.Thread == "" {
		d.Thread = other.Thread
	}
	d.MediaRefs = append(d.MediaRefs, other.MediaRefs...)
	d.Voice = d.Voice || other.Voice
}

// maxDirectiveChars bounds how long an unclosed "[[" opener is held as a
// potential directive before being treated as literal text.
const maxDirectiveChars = 256

// directiveParser extracts [[name:value]] markup from visible text. It may be
// fed repeatedly across chunk boundaries: a directive split over two feeds is
// carried, not lost.
//
// Recognized forms: [[reply:<id>]], [[thread:<id>]], [[media:<ref>]],
// [[voice]]. Anything else between double brackets is literal text.
type directiveParser struct {
	carry string
}

// Feed scans text, returning it with directives stripped plus the directives
// found. A trailing partially-seen directive is held for the next Feed.
func (p *directiveParser) Feed(text string) (string, Directives) {
	in := p.carry + text
	p.carry = ""

	var d Directives
	var out strings.Builder

	i := 0
	for i < len(in) {
		open := strings.Index(in[i:], "[[")
		if open < 0 {
			// No opener; everything except a trailing lone '[' is literal.
			rest := in[i:]
			if strings.HasSuffix(rest, "[") {
				p.carry = "["
				rest = rest[:len(rest)-1]
			}
			out.WriteString(rest)
			return out.String(), d
		}
		start := i + open
		out.WriteString(in[i:start])

		closeIdx := strings.Index(in[start+2:], "]]")
		if closeIdx < 0 {
			if len(in)-start <= maxDirectiveChars {
				p.carry = in[start:]
			} else {
				// Too long to be a directive; emit as literal.
				out.WriteString(in[start:])
			}
			return out.String(), d
		}

		body := in[start+2 : start+2+closeIdx]
		if dir, ok := parseDirective(body); ok {
			d.merge(dir)
		} else {
			out.WriteString(in[start : start+2+closeIdx+2])
		}
		i = start + 2 + closeIdx + 2
	}
	return out.String(), d
}

// Flush returns any held-back partial directive as literal text.
func (p *directiveParser) Flush() string {
	rest := p.carry
	p.carry = ""
	return rest
}

func parseDirective(body string) (Directives, bool) {
	body = strings.TrimSpace(body)
	if body == "voice" {
		return Directives{Voice: true}, true
	}
	name, value, ok := strings.Cut(body, ":")
	if !ok {
		return Directives{}, false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Directives{}, false
	}
	switch strings.TrimSpace(name) {
	case "reply":
		return Directives{ReplyTo: value}, true
	case "thread":
		return Directives{Thread: value}, true
	case "media":
		return Directives{MediaRefs: []string{value}}, true
	default:
		return Directives{}, false
	}
}
