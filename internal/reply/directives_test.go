// ABOUTME: Tests for inline delivery-directive extraction
// ABOUTME: Covers stripping, cross-feed carry, and literal fallback for unknown markup

package reply

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectives_ExtractsAllKnownForms(t *testing.T) {
	p := &directiveParser{}
	out, d := p.Feed("[[reply:42]]check [[media:chart.png]]this[[voice]][[thread:t-9]]")
	out += p.Flush()

	assert.Equal(t, "check this", out)
	assert.Equal(t, "42", d.ReplyTo)
	assert.Equal(t, "t-9", d.Thread)
	assert.Equal(t, []string{"chart.png"}, d.MediaRefs)
	assert.True(t, d.Voice)
}

func TestDirectives_MultipleMediaRefsAccumulate(t *testing.T) {
	p := &directiveParser{}
	_, d := p.Feed("[[media:a.png]][[media:b.png]]")
	assert.Equal(t, []string{"a.png", "b.png"}, d.MediaRefs)
}

func TestDirectives_UnknownMarkupStaysLiteral(t *testing.T) {
	p := &directiveParser{}
	out, d := p.Feed("keep [[bold]] and [[reply:]] as text")
	out += p.Flush()

	assert.Equal(t, "keep [[bold]] and [[reply:]] as text", out)
	assert.True(t, d.empty())
}

func TestDirectives_SplitAcrossFeedsIsCarried(t *testing.T) {
	p := &directiveParser{}
	out1, d1 := p.Feed("see [[me")
	out2, d2 := p.Feed("dia:x.png]] done")

	assert.Equal(t, "see ", out1)
	assert.True(t, d1.empty())
	assert.Equal(t, " done", out2)
	assert.Equal(t, []string{"x.png"}, d2.MediaRefs)
}

func TestDirectives_LoneBracketCarried(t *testing.T) {
	p := &directiveParser{}
	out1, _ := p.Feed("a[")
	out2, d := p.Feed("[voice]]b")

	assert.Equal(t, "a", out1)
	assert.Equal(t, "b", out2)
	assert.True(t, d.Voice)
}

func TestDirectives_FlushEmitsPartialAsLiteral(t *testing.T) {
	p := &directiveParser{}
	out, d := p.Feed("broken [[rep")
	assert.Equal(t, "broken ", out)
	assert.True(t, d.empty())
	assert.Equal(t, "[[rep", p.Flush())
}

func TestDirectives_OverlongOpenerFallsBackToLiteral(t *testing.T) {
	long := "[[" + strings.Repeat("x", maxDirectiveChars+10)
	p := &directiveParser{}
	out, d := p.Feed(long)
	out += p.Flush()

	assert.Equal(t, long, out, "an opener too long to be a directive is text")
	assert.True(t, d.empty())
}
