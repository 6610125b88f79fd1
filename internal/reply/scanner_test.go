// ABOUTME: Tests for the incremental marker scanner
// ABOUTME: Covers cross-delta tag state, code-span protection, and final enforcement

package reply

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanner_StripsThinkingBlock(t *testing.T) {
	sc := newMarkerScanner(false)
	out := sc.Feed("<think>hidden</think>visible") + sc.Flush()
	assert.Equal(t, "visible", out)
}

func TestScanner_ThinkStatePersistsAcrossDeltas(t *testing.T) {
	// The open tag's effect must survive the delta boundary even when the
	// tag itself is split.
	sc := newMarkerScanner(false)
	out := sc.Feed("<think>hid")
	out += sc.Feed("den</think>visible")
	out += sc.Flush()
	assert.Equal(t, "visible", out)
}

func TestScanner_TagSplitMidToken(t *testing.T) {
	sc := newMarkerScanner(false)
	out := sc.Feed("<thi")
	out += sc.Feed("nk>secret</th")
	out += sc.Feed("ink>shown")
	out += sc.Flush()
	assert.Equal(t, "shown", out)
}

func TestScanner_FinalEnforcementSuppressesUntaggedText(t *testing.T) {
	// Without a final-open tag nothing may leak, not even marker-stripped
	// text.
	sc := newMarkerScanner(true)
	out := sc.Feed("this deliberation never got tagged") + sc.Flush()
	assert.Equal(t, "", out)
	assert.False(t, sc.SawFinalOpen())
}

func TestScanner_FinalWindowEmitsOnlyInnerText(t *testing.T) {
	sc := newMarkerScanner(true)
	out := sc.Feed("preamble<final>the answer</final>trailer") + sc.Flush()
	assert.Equal(t, "the answer", out)
	assert.True(t, sc.SawFinalOpen())
}

func TestScanner_FinalTagSplitAcrossDeltas(t *testing.T) {
	sc := newMarkerScanner(true)
	out := sc.Feed("noise <fin")
	out += sc.Feed("al>ok</final>")
	out += sc.Flush()
	assert.Equal(t, "ok", out)
}

func TestScanner_FinalMarkersStrippedWithoutEnforcement(t *testing.T) {
	sc := newMarkerScanner(false)
	out := sc.Feed("before <final>inside</final> after") + sc.Flush()
	assert.Equal(t, "before inside after", out)
}

func TestScanner_MarkersInsideFencedCodePassThrough(t *testing.T) {
	input := "```\n<think>literal tags</think>\n`"
	sc := newMarkerScanner(false)
	out := sc.Feed(input) + sc.Flush()
	assert.Equal(t, input, out, "tags inside a fence are text, not markers")
}

func TestScanner_MarkersInsideInlineCodePassThrough(t *testing.T) {
	input := "wrap output in `<final>` tags"
	sc := newMarkerScanner(false)
	out := sc.Feed(input) + sc.Flush()
	assert.Equal(t, input, out)
}

func TestScanner_InlineCodeResetsAtNewline(t *testing.T) {
	// An unmatched backtick must not poison marker detection on later lines.
	sc := newMarkerScanner(false)
	out := sc.Feed("dangling ` tick\n<think>gone</think>kept") + sc.Flush()
	assert.Equal(t, "dangling ` tick\nkept", out)
}

func TestScanner_FlushEmitsUnfinishedTagAsLiteral(t *testing.T) {
	sc := newMarkerScanner(false)
	out := sc.Feed("ends with <fin")
	assert.Equal(t, "ends with ", out, "ambiguous suffix is held back")
	assert.Equal(t, "<fin", sc.Flush(), "stream end resolves it as literal text")
}

func TestScanner_ScanAllMatchesIncrementalResult(t *testing.T) {
	input := "<think>a</think>one <final>two</final> three"
	sc := newMarkerScanner(false)
	incremental := ""
	for _, c := range input {
		incremental += sc.Feed(string(c))
	}
	incremental += sc.Flush()
	assert.Equal(t, scanAll(input, false), incremental,
		"byte-at-a-time feeding must agree with a single-pass scan")
}
