package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard("", ""), 1e-9)
	assert.InDelta(t, 0.0, Jaccard("something", ""), 1e-9)
	assert.InDelta(t, 1.0, Jaccard("alpha beta", "Beta ALPHA"), 1e-9)

	// {alpha, beta} vs {beta, gamma}: one shared word of three total.
	assert.InDelta(t, 1.0/3.0, Jaccard("alpha beta", "beta gamma"), 1e-9)
}

func TestOverlap(t *testing.T) {
	// Containment: the smaller set is fully inside the larger.
	assert.InDelta(t, 1.0, Overlap("alpha beta", "alpha beta gamma delta"), 1e-9)
	assert.InDelta(t, 0.5, Overlap("alpha beta", "beta gamma"), 1e-9)
	assert.InDelta(t, 0.0, Overlap("alpha", "beta"), 1e-9)
}

func TestCodeBlocks(t *testing.T) {
	text := "prose before\n```go\nfunc a() {}\n```\nmiddle\n```\nplain block\n```\n"
	blocks := CodeBlocks(text)
	assert.Equal(t, []string{"func a() {}", "plain block"}, blocks)

	assert.True(t, HasFencedCode(text))
	assert.False(t, HasFencedCode("no code here"))
}

func TestStripCode(t *testing.T) {
	text := "keep this\n```go\ndrop this\n```\nand this"
	stripped := StripCode(text)
	assert.Contains(t, stripped, "keep this")
	assert.Contains(t, stripped, "and this")
	assert.NotContains(t, stripped, "drop this")
}

func TestSentences(t *testing.T) {
	got := Sentences("This one counts. No! A much longer sentence survives the filter?")
	assert.Equal(t, []string{"This one counts", "A much longer sentence survives the filter"}, got)
}

func TestParagraphs(t *testing.T) {
	got := Paragraphs("first paragraph\n\n\n\nsecond paragraph\n\n")
	assert.Equal(t, []string{"first paragraph", "second paragraph"}, got)
}

func TestListItems(t *testing.T) {
	text := "intro\n- first item\n* second item\n2. third item\nplain line"
	got := ListItems(text)
	assert.Equal(t, []string{"first item", "second item", "third item"}, got)
}

func TestUniqueLines(t *testing.T) {
	a := "shared\nonly in a\n\nalso only in a"
	b := "shared\nonly in b"
	assert.Equal(t, []string{"only in a", "also only in a"}, UniqueLines(a, b))
	assert.Empty(t, UniqueLines("shared", "shared"))
}

func TestConsistentIndentation(t *testing.T) {
	assert.True(t, ConsistentIndentation("a\n\tb\n\tc"))
	assert.True(t, ConsistentIndentation("a\n  b\n  c"))
	assert.False(t, ConsistentIndentation("a\n\tb\n  c"))
	assert.True(t, ConsistentIndentation("no indentation at all"))
}
