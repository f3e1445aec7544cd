// Package textutil holds the word-set and structure extraction helpers
// shared by the validator, the cross-validator, and the merger. All
// comparisons are over lowercased word sets; outputs stay opaque strings
// everywhere else.
package textutil

import (
	"regexp"
	"strings"
)

var (
	wordSplit     = regexp.MustCompile(`[^a-z0-9_]+`)
	fencedBlock   = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.*?)```")
	sentenceSplit = regexp.MustCompile(`[.!?\n]+`)
	listItem      = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)
)

// WordSet returns the set of lowercased words in s.
func WordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range wordSplit.Split(strings.ToLower(s), -1) {
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b| over the word sets of two strings.
// Two empty strings are identical (1); one empty string matches nothing.
func Jaccard(a, b string) float64 {
	sa, sb := WordSet(a), WordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	intersection := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	return float64(intersection) / float64(union)
}

// Overlap returns |a∩b| / min(|a|, |b|) over word sets: the containment
// measure used for key-element similarity and iterative consensus.
func Overlap(a, b string) float64 {
	sa, sb := WordSet(a), WordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	intersection := 0
	small, large := sa, sb
	if len(sb) < len(sa) {
		small, large = sb, sa
	}
	for w := range small {
		if _, ok := large[w]; ok {
			intersection++
		}
	}
	return float64(intersection) / float64(len(small))
}

// CodeBlocks returns the contents of every fenced code block, fences
// stripped.
func CodeBlocks(s string) []string {
	var blocks []string
	for _, m := range fencedBlock.FindAllStringSubmatch(s, -1) {
		if body := strings.TrimSpace(m[1]); body != "" {
			blocks = append(blocks, body)
		}
	}
	return blocks
}

// HasFencedCode reports whether s contains at least one fenced block.
func HasFencedCode(s string) bool {
	return len(fencedBlock.FindStringIndex(s)) > 0
}

// StripCode removes fenced code blocks, leaving the prose.
func StripCode(s string) string {
	return fencedBlock.ReplaceAllString(s, "")
}

// Sentences splits prose into trimmed sentences, dropping fragments
// shorter than three words.
func Sentences(s string) []string {
	var out []string
	for _, part := range sentenceSplit.Split(s, -1) {
		part = strings.TrimSpace(part)
		if len(strings.Fields(part)) >= 3 {
			out = append(out, part)
		}
	}
	return out
}

// Paragraphs splits prose on blank lines.
func Paragraphs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "\n\n") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ListItems returns the text of markdown-style bullet and numbered list
// entries.
func ListItems(s string) []string {
	var out []string
	for _, m := range listItem.FindAllStringSubmatch(s, -1) {
		if item := strings.TrimSpace(m[1]); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// UniqueLines returns the trimmed, non-empty lines of a that do not
// appear in b.
func UniqueLines(a, b string) []string {
	present := make(map[string]struct{})
	for _, line := range strings.Split(b, "\n") {
		present[strings.TrimSpace(line)] = struct{}{}
	}

	var unique []string
	for _, line := range strings.Split(a, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := present[line]; !ok {
			unique = append(unique, line)
		}
	}
	return unique
}

// ConsistentIndentation reports whether multi-line text indents with a
// single style (all tabs or all spaces).
func ConsistentIndentation(s string) bool {
	sawTab, sawSpace := false, false
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "\t") {
			sawTab = true
		} else if strings.HasPrefix(line, " ") {
			sawSpace = true
		}
	}
	return !(sawTab && sawSpace)
}
