// Package merge combines multiple adapter results for one task into a
// single merged output with per-adapter contribution accounting.
package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/internal/textutil"
)

// Strategy selects how results are merged.
type Strategy string

const (
	StrategyConsensus Strategy = "consensus"
	StrategyBestOf    Strategy = "best_of"
	StrategyCombine   Strategy = "combine"
	StrategyValidate  Strategy = "validate"
)

// elementSimilar is the word-overlap threshold at which two key elements
// are treated as the same statement.
const elementSimilar = 0.7

// Options tune one merge call.
type Options struct {
	Strategy Strategy `json:"strategy"`

	// PreferredAdapter biases best-of selection by +0.1.
	PreferredAdapter string `json:"preferred_adapter,omitempty"`

	// FormatOutput adds per-adapter section headers to merged text.
	FormatOutput bool `json:"format_output,omitempty"`
}

// Merged is the outcome of a merge.
type Merged struct {
	Output string `json:"output"`

	Strategy Strategy `json:"strategy"`

	// Contributions maps adapter id to its percentage share of the
	// merged output. Shares sum to 100 whenever any elements survive.
	Contributions map[string]float64 `json:"contributions"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Merger merges result sets.
type Merger struct {
	logger core.Logger
}

// NewMerger creates a merger.
func NewMerger(logger core.Logger) *Merger {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Merger{logger: logger}
}

// Merge combines results according to options. Failed results are
// ignored; a single successful result short-circuits to a merged record
// pointing at it.
func (m *Merger) Merge(results []*core.Result, task *core.Task, opts *Options) (*Merged, error) {
	if opts == nil {
		opts = &Options{Strategy: StrategyCombine}
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyCombine
	}

	successes := make([]*core.Result, 0, len(results))
	for _, r := range results {
		if r != nil && r.Success() {
			successes = append(successes, r)
		}
	}
	if len(successes) == 0 {
		return nil, core.NewError(core.CodeInvalidRequest, "no successful results to merge")
	}

	if len(successes) == 1 && opts.Strategy != StrategyValidate {
		r := successes[0]
		return &Merged{
			Output:        r.Output,
			Strategy:      opts.Strategy,
			Contributions: map[string]float64{r.AdapterID: 100},
			Confidence:    r.QualityScore(),
			Metadata:      map[string]interface{}{"result_id": r.ID, "single_result": true},
		}, nil
	}

	var merged *Merged
	var err error
	switch opts.Strategy {
	case StrategyConsensus:
		merged, err = m.mergeConsensus(successes, task, opts)
	case StrategyBestOf:
		merged, err = m.mergeBestOf(successes, opts), nil
	case StrategyCombine:
		merged, err = m.mergeCombine(successes, task, opts), nil
	case StrategyValidate:
		merged, err = m.mergeValidate(successes, opts)
	default:
		return nil, core.NewError(core.CodeInvalidRequest, "unknown merge strategy: "+string(opts.Strategy))
	}
	if err != nil {
		return nil, err
	}

	m.logger.Debug("Results merged", map[string]interface{}{
		"operation":  "merge",
		"strategy":   string(merged.Strategy),
		"results":    len(successes),
		"confidence": merged.Confidence,
	})
	return merged, nil
}

// mergeConsensus keeps the key elements every output agrees on, or falls
// back to best-of when the outputs share nothing.
func (m *Merger) mergeConsensus(results []*core.Result, task *core.Task, opts *Options) (*Merged, error) {
	elements := make([][]string, len(results))
	for i, r := range results {
		elements[i] = keyElements(r.Output)
	}

	var common []string
	for _, candidate := range elements[0] {
		agreed := true
		for i := 1; i < len(elements); i++ {
			if !containsSimilar(elements[i], candidate) {
				agreed = false
				break
			}
		}
		if agreed && !containsSimilar(common, candidate) {
			common = append(common, candidate)
		}
	}

	confidence := meanPairwiseJaccard(results)

	if len(common) == 0 {
		merged := m.mergeBestOf(results, opts)
		merged.Strategy = StrategyConsensus
		merged.Metadata["fallback"] = "best_of"
		merged.Confidence = confidence
		return merged, nil
	}

	var b strings.Builder
	b.WriteString("Points of agreement:\n")
	for _, element := range common {
		b.WriteString("- " + element + "\n")
	}
	b.WriteString("\n")
	for _, r := range results {
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", r.AdapterID, excerpt(r.Output, 300))
	}

	share := 100.0 / float64(len(results))
	contributions := make(map[string]float64, len(results))
	for _, r := range results {
		contributions[r.AdapterID] = share
	}

	return &Merged{
		Output:        strings.TrimSpace(b.String()),
		Strategy:      StrategyConsensus,
		Contributions: contributions,
		Confidence:    confidence,
		Metadata:      map[string]interface{}{"common_elements": len(common)},
	}, nil
}

// mergeBestOf selects the highest quality result, biased toward the
// preferred adapter.
func (m *Merger) mergeBestOf(results []*core.Result, opts *Options) *Merged {
	best := results[0]
	bestScore := -1.0
	for _, r := range results {
		score := r.QualityScore()
		if opts.PreferredAdapter != "" && r.AdapterID == opts.PreferredAdapter {
			score += 0.1
		}
		if score > bestScore {
			bestScore = score
			best = r
		}
	}

	contributions := make(map[string]float64, len(results))
	for _, r := range results {
		contributions[r.AdapterID] = 0
	}
	contributions[best.AdapterID] = 100

	return &Merged{
		Output:        best.Output,
		Strategy:      StrategyBestOf,
		Contributions: contributions,
		Confidence:    clamp01(best.QualityScore()),
		Metadata:      map[string]interface{}{"winner": best.AdapterID, "result_id": best.ID},
	}
}

// mergeCombine deduplicates code blocks, paragraphs and list items
// across outputs. Code leads for code kinds.
func (m *Merger) mergeCombine(results []*core.Result, task *core.Task, opts *Options) *Merged {
	type element struct {
		text    string
		isCode  bool
		adapter string
	}

	var retained []element
	retainedPerAdapter := make(map[string]int)
	totalRetained := 0

	keep := func(e element) {
		for _, existing := range retained {
			if textutil.Overlap(existing.text, e.text) > elementSimilar {
				return
			}
		}
		retained = append(retained, e)
		retainedPerAdapter[e.adapter]++
		totalRetained++
	}

	// Dedupe keeps the first phrasing seen, so higher quality results get
	// to place their elements first.
	ranked := make([]*core.Result, len(results))
	copy(ranked, results)
	sortByQuality(ranked)

	for _, r := range ranked {
		for _, code := range textutil.CodeBlocks(r.Output) {
			keep(element{text: code, isCode: true, adapter: r.AdapterID})
		}
		prose := textutil.StripCode(r.Output)
		for _, p := range textutil.Paragraphs(prose) {
			keep(element{text: p, adapter: r.AdapterID})
		}
		for _, item := range textutil.ListItems(prose) {
			keep(element{text: item, adapter: r.AdapterID})
		}
	}

	codeFirst := task != nil && task.Kind.IsCodeKind()
	ordered := make([]element, 0, len(retained))
	if codeFirst {
		for _, e := range retained {
			if e.isCode {
				ordered = append(ordered, e)
			}
		}
		for _, e := range retained {
			if !e.isCode {
				ordered = append(ordered, e)
			}
		}
	} else {
		ordered = retained
	}

	var b strings.Builder
	lastAdapter := ""
	for _, e := range ordered {
		if opts.FormatOutput && e.adapter != lastAdapter {
			fmt.Fprintf(&b, "--- from %s ---\n", e.adapter)
			lastAdapter = e.adapter
		}
		if e.isCode {
			b.WriteString("```\n" + e.text + "\n```\n\n")
		} else {
			b.WriteString(e.text + "\n\n")
		}
	}

	contributions := make(map[string]float64, len(results))
	for _, r := range results {
		contributions[r.AdapterID] = 0
	}
	if totalRetained > 0 {
		for adapter, count := range retainedPerAdapter {
			contributions[adapter] = 100 * float64(count) / float64(totalRetained)
		}
	}

	var qualitySum float64
	for _, r := range results {
		qualitySum += r.QualityScore()
	}
	confidence := qualitySum/float64(len(results)) + 0.2*meanPairwiseJaccard(results)

	return &Merged{
		Output:        strings.TrimSpace(b.String()),
		Strategy:      StrategyCombine,
		Contributions: contributions,
		Confidence:    clamp01(confidence),
		Metadata:      map[string]interface{}{"elements": totalRetained},
	}
}

// mergeValidate treats results[0] as the primary and results[1] as its
// reviewer; callers encode that convention.
func (m *Merger) mergeValidate(results []*core.Result, opts *Options) (*Merged, error) {
	if len(results) != 2 {
		return nil, core.NewError(core.CodeInvalidRequest,
			"validate merge requires exactly a primary and a reviewer result")
	}
	primary, review := results[0], results[1]

	primaryElements := keyElements(primary.Output)
	reviewElements := keyElements(review.Output)

	confirmed := 0
	for _, e := range primaryElements {
		if containsSimilar(reviewElements, e) {
			confirmed++
		}
	}
	confidence := 0.0
	if len(primaryElements) > 0 {
		confidence = float64(confirmed) / float64(len(primaryElements))
	}

	output := fmt.Sprintf("=== Primary (%s) ===\n%s\n\n=== Review (%s) ===\n%s",
		primary.AdapterID, primary.Output, review.AdapterID, review.Output)

	return &Merged{
		Output:   output,
		Strategy: StrategyValidate,
		Contributions: map[string]float64{
			primary.AdapterID: 70,
			review.AdapterID:  30,
		},
		Confidence: clamp01(confidence),
		Metadata: map[string]interface{}{
			"primary":            primary.AdapterID,
			"reviewer":           review.AdapterID,
			"confirmed_elements": confirmed,
			"primary_elements":   len(primaryElements),
		},
	}, nil
}

// keyElements extracts the comparable statements of an output: its
// sentences plus its fenced code blocks.
func keyElements(output string) []string {
	elements := textutil.Sentences(textutil.StripCode(output))
	elements = append(elements, textutil.CodeBlocks(output)...)
	return elements
}

func containsSimilar(elements []string, candidate string) bool {
	for _, e := range elements {
		if textutil.Overlap(e, candidate) > elementSimilar {
			return true
		}
	}
	return false
}

func meanPairwiseJaccard(results []*core.Result) float64 {
	if len(results) < 2 {
		return 1
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			sum += textutil.Jaccard(results[i].Output, results[j].Output)
			pairs++
		}
	}
	return sum / float64(pairs)
}

// sortByQuality orders results best first, keeping the submission order
// between equals.
func sortByQuality(results []*core.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].QualityScore() > results[j].QualityScore()
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
