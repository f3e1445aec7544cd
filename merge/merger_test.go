package merge

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltmind/maestro/core"
)

func success(adapter, output string) *core.Result {
	return core.NewResult("t1", adapter, output, core.ResultMetadata{})
}

func contributionSum(m *Merged) float64 {
	var sum float64
	for _, share := range m.Contributions {
		sum += share
	}
	return sum
}

func TestMergeNoSuccessfulResults(t *testing.T) {
	m := NewMerger(nil)

	results := []*core.Result{
		core.NewErrorResult("t1", core.AdapterClaude, errors.New("boom"), core.ResultMetadata{}),
		nil,
	}
	_, err := m.Merge(results, nil, &Options{Strategy: StrategyCombine})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))
}

func TestMergeSingleResultShortCircuits(t *testing.T) {
	m := NewMerger(nil)

	only := success(core.AdapterClaude, "the single answer")
	failed := core.NewErrorResult("t1", core.AdapterOpenAI, errors.New("down"), core.ResultMetadata{})

	merged, err := m.Merge([]*core.Result{failed, only}, nil, &Options{Strategy: StrategyConsensus})
	require.NoError(t, err)
	assert.Equal(t, only.Output, merged.Output)
	assert.Equal(t, map[string]float64{core.AdapterClaude: 100}, merged.Contributions)
	assert.Equal(t, true, merged.Metadata["single_result"])
}

func TestMergeUnknownStrategy(t *testing.T) {
	m := NewMerger(nil)
	results := []*core.Result{
		success(core.AdapterClaude, "a"),
		success(core.AdapterOpenAI, "b"),
	}
	_, err := m.Merge(results, nil, &Options{Strategy: "majority"})
	require.Error(t, err)
}

func TestMergeBestOfPicksHighestQuality(t *testing.T) {
	m := NewMerger(nil)

	retried := core.NewResult("t1", core.AdapterOpenAI, "retried answer", core.ResultMetadata{RetryCount: 2})
	clean := success(core.AdapterClaude, "clean answer")

	merged, err := m.Merge([]*core.Result{retried, clean}, nil, &Options{Strategy: StrategyBestOf})
	require.NoError(t, err)
	assert.Equal(t, clean.Output, merged.Output)
	assert.Equal(t, core.AdapterClaude, merged.Metadata["winner"])
	assert.Equal(t, 100.0, merged.Contributions[core.AdapterClaude])
	assert.Equal(t, 0.0, merged.Contributions[core.AdapterOpenAI])
	assert.InDelta(t, 100, contributionSum(merged), 1e-9)
}

func TestMergeBestOfPreferredBiasBreaksTie(t *testing.T) {
	m := NewMerger(nil)

	first := success(core.AdapterClaude, "first answer")
	second := success(core.AdapterOpenAI, "second answer")

	// Equal quality: the first result wins without a preference.
	merged, err := m.Merge([]*core.Result{first, second}, nil, &Options{Strategy: StrategyBestOf})
	require.NoError(t, err)
	assert.Equal(t, core.AdapterClaude, merged.Metadata["winner"])

	merged, err = m.Merge([]*core.Result{first, second}, nil, &Options{
		Strategy:         StrategyBestOf,
		PreferredAdapter: core.AdapterOpenAI,
	})
	require.NoError(t, err)
	assert.Equal(t, core.AdapterOpenAI, merged.Metadata["winner"])
}

func TestMergeConsensusKeepsAgreedElements(t *testing.T) {
	m := NewMerger(nil)

	shared := "The cache invalidates entries by tag."
	results := []*core.Result{
		success(core.AdapterClaude, shared+" Memory backing uses a mutex."),
		success(core.AdapterOpenAI, shared+" Redis backing uses pipelines."),
	}

	merged, err := m.Merge(results, nil, &Options{Strategy: StrategyConsensus})
	require.NoError(t, err)
	assert.Contains(t, merged.Output, "Points of agreement:")
	assert.Contains(t, merged.Output, "The cache invalidates entries by tag")
	assert.InDelta(t, 50, merged.Contributions[core.AdapterClaude], 1e-9)
	assert.InDelta(t, 50, merged.Contributions[core.AdapterOpenAI], 1e-9)
	assert.InDelta(t, 100, contributionSum(merged), 1e-9)
	assert.GreaterOrEqual(t, merged.Confidence, 0.0)
	assert.LessOrEqual(t, merged.Confidence, 1.0)
}

func TestMergeConsensusFallsBackWhenNothingShared(t *testing.T) {
	m := NewMerger(nil)

	results := []*core.Result{
		success(core.AdapterClaude, "alpha bravo charlie delta."),
		success(core.AdapterOpenAI, "echo foxtrot golf hotel."),
	}

	merged, err := m.Merge(results, nil, &Options{Strategy: StrategyConsensus})
	require.NoError(t, err)
	assert.Equal(t, StrategyConsensus, merged.Strategy)
	assert.Equal(t, "best_of", merged.Metadata["fallback"])
	assert.InDelta(t, 0, merged.Confidence, 1e-9)
}

func TestMergeCombineDeduplicates(t *testing.T) {
	m := NewMerger(nil)

	sharedParagraph := "The claim script pops the queue head atomically."
	results := []*core.Result{
		success(core.AdapterClaude,
			"```go\nfunc pop() {}\n```\n\n"+sharedParagraph),
		success(core.AdapterOpenAI,
			sharedParagraph+"\n\nRequeues stop after the retry budget runs out."),
	}

	task, err := core.NewTask(core.KindCodeGeneration, "implement the queue pop", core.PriorityMedium)
	require.NoError(t, err)

	merged, err := m.Merge(results, task, &Options{Strategy: StrategyCombine})
	require.NoError(t, err)

	// One code block and two distinct paragraphs survive; the duplicate
	// paragraph from the second adapter is dropped.
	assert.Equal(t, 3, merged.Metadata["elements"])
	assert.Equal(t, 1, strings.Count(merged.Output, sharedParagraph))

	// Code leads for code kinds.
	assert.True(t, strings.HasPrefix(merged.Output, "```"))

	assert.InDelta(t, 100*2.0/3.0, merged.Contributions[core.AdapterClaude], 1e-9)
	assert.InDelta(t, 100*1.0/3.0, merged.Contributions[core.AdapterOpenAI], 1e-9)
	assert.InDelta(t, 100, contributionSum(merged), 1e-9)
	assert.GreaterOrEqual(t, merged.Confidence, 0.0)
	assert.LessOrEqual(t, merged.Confidence, 1.0)
}

func TestMergeCombineSectionHeaders(t *testing.T) {
	m := NewMerger(nil)

	results := []*core.Result{
		success(core.AdapterClaude, "alpha bravo charlie delta."),
		success(core.AdapterOpenAI, "echo foxtrot golf hotel."),
	}
	merged, err := m.Merge(results, nil, &Options{Strategy: StrategyCombine, FormatOutput: true})
	require.NoError(t, err)
	assert.Contains(t, merged.Output, "--- from "+core.AdapterClaude+" ---")
	assert.Contains(t, merged.Output, "--- from "+core.AdapterOpenAI+" ---")
}

func TestMergeValidateRequiresPair(t *testing.T) {
	m := NewMerger(nil)

	results := []*core.Result{
		success(core.AdapterClaude, "a"),
		success(core.AdapterOpenAI, "b"),
		success(core.AdapterGemini, "c"),
	}
	_, err := m.Merge(results, nil, &Options{Strategy: StrategyValidate})
	require.Error(t, err)

	_, err = m.Merge(results[:1], nil, &Options{Strategy: StrategyValidate})
	require.Error(t, err)
}

func TestMergeValidatePrimaryAndReviewer(t *testing.T) {
	m := NewMerger(nil)

	primary := success(core.AdapterClaude,
		"The queue orders tasks by weighted score. Claims expire after five minutes.")
	review := success(core.AdapterOpenAI,
		"Confirmed that the queue orders tasks by weighted score.")

	merged, err := m.Merge([]*core.Result{primary, review}, nil, &Options{Strategy: StrategyValidate})
	require.NoError(t, err)

	assert.Contains(t, merged.Output, "=== Primary ("+core.AdapterClaude+") ===")
	assert.Contains(t, merged.Output, "=== Review ("+core.AdapterOpenAI+") ===")
	assert.InDelta(t, 70, merged.Contributions[core.AdapterClaude], 1e-9)
	assert.InDelta(t, 30, merged.Contributions[core.AdapterOpenAI], 1e-9)

	// The reviewer confirms one of the two primary statements.
	assert.Equal(t, 1, merged.Metadata["confirmed_elements"])
	assert.InDelta(t, 0.5, merged.Confidence, 1e-9)
}

func TestSortByQuality(t *testing.T) {
	retried := core.NewResult("t1", core.AdapterOpenAI, "slow", core.ResultMetadata{RetryCount: 3})
	clean := success(core.AdapterClaude, "fast")

	results := []*core.Result{retried, clean}
	sortByQuality(results)
	assert.Equal(t, core.AdapterClaude, results[0].AdapterID)
}

func TestMergeCombineKeepsStrongerPhrasing(t *testing.T) {
	m := NewMerger(nil)

	weaker := core.NewResult("t1", core.AdapterOpenAI,
		"the cache stores results under a tag index for invalidation quickly",
		core.ResultMetadata{RetryCount: 2})
	stronger := success(core.AdapterClaude,
		"the cache stores results under a tag index for invalidation")

	merged, err := m.Merge([]*core.Result{weaker, stronger}, nil, &Options{Strategy: StrategyCombine})
	require.NoError(t, err)

	// The overlapping statement survives in the higher quality phrasing
	// even though the weaker result was listed first.
	assert.Contains(t, merged.Output, stronger.Output)
	assert.NotContains(t, merged.Output, "quickly")
	assert.InDelta(t, 100, merged.Contributions[core.AdapterClaude], 1e-9)
	assert.InDelta(t, 0, merged.Contributions[core.AdapterOpenAI], 1e-9)
}
