package validation

import (
	"fmt"
	"time"

	"github.com/voltmind/maestro/core"
	"github.com/voltmind/maestro/internal/textutil"
)

// Cross-validation thresholds.
const (
	consensusSimilarity = 0.8
	consensusMaxDiffs   = 3
	lengthGapChars      = 100
	timeGapNoticeable   = 5 * time.Second
	uniqueLineNotice    = 5
)

// CrossReport compares two results for the same task.
type CrossReport struct {
	// Similarity is the word-set Jaccard index of the two outputs.
	Similarity float64 `json:"similarity"`

	// Differences are textual annotations of notable gaps.
	Differences []string `json:"differences,omitempty"`

	// Consensus holds when similarity > 0.8 and fewer than 3
	// differences were noted.
	Consensus bool `json:"consensus"`
}

// CrossValidate compares two results produced by different adapters for
// the same task.
func CrossValidate(r1, r2 *core.Result, task *core.Task) (*CrossReport, error) {
	if r1 == nil || r2 == nil {
		return nil, core.NewError(core.CodeInvalidRequest, "two results are required")
	}
	if r1.AdapterID == r2.AdapterID {
		return nil, core.NewError(core.CodeInvalidRequest,
			"cross-validation requires results from different adapters")
	}
	if task != nil && (r1.TaskID != task.ID || r2.TaskID != task.ID) {
		return nil, core.NewError(core.CodeInvalidRequest,
			"results do not belong to the given task")
	}

	report := &CrossReport{
		Similarity: textutil.Jaccard(r1.Output, r2.Output),
	}

	if gap := abs(len(r1.Output) - len(r2.Output)); gap > lengthGapChars {
		report.Differences = append(report.Differences,
			fmt.Sprintf("output lengths differ by %d characters (%s: %d, %s: %d)",
				gap, r1.AdapterID, len(r1.Output), r2.AdapterID, len(r2.Output)))
	}

	timeGap := r1.Metadata.ExecutionTime - r2.Metadata.ExecutionTime
	if timeGap < 0 {
		timeGap = -timeGap
	}
	if timeGap > timeGapNoticeable {
		report.Differences = append(report.Differences,
			fmt.Sprintf("execution times differ by %s", timeGap))
	}

	if unique := textutil.UniqueLines(r1.Output, r2.Output); len(unique) >= uniqueLineNotice {
		report.Differences = append(report.Differences,
			fmt.Sprintf("%s produced %d lines absent from %s", r1.AdapterID, len(unique), r2.AdapterID))
	}
	if unique := textutil.UniqueLines(r2.Output, r1.Output); len(unique) >= uniqueLineNotice {
		report.Differences = append(report.Differences,
			fmt.Sprintf("%s produced %d lines absent from %s", r2.AdapterID, len(unique), r1.AdapterID))
	}

	report.Consensus = report.Similarity > consensusSimilarity &&
		len(report.Differences) < consensusMaxDiffs

	return report, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
