package workflow

import "sort"

// Confidence feedback constants. A match nudges the winning candidate
// up, a primary that lost to an alternative drifts down. Lists are
// short (<5 candidates) so full re-sorting is fine.
const (
	confidenceBoost = 0.05
	confidenceDecay = 0.10
	confidenceFloor = 0.05
	confidenceCeil  = 1.0
)

// RecordSelectorMatch feeds a step's matchedIndex back into selector
// confidences. Index 0 is the primary; any higher index means the
// primary failed and an alternative carried the step. When an
// alternative's confidence overtakes the primary's it is promoted, so
// a workflow whose primary selector keeps failing re-ranks itself.
func RecordSelectorMatch(step *WorkflowStep, matchedIndex int) {
	if step.Selector == nil || matchedIndex < 0 {
		return
	}

	if matchedIndex == 0 {
		step.Selector.Confidence = clampConfidence(step.Selector.Confidence + confidenceBoost)
		return
	}

	altIdx := matchedIndex - 1
	if altIdx >= len(step.AlternativeSelectors) {
		return
	}

	step.Selector.Confidence = clampConfidence(step.Selector.Confidence - confidenceDecay)
	step.AlternativeSelectors[altIdx].Confidence = clampConfidence(step.AlternativeSelectors[altIdx].Confidence + confidenceBoost)

	// Keep alternatives ordered by descending confidence
	sort.SliceStable(step.AlternativeSelectors, func(i, j int) bool {
		return step.AlternativeSelectors[i].Confidence > step.AlternativeSelectors[j].Confidence
	})

	// Promote the best alternative once it clearly beats the primary
	if step.AlternativeSelectors[0].Confidence > step.Selector.Confidence {
		promoted := step.AlternativeSelectors[0]
		demoted := *step.Selector
		step.Selector = &promoted
		step.AlternativeSelectors[0] = demoted
		sort.SliceStable(step.AlternativeSelectors, func(i, j int) bool {
			return step.AlternativeSelectors[i].Confidence > step.AlternativeSelectors[j].Confidence
		})
	}
}

func clampConfidence(v float64) float64 {
	if v < confidenceFloor {
		return confidenceFloor
	}
	if v > confidenceCeil {
		return confidenceCeil
	}
	return v
}
