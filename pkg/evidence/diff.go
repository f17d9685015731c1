package evidence

// DocumentDiff is the control-level comparison of two assessments of the
// same scope, the shape behind `corsair diff`. Control IDs are reported,
// not full controls; callers that need detail look them up in the inputs.
type DocumentDiff struct {
	ScoreDelta      float64  `json:"scoreDelta"`
	PreviousSummary Summary  `json:"previousSummary"`
	NextSummary     Summary  `json:"nextSummary"`
	AddedControls   []string `json:"addedControls,omitempty"`
	RemovedControls []string `json:"removedControls,omitempty"`
	NewlyFailing    []string `json:"newlyFailing,omitempty"`
	NewlyPassing    []string `json:"newlyPassing,omitempty"`
}

// DiffDocuments compares next against previous control by control.
// NewlyFailing lists controls that fail in next but did not fail in
// previous (including controls new to next). Unlike certification drift
// detection, which flags only failing controls absent from the previous
// audit, a control that regressed to failing counts here too.
func DiffDocuments(previous, next *AssessmentDocument) *DocumentDiff {
	diff := &DocumentDiff{
		ScoreDelta:      next.Summary.OverallScore - previous.Summary.OverallScore,
		PreviousSummary: previous.Summary,
		NextSummary:     next.Summary,
	}

	prevStatus := make(map[string]string, len(previous.Controls))
	for _, c := range previous.Controls {
		prevStatus[c.ID] = c.Status
	}
	nextStatus := make(map[string]string, len(next.Controls))
	for _, c := range next.Controls {
		nextStatus[c.ID] = c.Status
	}

	for _, c := range next.Controls {
		before, existed := prevStatus[c.ID]
		if !existed {
			diff.AddedControls = append(diff.AddedControls, c.ID)
		}
		if c.Status == "failed" && before != "failed" {
			diff.NewlyFailing = append(diff.NewlyFailing, c.ID)
		}
		if c.Status == "passed" && existed && before != "passed" {
			diff.NewlyPassing = append(diff.NewlyPassing, c.ID)
		}
	}
	for _, c := range previous.Controls {
		if _, still := nextStatus[c.ID]; !still {
			diff.RemovedControls = append(diff.RemovedControls, c.ID)
		}
	}
	return diff
}
