package evidence

import (
	"reflect"
	"testing"
)

func docWithControls(controls []Control) *AssessmentDocument {
	doc := &AssessmentDocument{Controls: controls}
	for _, c := range controls {
		switch c.Status {
		case "passed":
			doc.Summary.ControlsPassed++
		case "failed":
			doc.Summary.ControlsFailed++
		case "skipped":
			doc.Summary.Skipped++
		}
	}
	doc.Summary.ControlsTested = len(controls)
	if doc.Summary.ControlsTested > 0 {
		doc.Summary.OverallScore = float64(100*doc.Summary.ControlsPassed) / float64(doc.Summary.ControlsTested)
	}
	return doc
}

func TestDiffDocumentsClassifiesStatusChanges(t *testing.T) {
	previous := docWithControls([]Control{
		{ID: "AC-1", Status: "passed"},
		{ID: "AC-2", Status: "failed"},
		{ID: "AC-3", Status: "passed"},
	})
	next := docWithControls([]Control{
		{ID: "AC-1", Status: "failed"},  // regressed
		{ID: "AC-2", Status: "passed"},  // recovered
		{ID: "AC-4", Status: "failed"},  // new and failing
	})

	diff := DiffDocuments(previous, next)

	if !reflect.DeepEqual(diff.NewlyFailing, []string{"AC-1", "AC-4"}) {
		t.Errorf("newlyFailing = %v", diff.NewlyFailing)
	}
	if !reflect.DeepEqual(diff.NewlyPassing, []string{"AC-2"}) {
		t.Errorf("newlyPassing = %v", diff.NewlyPassing)
	}
	if !reflect.DeepEqual(diff.AddedControls, []string{"AC-4"}) {
		t.Errorf("addedControls = %v", diff.AddedControls)
	}
	if !reflect.DeepEqual(diff.RemovedControls, []string{"AC-3"}) {
		t.Errorf("removedControls = %v", diff.RemovedControls)
	}

	wantDelta := next.Summary.OverallScore - previous.Summary.OverallScore
	if diff.ScoreDelta != wantDelta {
		t.Errorf("scoreDelta = %v, want %v", diff.ScoreDelta, wantDelta)
	}
}

func TestDiffDocumentsIdenticalInputs(t *testing.T) {
	doc := docWithControls([]Control{
		{ID: "AC-1", Status: "passed"},
		{ID: "AC-2", Status: "failed"},
	})

	diff := DiffDocuments(doc, doc)
	if diff.ScoreDelta != 0 {
		t.Errorf("scoreDelta = %v, want 0", diff.ScoreDelta)
	}
	if len(diff.AddedControls)+len(diff.RemovedControls)+len(diff.NewlyFailing)+len(diff.NewlyPassing) != 0 {
		t.Errorf("expected empty diff, got %+v", diff)
	}
}
