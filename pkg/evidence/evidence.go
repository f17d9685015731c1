// Package evidence normalizes adapter-detected or raw JSON evidence input
// into an AssessmentDocument, the shared shape CPOEAssembler consumes.
package evidence

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// RawFinding is the adapter-normalized shape of a single ingested finding,
// before it is classified into a Control.
type RawFinding struct {
	ControlID   string  `json:"controlId"`
	Title       string  `json:"title,omitempty"`
	Status      string  `json:"status"` // "passed", "failed", "skipped"
	Severity    string  `json:"severity,omitempty"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// Control is one tested control in the assembled assessment.
type Control struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Status      string `json:"status"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description,omitempty"`
}

// Provenance describes who/what produced the evidence.
type Provenance struct {
	Source string `json:"source"` // "auditor" | "tool" | "self"
	Name   string `json:"name,omitempty"`
}

// Summary aggregates control counts for display and CRQ input.
type Summary struct {
	ControlsTested       int            `json:"controlsTested"`
	ControlsPassed       int            `json:"controlsPassed"`
	ControlsFailed       int            `json:"controlsFailed"`
	Skipped              int            `json:"skipped"`
	OverallScore         float64        `json:"overallScore"`
	SeverityDistribution map[string]int `json:"severityDistribution,omitempty"`
}

// AssessmentDocument is the normalized, format-agnostic view of an
// evidence submission, ready for CPOEAssembler.
type AssessmentDocument struct {
	Format         string     `json:"format"`
	Issuer         string     `json:"issuer,omitempty"`
	Scope          string     `json:"scope,omitempty"`
	AssessmentDate *time.Time `json:"assessmentDate,omitempty"`
	Controls       []Control  `json:"controls"`
	Provenance     Provenance `json:"provenance"`
	Summary        Summary    `json:"summary"`
}

// Warning is a non-fatal issue surfaced alongside a successful normalize.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	WarnZeroControls          = "zero_controls"
	WarnMissingIssuer         = "missing_issuer"
	WarnMissingScope          = "missing_scope"
	WarnInvalidAssessmentDate = "invalid_assessment_date"
	WarnEvidenceOnlyMapping   = "evidence_only_mapping"
)

// GenericInput is the generic, adapter-free evidence shape:
// {issuer?, scope?, assessmentDate?, source?, findings: [...]}.
type GenericInput struct {
	Issuer         string       `json:"issuer,omitempty"`
	Scope          string       `json:"scope,omitempty"`
	AssessmentDate string       `json:"assessmentDate,omitempty"`
	Source         string       `json:"source,omitempty"`
	Findings       []RawFinding `json:"findings"`
}

// NormalizeGeneric builds an AssessmentDocument from the generic JSON
// shape, emitting non-fatal warnings for missing/invalid fields.
func NormalizeGeneric(raw []byte) (*AssessmentDocument, []Warning, error) {
	var input GenericInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.KindValidation, "parse generic evidence input")
	}

	var warnings []Warning

	doc := &AssessmentDocument{
		Format:     "generic",
		Issuer:     input.Issuer,
		Scope:      input.Scope,
		Provenance: provenanceFromSource(input.Source),
	}

	if input.Issuer == "" {
		warnings = append(warnings, Warning{Code: WarnMissingIssuer, Message: "no issuer supplied"})
	}
	if input.Scope == "" {
		warnings = append(warnings, Warning{Code: WarnMissingScope, Message: "no scope supplied"})
	}

	if input.AssessmentDate != "" {
		t, err := time.Parse(time.RFC3339, input.AssessmentDate)
		if err != nil {
			warnings = append(warnings, Warning{Code: WarnInvalidAssessmentDate, Message: "assessmentDate is not a valid RFC3339 date"})
		} else {
			doc.AssessmentDate = &t
		}
	} else {
		warnings = append(warnings, Warning{Code: WarnInvalidAssessmentDate, Message: "assessmentDate missing"})
	}

	if len(input.Findings) == 0 {
		warnings = append(warnings, Warning{Code: WarnZeroControls, Message: "no controls were present in the submitted evidence"})
	}

	severity := map[string]int{}
	hasSeverity := false
	for _, f := range input.Findings {
		status := canonicalStatus(f.Status)
		doc.Controls = append(doc.Controls, Control{
			ID:          f.ControlID,
			Title:       f.Title,
			Status:      status,
			Severity:    f.Severity,
			Description: f.Description,
		})
		switch status {
		case "passed":
			doc.Summary.ControlsPassed++
		case "failed":
			doc.Summary.ControlsFailed++
		default:
			// skipped and unknown both count toward the skipped bucket so
			// controlsTested always equals passed + failed + skipped.
			doc.Summary.Skipped++
		}
		if f.Severity != "" {
			severity[f.Severity]++
			hasSeverity = true
		}
	}
	doc.Summary.ControlsTested = len(input.Findings)
	if hasSeverity {
		doc.Summary.SeverityDistribution = severity
	}
	if doc.Summary.ControlsTested > 0 {
		doc.Summary.OverallScore = math.Round(100 * float64(doc.Summary.ControlsPassed) / float64(doc.Summary.ControlsTested))
	}

	return doc, warnings, nil
}

// canonicalStatus folds the short wire forms (pass/fail/skip) into the
// canonical long forms; anything unrecognized becomes "unknown".
func canonicalStatus(s string) string {
	switch strings.ToLower(s) {
	case "pass", "passed":
		return "passed"
	case "fail", "failed":
		return "failed"
	case "skip", "skipped":
		return "skipped"
	default:
		return "unknown"
	}
}

func provenanceFromSource(source string) Provenance {
	if source == "" || source == "manual" {
		return Provenance{Source: "self"}
	}
	return Provenance{Source: source}
}
