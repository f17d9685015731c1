// Package cpoe assembles a CPOECredentialSubject from a normalized
// AssessmentDocument and renders it into a signed CPOE (Certificate of
// Proof of Operational Effectiveness) JWT-VC via pkg/envelope.
package cpoe

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
	"github.com/corsairtrust/cpoe-core/pkg/envelope"
	"github.com/corsairtrust/cpoe-core/pkg/evidence"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
)

const (
	vcContext      = "https://www.w3.org/2018/credentials/v1"
	credentialType = "CorsairCPOE"
	defaultExpiry  = 90 * 24 * time.Hour
)

// marqueSeq gives marqueId a monotonic component on top of its random
// suffix, so IDs minted in the same process sort by issuance order even
// if the clock doesn't advance between two calls.
var marqueSeq uint64

// Assurance is the optional assurance-level block, computed only when
// enrichment is requested.
type Assurance struct {
	Declared           int            `json:"declared"`
	Verified           bool           `json:"verified"`
	Method             string         `json:"method"`
	Breakdown          map[string]int `json:"breakdown"`
	Excluded           []string       `json:"excluded,omitempty"`
	RuleTrace          []string       `json:"ruleTrace,omitempty"`
	CalculationVersion string         `json:"calculationVersion,omitempty"`
}

// ProcessProvenance is the optional in-toto-flavored attestation chain
// summary, computed only when enrichment is requested.
type ProcessProvenance struct {
	ChainDigest       string   `json:"chainDigest"`
	ReceiptCount      int      `json:"receiptCount"`
	ChainVerified     bool     `json:"chainVerified"`
	Format            string   `json:"format"`
	ReproducibleSteps int      `json:"reproducibleSteps"`
	AttestedSteps     int      `json:"attestedSteps"`
	SCITTEntryIDs     []string `json:"scittEntryIds,omitempty"`
}

// CredentialSubject is the `credentialSubject` payload of a CPOE.
type CredentialSubject struct {
	Type              string              `json:"type"`
	Scope             string              `json:"scope"`
	Provenance        evidence.Provenance `json:"provenance"`
	Summary           evidence.Summary    `json:"summary"`
	Frameworks        []string            `json:"frameworks,omitempty"`
	Assurance         *Assurance          `json:"assurance,omitempty"`
	Dimensions        map[string]float64  `json:"dimensions,omitempty"`
	EvidenceTypes     []string            `json:"evidenceTypes,omitempty"`
	ObservationPeriod string              `json:"observationPeriod,omitempty"`
	ProcessProvenance *ProcessProvenance  `json:"processProvenance,omitempty"`
}

// Options controls per-call CPOE assembly overrides.
type Options struct {
	DID           string // issuer DID; required
	Scope         string // overrides doc-derived scope when non-empty
	ExpiryDays    float64
	Enrich        bool
	SCITTEntryIDs []string // carried into ProcessProvenance when Enrich is set
}

// Result is everything a /issue call needs to respond with.
type Result struct {
	CPOE           string
	MarqueID       string
	DetectedFormat string
	Summary        evidence.Summary
	Provenance     evidence.Provenance
	Warnings       []evidence.Warning
	ExpiresAt      time.Time
}

// dimensionNames are the 7 fixed compliance dimensions scored during
// enrichment.
var dimensionNames = [7]string{
	"governance",
	"access-control",
	"data-protection",
	"incident-response",
	"resilience",
	"monitoring",
	"vendor-management",
}

// Assembler turns AssessmentDocuments into signed CPOEs.
type Assembler struct {
	keys *keymanager.Manager
}

// NewAssembler builds an Assembler backed by keys for signing.
func NewAssembler(keys *keymanager.Manager) *Assembler {
	return &Assembler{keys: keys}
}

// Assemble builds the CredentialSubject for doc, wraps it in a
// W3C Verifiable Credential payload, and signs it as a compact JWT-VC.
func (a *Assembler) Assemble(ctx context.Context, doc *evidence.AssessmentDocument, opts Options) (*Result, error) {
	if opts.DID == "" {
		return nil, apperrors.New(apperrors.KindUsage, "did is required to assemble a cpoe")
	}

	scope := doc.Scope
	if opts.Scope != "" {
		scope = opts.Scope
	}

	expiry := defaultExpiry
	if opts.ExpiryDays != 0 {
		expiry = time.Duration(opts.ExpiryDays * float64(24*time.Hour))
	}

	subject := CredentialSubject{
		Type:       credentialType,
		Scope:      scope,
		Provenance: doc.Provenance,
		Summary:    doc.Summary,
	}
	subject.EvidenceTypes = evidenceTypes(doc)

	if opts.Enrich {
		subject.Assurance = computeAssurance(doc)
		dims := computeDimensions(doc)
		subject.Dimensions = dims
		subject.ProcessProvenance = computeProcessProvenance(doc, opts.SCITTEntryIDs)
	}

	marqueID := NewMarqueID()
	now := time.Now().UTC()
	exp := now.Add(expiry)

	vc := map[string]any{
		"@context":      []string{vcContext},
		"type":          []string{"VerifiableCredential", credentialType},
		"issuer":        opts.DID,
		"validFrom":     now.Format(time.RFC3339),
		"validUntil":    exp.Format(time.RFC3339),
		"credentialSubject": subject,
	}

	payload := map[string]any{
		"iss":    opts.DID,
		"sub":    marqueID,
		"iat":    now.Unix(),
		"exp":    exp.Unix(),
		"jti":    marqueID,
		"parley": scope,
		"vc":     vc,
	}

	active, err := a.keys.LoadKeypair(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, apperrors.New(apperrors.KindCrypto, "no active signing key available")
	}

	header := envelope.Header{Alg: "EdDSA", Typ: "vc+jwt", Kid: opts.DID + "#key-1"}
	jwtToken, err := envelope.Sign(header, payload, active.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &Result{
		CPOE:           jwtToken,
		MarqueID:       marqueID,
		DetectedFormat: doc.Format,
		Summary:        doc.Summary,
		Provenance:     doc.Provenance,
		Warnings:       nil,
		ExpiresAt:      exp,
	}, nil
}

// NewMarqueID returns a unique identifier combining a monotonic counter
// with a random UUID suffix, per the marqueId generation rule.
func NewMarqueID() string {
	seq := atomic.AddUint64(&marqueSeq, 1)
	return fmt.Sprintf("mq_%d_%s", seq, uuid.NewString())
}

func evidenceTypes(doc *evidence.AssessmentDocument) []string {
	seen := map[string]bool{}
	var types []string
	for _, c := range doc.Controls {
		if c.Severity == "" {
			continue
		}
		if !seen[c.Severity] {
			seen[c.Severity] = true
			types = append(types, c.Severity)
		}
	}
	return types
}

// computeAssurance derives a declared assurance level from the overall
// score via a documented, fixed rule trace. This is intentionally simple:
// it is a default rule set, not a replacement for an external assessor's
// own declared level.
func computeAssurance(doc *evidence.AssessmentDocument) *Assurance {
	score := doc.Summary.OverallScore
	var declared int
	var trace []string
	switch {
	case score >= 95:
		declared = 4
		trace = append(trace, "overallScore >= 95 -> declared 4")
	case score >= 85:
		declared = 3
		trace = append(trace, "overallScore >= 85 -> declared 3")
	case score >= 70:
		declared = 2
		trace = append(trace, "overallScore >= 70 -> declared 2")
	case score >= 50:
		declared = 1
		trace = append(trace, "overallScore >= 50 -> declared 1")
	default:
		declared = 0
		trace = append(trace, "overallScore < 50 -> declared 0")
	}

	breakdown := map[string]int{
		"pass": doc.Summary.ControlsPassed,
		"fail": doc.Summary.ControlsFailed,
		"skip": doc.Summary.Skipped,
	}

	method := "self-attested"
	switch doc.Provenance.Source {
	case "auditor":
		method = "third-party-attested"
	case "tool":
		method = "continuous-observation"
	}

	return &Assurance{
		Declared:           declared,
		Verified:           doc.Provenance.Source == "auditor",
		Method:             method,
		Breakdown:          breakdown,
		RuleTrace:          trace,
		CalculationVersion: "v1",
	}
}

// computeDimensions scores the 7 fixed dimensions from the control set.
// Every dimension defaults to the document's overall pass ratio; this is
// a placeholder scoring rule until per-dimension control tagging exists.
func computeDimensions(doc *evidence.AssessmentDocument) map[string]float64 {
	ratio := 0.0
	if doc.Summary.ControlsTested > 0 {
		ratio = float64(doc.Summary.ControlsPassed) / float64(doc.Summary.ControlsTested)
	}
	ratio = math.Round(ratio*100) / 100

	dims := make(map[string]float64, len(dimensionNames))
	for _, name := range dimensionNames {
		dims[name] = ratio
	}
	return dims
}

func computeProcessProvenance(doc *evidence.AssessmentDocument, scittEntryIDs []string) *ProcessProvenance {
	return &ProcessProvenance{
		ChainDigest:       "",
		ReceiptCount:      len(scittEntryIDs),
		ChainVerified:     len(scittEntryIDs) > 0,
		Format:            "in-toto/v1+cose-sign1",
		ReproducibleSteps: 0,
		AttestedSteps:     len(scittEntryIDs),
		SCITTEntryIDs:     scittEntryIDs,
	}
}
