// Package tprm is the third-party risk-management surface: a vendor
// registry whose assessments combine CPOE verification, freshness-staple
// evaluation, and the deterministic CRQ mapping into a single record, plus
// a dashboard aggregation over the latest assessment per vendor.
package tprm

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
	"github.com/corsairtrust/cpoe-core/pkg/crq"
	"github.com/corsairtrust/cpoe-core/pkg/envelope"
	"github.com/corsairtrust/cpoe-core/pkg/freshness"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
	"github.com/corsairtrust/cpoe-core/pkg/verifier"
)

// Vendor is a registered third party whose compliance posture is tracked
// through assessments.
type Vendor struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Domain       string    `json:"domain,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Assessment is the outcome of evaluating one CPOE (and optionally a
// freshness staple) submitted for a vendor.
type Assessment struct {
	ID           string            `json:"id"`
	VendorID     string            `json:"vendorId"`
	AssessedAt   time.Time         `json:"assessedAt"`
	Verification *verifier.Result  `json:"verification"`
	Risk         crq.Output        `json:"risk"`
	Freshness    *freshness.Result `json:"freshness,omitempty"`
}

// Store persists vendors and their assessments. Assessments for a vendor
// are kept in submission order; LatestAssessment returns the most recent.
type Store interface {
	PutVendor(ctx context.Context, v Vendor) error
	GetVendor(ctx context.Context, id string) (*Vendor, error)
	ListVendors(ctx context.Context) ([]Vendor, error)
	PutAssessment(ctx context.Context, a Assessment) error
	GetAssessment(ctx context.Context, id string) (*Assessment, error)
	LatestAssessment(ctx context.Context, vendorID string) (*Assessment, error)
}

// MemoryStore is the in-process Store used by the CLI and by tests.
type MemoryStore struct {
	mu          sync.Mutex
	vendors     []Vendor
	assessments map[string]Assessment
	byVendor    map[string][]string // vendorID -> assessment IDs, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string]Assessment),
		byVendor:    make(map[string][]string),
	}
}

func (s *MemoryStore) PutVendor(_ context.Context, v Vendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.vendors {
		if s.vendors[i].ID == v.ID {
			s.vendors[i] = v
			return nil
		}
	}
	s.vendors = append(s.vendors, v)
	return nil
}

func (s *MemoryStore) GetVendor(_ context.Context, id string) (*Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.vendors {
		if s.vendors[i].ID == id {
			v := s.vendors[i]
			return &v, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListVendors(_ context.Context) ([]Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Vendor, len(s.vendors))
	copy(out, s.vendors)
	return out, nil
}

func (s *MemoryStore) PutAssessment(_ context.Context, a Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.assessments[a.ID]; !seen {
		s.byVendor[a.VendorID] = append(s.byVendor[a.VendorID], a.ID)
	}
	s.assessments[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAssessment(_ context.Context, id string) (*Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assessments[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryStore) LatestAssessment(_ context.Context, vendorID string) (*Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byVendor[vendorID]
	if len(ids) == 0 {
		return nil, nil
	}
	a := s.assessments[ids[len(ids)-1]]
	return &a, nil
}

// Manager drives vendor registration and assessment. The verifier is the
// same DID:web verifier the /verify surface uses; tprm adds no trust logic
// of its own on top of it.
type Manager struct {
	store    Store
	verifier *verifier.Verifier
	now      func() time.Time
}

func New(store Store, v *verifier.Verifier, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, verifier: v, now: now}
}

// RegisterVendor adds a vendor to the registry.
func (m *Manager) RegisterVendor(ctx context.Context, name, domain string) (*Vendor, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.New(apperrors.KindValidation, "vendor name is required")
	}
	v := Vendor{
		ID:           uuid.NewString(),
		Name:         name,
		Domain:       domain,
		RegisteredAt: m.now().UTC(),
	}
	if err := m.store.PutVendor(ctx, v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Vendors lists registered vendors in registration order.
func (m *Manager) Vendors(ctx context.Context) ([]Vendor, error) {
	return m.store.ListVendors(ctx)
}

// AssessOptions carries the optional freshness staple accompanying a CPOE
// submission. StapleKeyJWK is the issuer's public JWK the staple is
// verified against; it is required whenever Staple is set because staple
// verification is local (no DID resolution round-trip).
type AssessOptions struct {
	Staple       string
	StapleKeyJWK []byte
}

// Assess verifies cpoeBytes for the given vendor, evaluates the optional
// freshness staple, derives the CRQ mapping from the verification result,
// and records the combined assessment. A CPOE that fails verification
// still produces an assessment — the failure is part of the vendor's risk
// picture, not an error.
func (m *Manager) Assess(ctx context.Context, vendorID string, cpoeBytes []byte, opts AssessOptions) (*Assessment, error) {
	vendor, err := m.store.GetVendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if vendor == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "vendor not found").WithDetails(vendorID)
	}

	result, err := m.verifier.Verify(ctx, cpoeBytes)
	if err != nil {
		return nil, err
	}

	assessment := Assessment{
		ID:           uuid.NewString(),
		VendorID:     vendorID,
		AssessedAt:   m.now().UTC(),
		Verification: result,
		Risk:         crq.ComputeMapping(crqInput(result, cpoeBytes)),
	}

	if opts.Staple != "" {
		pub, err := stapleKey(opts.StapleKeyJWK)
		if err != nil {
			return nil, err
		}
		fr := freshness.Verify(opts.Staple, pub)
		assessment.Freshness = &fr
	}

	if err := m.store.PutAssessment(ctx, assessment); err != nil {
		return nil, err
	}
	return &assessment, nil
}

func stapleKey(jwkJSON []byte) (ed25519.PublicKey, error) {
	if len(jwkJSON) == 0 {
		return nil, apperrors.New(apperrors.KindUsage, "a staple key JWK is required when a staple is supplied")
	}
	pub, err := keymanager.ImportJWK(jwkJSON)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "invalid staple key JWK")
	}
	return pub, nil
}

// crqInput projects a verification result into the CRQ mapper's input.
// Fields a CPOE does not carry stay at their zero values, which the mapper
// treats as the most conservative case.
func crqInput(result *verifier.Result, cpoeBytes []byte) crq.Input {
	in := crq.Input{Dimensions: result.Dimensions}

	if result.Provenance != nil {
		in.Source = result.Provenance.Source
	}
	if len(result.Summary) > 0 {
		var summary struct {
			OverallScore float64 `json:"overallScore"`
		}
		if json.Unmarshal(result.Summary, &summary) == nil {
			in.OverallScore = summary.OverallScore
		}
	}
	if len(result.Assurance) > 0 {
		var assurance struct {
			Declared int    `json:"declared"`
			Method   string `json:"method"`
		}
		if json.Unmarshal(result.Assurance, &assurance) == nil {
			in.DeclaredLevel = assurance.Declared
			in.Method = assurance.Method
		}
	}

	token := strings.SplitN(strings.TrimSpace(string(cpoeBytes)), "~", 2)[0]
	if decoded, err := envelope.Decode(token); err == nil {
		if iat, ok := decoded.Payload["iat"].(float64); ok {
			in.IssuedAt = time.Unix(int64(iat), 0).UTC()
		}
	}
	return in
}

// GetAssessment fetches one assessment by id.
func (m *Manager) GetAssessment(ctx context.Context, id string) (*Assessment, error) {
	a, err := m.store.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "assessment not found").WithDetails(id)
	}
	return a, nil
}

// Dashboard aggregates the latest assessment of every vendor.
type Dashboard struct {
	Vendors              int            `json:"vendors"`
	Assessed             int            `json:"assessed"`
	TierCounts           map[string]int `json:"tierCounts"`
	AverageEffectiveness float64        `json:"averageEffectiveness"`
	AlertsActive         int            `json:"alertsActive"`
	StaleVendors         []string       `json:"staleVendors,omitempty"`
}

// BuildDashboard walks every vendor's latest assessment. A vendor is
// stale when its staple is not fresh or its evidence has fully decayed.
func (m *Manager) BuildDashboard(ctx context.Context) (*Dashboard, error) {
	vendors, err := m.store.ListVendors(ctx)
	if err != nil {
		return nil, err
	}

	dash := &Dashboard{
		Vendors:    len(vendors),
		TierCounts: make(map[string]int),
	}

	effectivenessSum := 0.0
	for _, v := range vendors {
		latest, err := m.store.LatestAssessment(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			continue
		}
		dash.Assessed++
		dash.TierCounts[latest.Verification.IssuerTier]++
		effectivenessSum += latest.Risk.FairMapping.ControlEffectiveness

		stale := latest.Risk.FreshnessDecay == 0
		if latest.Freshness != nil {
			if latest.Freshness.AlertsActive {
				dash.AlertsActive++
			}
			if !latest.Freshness.Fresh {
				stale = true
			}
		}
		if stale {
			dash.StaleVendors = append(dash.StaleVendors, v.ID)
		}
	}

	if dash.Assessed > 0 {
		dash.AverageEffectiveness = math.Round(effectivenessSum/float64(dash.Assessed)*100) / 100
	}
	return dash, nil
}
