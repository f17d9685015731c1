// Package certification implements the continuous-certification state
// machine: certifications transition along a fixed set of allowed edges,
// drift between audits is detected and scored, and grace-period/
// expiring/suspended queries support the compliance dashboard.
package certification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// Status is a certification's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusWarning   Status = "warning"
	StatusDegraded  Status = "degraded"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// allowedTransitions lists, for each status, the statuses it may move to
// directly. revoked has no outgoing edges: it is absorbing.
var allowedTransitions = map[Status]map[Status]bool{
	StatusActive:    {StatusWarning: true, StatusDegraded: true, StatusSuspended: true, StatusRevoked: true},
	StatusWarning:   {StatusActive: true, StatusDegraded: true, StatusSuspended: true, StatusRevoked: true},
	StatusDegraded:  {StatusActive: true, StatusSuspended: true, StatusExpired: true, StatusRevoked: true},
	StatusSuspended: {StatusActive: true, StatusRevoked: true},
	StatusExpired:   {StatusActive: true, StatusRevoked: true},
	StatusRevoked:   {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Finding is one control outcome within an audit result.
type Finding struct {
	ControlID string
	Status    string // "pass" | "fail" | "skip"
}

// AuditResult is the outcome of runAudit fed into the certification
// engine; it is the only input the engine needs from the audit pipeline.
type AuditResult struct {
	Score       float64
	Grade       string
	Findings    []Finding
	PerformedAt time.Time
}

// CertificationPolicy configures how a certification behaves: its
// thresholds, cadence, and auto-transition rules.
type CertificationPolicy struct {
	ID                string
	Name              string
	Scope             string
	MinimumScore      float64
	WarningThreshold  float64
	AuditIntervalDays int
	FreshnessMaxDays  int
	GracePeriodDays   int
	AutoRenew         bool
	AutoSuspend       bool
	NotifyOnChange    bool
}

// StatusHistoryEntry is one recorded transition or score update.
type StatusHistoryEntry struct {
	Status Status
	Reason string
	Score  *float64
	At     time.Time
}

// Certification tracks one organization's ongoing compliance state under
// a policy.
type Certification struct {
	ID               string
	OrgID            string
	PolicyID         string
	Status           Status
	CurrentScore     float64
	CurrentGrade     string
	LastAuditResult  AuditResult
	CertifiedSince   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	NextAuditAt      time.Time
	ExpiresAt        *time.Time
	SuspendedAt      *time.Time
	StatusChangedAt  time.Time
	StatusHistory    []StatusHistoryEntry
}

// Store persists certifications. Updates to one certification must never
// affect another (multi-org isolation).
type Store interface {
	Put(ctx context.Context, c Certification) error
	Get(ctx context.Context, id string) (*Certification, error)
	List(ctx context.Context, orgID string) ([]Certification, error)
}

// PolicyStore persists certification policies.
type PolicyStore interface {
	Put(ctx context.Context, p CertificationPolicy) error
	Get(ctx context.Context, id string) (*CertificationPolicy, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu    sync.Mutex
	certs map[string]Certification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: make(map[string]Certification)}
}

func (s *MemoryStore) Put(_ context.Context, c Certification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Certification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "certification not found").WithDetails(id)
	}
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context, orgID string) ([]Certification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Certification
	for _, c := range s.certs {
		if orgID == "" || c.OrgID == orgID {
			out = append(out, c)
		}
	}
	return out, nil
}

// MemoryPolicyStore is an in-memory PolicyStore for tests and local
// development.
type MemoryPolicyStore struct {
	mu       sync.Mutex
	policies map[string]CertificationPolicy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]CertificationPolicy)}
}

func (s *MemoryPolicyStore) Put(_ context.Context, p CertificationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) Get(_ context.Context, id string) (*CertificationPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "certification policy not found").WithDetails(id)
	}
	return &p, nil
}

// Engine runs the certification state machine. Store/PolicyStore/clock are
// injected so tests can run deterministically without a real database or
// wall clock.
type Engine struct {
	store    Store
	policies PolicyStore
	now      func() time.Time

	// mu serializes mutations to a single certification's lifecycle.
	// Store implementations are expected to be safe for concurrent use
	// across different certifications; this mutex only protects the
	// read-modify-write sequence within one engine call.
	mu sync.Mutex

	onStatusChange func(cert *Certification, from, to Status)
}

// OnStatusChange registers fn to run after every committed status
// transition (notification fan-out, e.g. SSF delivery). fn runs with the
// engine's mutation lock held, so it must not call back into the engine.
func (e *Engine) OnStatusChange(fn func(cert *Certification, from, to Status)) {
	e.onStatusChange = fn
}

// New builds an Engine. If now is nil, time.Now is used.
func New(store Store, policies PolicyStore, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, policies: policies, now: now}
}

// Create establishes a new certification for orgID under policyID, with
// status derived from the initial audit's score.
func (e *Engine) Create(ctx context.Context, orgID, policyID string, audit AuditResult) (*Certification, error) {
	policy, err := e.policies.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	status := initialStatus(audit.Score, *policy)

	cert := Certification{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		PolicyID:        policyID,
		Status:          status,
		CurrentScore:    audit.Score,
		CurrentGrade:    audit.Grade,
		LastAuditResult: audit,
		CreatedAt:       now,
		UpdatedAt:       now,
		NextAuditAt:     now.AddDate(0, 0, policy.AuditIntervalDays),
		StatusChangedAt: now,
	}
	expiresAt := now.AddDate(0, 0, policy.AuditIntervalDays+policy.GracePeriodDays)
	cert.ExpiresAt = &expiresAt
	if status == StatusActive {
		cert.CertifiedSince = &now
	}
	cert.StatusHistory = append(cert.StatusHistory, StatusHistoryEntry{
		Status: status,
		Reason: "initial certification",
		Score:  &audit.Score,
		At:     now,
	})

	if err := e.store.Put(ctx, cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

func initialStatus(score float64, policy CertificationPolicy) Status {
	switch {
	case score < policy.MinimumScore:
		return StatusDegraded
	case score < policy.WarningThreshold:
		return StatusWarning
	default:
		return StatusActive
	}
}

// UpdateStatus attempts to transition id to newStatus. Disallowed edges
// (including any edge out of revoked) return (nil, nil): no error, no
// change, matching the state machine's "returns null" contract.
func (e *Engine) UpdateStatus(ctx context.Context, id string, newStatus Status, reason string) (*Certification, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cert, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if cert.Status == newStatus {
		return cert, nil
	}
	if !CanTransition(cert.Status, newStatus) {
		return nil, nil
	}

	now := e.now().UTC()
	from := cert.Status
	e.applyTransition(cert, newStatus, reason, nil, now)

	if err := e.store.Put(ctx, *cert); err != nil {
		return nil, err
	}
	if e.onStatusChange != nil {
		e.onStatusChange(cert, from, newStatus)
	}
	return cert, nil
}

// applyTransition mutates cert in place to reflect a status change,
// recording history and the certifiedSince/suspendedAt side effects.
func (e *Engine) applyTransition(cert *Certification, newStatus Status, reason string, score *float64, now time.Time) {
	cert.Status = newStatus
	cert.UpdatedAt = now
	cert.StatusChangedAt = now

	switch newStatus {
	case StatusActive:
		if cert.CertifiedSince == nil {
			cert.CertifiedSince = &now
		}
		cert.SuspendedAt = nil
	case StatusSuspended:
		cert.SuspendedAt = &now
	}

	cert.StatusHistory = append(cert.StatusHistory, StatusHistoryEntry{
		Status: newStatus,
		Reason: reason,
		Score:  score,
		At:     now,
	})
}

// DriftRecommendation is the engine's suggested response to an audit
// delta.
type DriftRecommendation string

const (
	RecommendationMonitor    DriftRecommendation = "monitor"
	RecommendationInvestigate DriftRecommendation = "investigate"
	RecommendationSuspend    DriftRecommendation = "suspend"
)

// DriftResult is the outcome of comparing a new audit to the last one on
// record.
type DriftResult struct {
	ScoreDelta        float64
	DegradedControls  []Finding
	Recommendation    DriftRecommendation
}

// DetectDrift compares newAudit against id's last recorded audit result,
// without mutating the certification.
func (e *Engine) DetectDrift(ctx context.Context, id string, newAudit AuditResult) (*DriftResult, error) {
	cert, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := e.policies.Get(ctx, cert.PolicyID)
	if err != nil {
		return nil, err
	}
	return detectDrift(cert.LastAuditResult, newAudit, *policy), nil
}

func detectDrift(previous, next AuditResult, policy CertificationPolicy) *DriftResult {
	delta := next.Score - previous.Score

	previousControls := make(map[string]bool, len(previous.Findings))
	for _, f := range previous.Findings {
		previousControls[f.ControlID] = true
	}

	var degraded []Finding
	for _, f := range next.Findings {
		if previousControls[f.ControlID] {
			continue
		}
		if f.Status == "fail" {
			degraded = append(degraded, f)
		}
	}

	var recommendation DriftRecommendation
	switch {
	case next.Score < policy.MinimumScore:
		recommendation = RecommendationSuspend
	case delta >= 10 || delta <= -10:
		recommendation = RecommendationInvestigate
	default:
		recommendation = RecommendationMonitor
	}

	return &DriftResult{ScoreDelta: delta, DegradedControls: degraded, Recommendation: recommendation}
}

// RenewCertification records a new audit result against id, runs drift
// detection, applies the auto-suspend policy or else reassesses status
// from the new score, and advances nextAuditAt/expiresAt.
func (e *Engine) RenewCertification(ctx context.Context, id string, newAudit AuditResult) (*Certification, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cert, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := e.policies.Get(ctx, cert.PolicyID)
	if err != nil {
		return nil, err
	}

	drift := detectDrift(cert.LastAuditResult, newAudit, *policy)

	now := e.now().UTC()
	from := cert.Status
	cert.LastAuditResult = newAudit
	cert.CurrentScore = newAudit.Score
	cert.CurrentGrade = newAudit.Grade
	cert.UpdatedAt = now

	if drift.Recommendation == RecommendationSuspend && policy.AutoSuspend {
		if CanTransition(cert.Status, StatusSuspended) {
			e.applyTransition(cert, StatusSuspended, "auto-suspended on drift", &newAudit.Score, now)
		}
	} else {
		target := initialStatus(newAudit.Score, *policy)
		if target != cert.Status && CanTransition(cert.Status, target) {
			e.applyTransition(cert, target, "reassessed on renewal", &newAudit.Score, now)
		}
	}

	cert.NextAuditAt = now.AddDate(0, 0, policy.AuditIntervalDays)
	expiresAt := now.AddDate(0, 0, policy.AuditIntervalDays+policy.GracePeriodDays)
	cert.ExpiresAt = &expiresAt

	if err := e.store.Put(ctx, *cert); err != nil {
		return nil, err
	}
	if e.onStatusChange != nil && cert.Status != from {
		e.onStatusChange(cert, from, cert.Status)
	}
	return cert, nil
}

// CertificationCheck is the result of CheckCertification: the current
// certification plus whether its grace period (if degraded) has expired.
type CertificationCheck struct {
	Certification       Certification
	GracePeriodExpired   bool
}

// CheckCertification reports id's current state and whether, if it is
// currently degraded, the policy's grace period has elapsed since it
// entered that status.
func (e *Engine) CheckCertification(ctx context.Context, id string) (*CertificationCheck, error) {
	cert, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := e.policies.Get(ctx, cert.PolicyID)
	if err != nil {
		return nil, err
	}

	expired := false
	if cert.Status == StatusDegraded {
		elapsed := e.now().UTC().Sub(cert.StatusChangedAt)
		expired = elapsed >= time.Duration(policy.GracePeriodDays)*24*time.Hour
	}

	return &CertificationCheck{Certification: *cert, GracePeriodExpired: expired}, nil
}

// GetExpiringCertifications returns every certification whose expiresAt
// falls within withinDays of now.
func (e *Engine) GetExpiringCertifications(ctx context.Context, withinDays int) ([]Certification, error) {
	all, err := e.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	cutoff := e.now().UTC().AddDate(0, 0, withinDays)

	var out []Certification
	for _, c := range all {
		if c.ExpiresAt != nil && !c.ExpiresAt.After(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetSuspendedCertifications returns every certification currently in
// suspended status.
func (e *Engine) GetSuspendedCertifications(ctx context.Context) ([]Certification, error) {
	all, err := e.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []Certification
	for _, c := range all {
		if c.Status == StatusSuspended {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListCertifications returns every certification, optionally filtered to
// a single organization. Multi-org isolation is guaranteed by the Store:
// updates to one certification never affect another's record.
func (e *Engine) ListCertifications(ctx context.Context, orgID string) ([]Certification, error) {
	return e.store.List(ctx, orgID)
}
