package tprm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
	"github.com/corsairtrust/cpoe-core/pkg/envelope"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
	"github.com/corsairtrust/cpoe-core/pkg/verifier"
)

func startDIDServer(t *testing.T, publicKey ed25519.PublicKey) *httptest.Server {
	t.Helper()
	jwkJSON, err := keymanager.ExportJWK(publicKey)
	if err != nil {
		t.Fatalf("export jwk: %v", err)
	}
	var jwk map[string]any
	if err := json.Unmarshal(jwkJSON, &jwk); err != nil {
		t.Fatalf("unmarshal jwk: %v", err)
	}

	return httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/did.json" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "did:web:vendor.example",
			"verificationMethod": []map[string]any{
				{"id": "did:web:vendor.example#key-1", "type": "JsonWebKey2020", "publicKeyJwk": jwk},
			},
		})
	}))
}

func issueToken(t *testing.T, priv ed25519.PrivateKey, issuerDID string) string {
	t.Helper()
	now := time.Now()
	header := envelope.Header{Alg: "EdDSA", Typ: "vc+jwt", Kid: issuerDID + "#key-1"}
	payload := map[string]any{
		"iss": issuerDID,
		"sub": "mq_1",
		"iat": now.Unix(),
		"exp": now.Add(24 * time.Hour).Unix(),
		"vc": map[string]any{
			"credentialSubject": map[string]any{
				"type":       "CorsairCPOE",
				"scope":      "prod",
				"provenance": map[string]any{"source": "auditor"},
				"summary": map[string]any{
					"controlsTested": 11,
					"controlsPassed": 10,
					"controlsFailed": 1,
					"overallScore":   91,
				},
				"assurance": map[string]any{"declared": 1, "verified": true, "method": "evidence-backed"},
			},
		},
	}
	token, err := envelope.Sign(header, payload, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func testManager(t *testing.T, pub ed25519.PublicKey) (*Manager, func()) {
	t.Helper()
	srv := startDIDServer(t, pub)
	v := verifier.New(nil).WithHTTPClient(srv.Client())
	return New(NewMemoryStore(), v, time.Now), srv.Close
}

func vendorDID(srv string) string {
	return "did:web:" + strings.TrimPrefix(srv, "https://")
}

func TestRegisterVendorRequiresName(t *testing.T) {
	m := New(NewMemoryStore(), verifier.New(nil), nil)
	_, err := m.RegisterVendor(context.Background(), "  ", "")
	ae, ok := apperrors.As(err)
	if !ok || ae.Kind != apperrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegisterAndListVendors(t *testing.T) {
	m := New(NewMemoryStore(), verifier.New(nil), nil)
	ctx := context.Background()

	first, err := m.RegisterVendor(ctx, "Acme", "acme.example")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.RegisterVendor(ctx, "Globex", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	vendors, err := m.Vendors(ctx)
	if err != nil {
		t.Fatalf("vendors: %v", err)
	}
	if len(vendors) != 2 || vendors[0].ID != first.ID {
		t.Fatalf("expected registration order preserved, got %+v", vendors)
	}
}

func TestAssessUnknownVendor(t *testing.T) {
	m := New(NewMemoryStore(), verifier.New(nil), nil)
	_, err := m.Assess(context.Background(), "nope", []byte("x.y.z"), AssessOptions{})
	ae, ok := apperrors.As(err)
	if !ok || ae.Kind != apperrors.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestAssessDerivesRiskFromVerifiedCPOE(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	srv := startDIDServer(t, pub)
	defer srv.Close()

	v := verifier.New(nil).WithHTTPClient(srv.Client())
	m := New(NewMemoryStore(), v, time.Now)
	ctx := context.Background()

	vendor, err := m.RegisterVendor(ctx, "Acme", "acme.example")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token := issueToken(t, priv, vendorDID(srv.URL))

	// Staple signed with the same issuer key; its JWK rides along so
	// verification stays local.
	stapleHeader := envelope.Header{Alg: "EdDSA", Typ: "freshness+jwt", Kid: vendorDID(srv.URL) + "#key-1"}
	staple, err := envelope.Sign(stapleHeader, map[string]any{
		"iss":          vendorDID(srv.URL),
		"iat":          time.Now().Unix(),
		"exp":          time.Now().Add(time.Hour).Unix(),
		"checkedAt":    time.Now().UTC().Format(time.RFC3339),
		"alertsActive": false,
	}, priv)
	if err != nil {
		t.Fatalf("sign staple: %v", err)
	}
	jwkJSON, _ := keymanager.ExportJWK(pub)

	a, err := m.Assess(ctx, vendor.ID, []byte(token), AssessOptions{Staple: staple, StapleKeyJWK: jwkJSON})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}

	if !a.Verification.Valid {
		t.Fatalf("expected valid verification, got reason %q", a.Verification.Reason)
	}
	if a.Risk.BetaPert.Shape != 4 {
		t.Errorf("betaPert.shape = %d, want 4", a.Risk.BetaPert.Shape)
	}
	if a.Risk.FairMapping.ResistanceStrength != "low" {
		t.Errorf("resistanceStrength = %q, want low", a.Risk.FairMapping.ResistanceStrength)
	}
	if a.Risk.FairMapping.ControlEffectiveness != 0.91 {
		t.Errorf("controlEffectiveness = %v, want 0.91", a.Risk.FairMapping.ControlEffectiveness)
	}
	if a.Risk.FairMapping.ControlFunction != "loss-event" {
		t.Errorf("controlFunction = %q, want loss-event", a.Risk.FairMapping.ControlFunction)
	}
	if a.Risk.ProvenanceModifier != 1.25 {
		t.Errorf("provenanceModifier = %v, want 1.25", a.Risk.ProvenanceModifier)
	}
	if a.Risk.FreshnessDecay != 1.0 {
		t.Errorf("freshnessDecay = %v, want 1.0", a.Risk.FreshnessDecay)
	}
	if a.Risk.DimensionConfidence != 0.5 {
		t.Errorf("dimensionConfidence = %v, want 0.5", a.Risk.DimensionConfidence)
	}
	if a.Freshness == nil || !a.Freshness.Fresh {
		t.Fatalf("expected a fresh staple result, got %+v", a.Freshness)
	}

	got, err := m.GetAssessment(ctx, a.ID)
	if err != nil || got.ID != a.ID {
		t.Fatalf("GetAssessment: %v", err)
	}
}

func TestAssessWithStapleRequiresKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	m, closeSrv := testManager(t, pub)
	defer closeSrv()

	vendor, err := m.RegisterVendor(context.Background(), "Acme", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = m.Assess(context.Background(), vendor.ID, []byte("x.y.z"), AssessOptions{Staple: "a.b.c"})
	ae, ok := apperrors.As(err)
	if !ok || ae.Kind != apperrors.KindUsage {
		t.Fatalf("expected usage error for missing staple key, got %v", err)
	}
}

func TestDashboardAggregatesLatestAssessments(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	srv := startDIDServer(t, pub)
	defer srv.Close()

	v := verifier.New(nil).WithHTTPClient(srv.Client())
	m := New(NewMemoryStore(), v, time.Now)
	ctx := context.Background()

	assessed, err := m.RegisterVendor(ctx, "Acme", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.RegisterVendor(ctx, "Globex", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	token := issueToken(t, priv, vendorDID(srv.URL))
	if _, err := m.Assess(ctx, assessed.ID, []byte(token), AssessOptions{}); err != nil {
		t.Fatalf("assess: %v", err)
	}

	dash, err := m.BuildDashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.Vendors != 2 || dash.Assessed != 1 {
		t.Fatalf("vendors/assessed = %d/%d, want 2/1", dash.Vendors, dash.Assessed)
	}
	if dash.TierCounts[verifier.TierSelfSigned] != 1 {
		t.Errorf("tierCounts = %v, want one self-signed", dash.TierCounts)
	}
	if dash.AverageEffectiveness != 0.91 {
		t.Errorf("averageEffectiveness = %v, want 0.91", dash.AverageEffectiveness)
	}
	if len(dash.StaleVendors) != 0 {
		t.Errorf("staleVendors = %v, want none for fresh evidence", dash.StaleVendors)
	}
}
