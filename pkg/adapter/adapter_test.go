package adapter

import (
	"testing"

	"github.com/corsairtrust/cpoe-core/pkg/evidence"
)

func TestGenericJSONAdapterDetect(t *testing.T) {
	a := GenericJSONAdapter{}
	if !a.Detect([]byte(`  {"controlId":"C1"}`)) {
		t.Fatal("expected a JSON object to be detected")
	}
	if a.Detect([]byte(`not json`)) {
		t.Fatal("expected non-object input to be rejected")
	}
	if a.Detect(nil) {
		t.Fatal("expected empty input to be rejected")
	}
}

func TestGenericJSONAdapterNormalize(t *testing.T) {
	a := GenericJSONAdapter{}
	f, err := a.Normalize([]byte(`{"controlId":"C1","status":"pass"}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if f.ControlID != "C1" || f.Status != "pass" {
		t.Fatalf("unexpected finding: %+v", f)
	}

	if _, err := a.Normalize([]byte(`{"status":"pass"}`)); err == nil {
		t.Fatal("expected error for missing controlId")
	}
}

type stubAdapter struct {
	name     string
	detected bool
}

func (s stubAdapter) Detect(raw []byte) bool { return s.detected }
func (s stubAdapter) Normalize(raw []byte) (*evidence.RawFinding, error) {
	return &evidence.RawFinding{ControlID: "stub"}, nil
}
func (s stubAdapter) Format() string { return s.name }

func TestRegistryFallsBackToGeneric(t *testing.T) {
	r := NewRegistry(stubAdapter{name: "stub", detected: false})
	got := r.Detect([]byte(`{"controlId":"C1"}`))
	if got.Format() != "generic-json" {
		t.Fatalf("Format() = %q, want generic-json", got.Format())
	}
}

func TestRegistryPrefersExtraAdapter(t *testing.T) {
	r := NewRegistry(stubAdapter{name: "stub", detected: true})
	got := r.Detect([]byte(`anything`))
	if got.Format() != "stub" {
		t.Fatalf("Format() = %q, want stub", got.Format())
	}
}
