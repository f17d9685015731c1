// Package adapter defines the boundary between tool-specific evidence
// formats and the generic finding shape pkg/evidence normalizes. Only the
// generic JSON adapter ships here; per-tool adapters live outside this
// module and are reachable only through the FormatAdapter interface.
package adapter

import (
	"encoding/json"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
	"github.com/corsairtrust/cpoe-core/pkg/evidence"
)

// FormatAdapter detects and normalizes one evidence wire format into the
// generic finding shape CPOEAssembler consumes.
type FormatAdapter interface {
	Detect(raw []byte) bool
	Normalize(raw []byte) (*evidence.RawFinding, error)
	Format() string
}

// GenericJSONAdapter handles the default, adapter-free shape: it detects
// any JSON object and normalizes a single {controlId, status,
// description?} finding. Whole documents are parsed by
// evidence.NormalizeGeneric, not by this adapter.
type GenericJSONAdapter struct{}

// Detect reports whether raw looks like a JSON object at all. It is the
// fallback adapter: callers should try more specific adapters first and
// fall back to this one.
func (GenericJSONAdapter) Detect(raw []byte) bool {
	trimmed := skipSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Normalize parses raw as a single control finding: {controlId, status,
// description?}. Callers normalizing a full document with multiple
// findings should use evidence.NormalizeGeneric directly instead; this
// method exists to satisfy the FormatAdapter contract for a single-finding
// input.
func (GenericJSONAdapter) Normalize(raw []byte) (*evidence.RawFinding, error) {
	var f evidence.RawFinding
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "decode generic json finding")
	}
	if f.ControlID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "finding missing controlId")
	}
	return &f, nil
}

// Format identifies this adapter in detectedFormat responses.
func (GenericJSONAdapter) Format() string { return "generic-json" }

func skipSpace(raw []byte) []byte {
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return raw[i:]
}

// Registry resolves the first adapter willing to handle raw, falling back
// to GenericJSONAdapter when nothing more specific matches.
type Registry struct {
	adapters []FormatAdapter
}

// NewRegistry builds a Registry trying extra (tool-specific) adapters
// before the generic fallback.
func NewRegistry(extra ...FormatAdapter) *Registry {
	r := &Registry{adapters: append([]FormatAdapter{}, extra...)}
	r.adapters = append(r.adapters, GenericJSONAdapter{})
	return r
}

// Detect returns the first adapter that claims raw.
func (r *Registry) Detect(raw []byte) FormatAdapter {
	for _, a := range r.adapters {
		if a.Detect(raw) {
			return a
		}
	}
	return GenericJSONAdapter{}
}
