package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corsairtrust/cpoe-core/pkg/cpoe"
	"github.com/corsairtrust/cpoe-core/pkg/evidence"
	"github.com/corsairtrust/cpoe-core/pkg/firestoremirror"
	"github.com/corsairtrust/cpoe-core/pkg/freshness"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
	"github.com/corsairtrust/cpoe-core/pkg/scitt"
	"github.com/corsairtrust/cpoe-core/pkg/ssfstream"
)

var serverStart = time.Now()

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	storeStatus := "connected"
	if s.keys != nil {
		if _, err := s.keys.LoadKeypair(ctx); err != nil {
			status = "degraded"
			storeStatus = "disconnected"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"store":         storeStatus,
		"uptimeSeconds": int64(time.Since(serverStart).Seconds()),
	})
}

func (s *Server) handleDIDDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	active, err := s.keys.LoadKeypair(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if active == nil {
		writeError(w, http.StatusNotFound, "not_found", "no active signing key")
		return
	}

	doc, err := keymanager.GenerateDIDDocument(s.cfg.Domain, active.PublicKey)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	active, err := s.keys.LoadKeypair(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if active == nil {
		writeError(w, http.StatusNotFound, "not_found", "no active signing key")
		return
	}

	jwkJSON, err := keymanager.ExportJWK(active.PublicKey)
	if err != nil {
		writeAppError(w, err)
		return
	}

	var jwk json.RawMessage = jwkJSON
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"keys": []json.RawMessage{jwk}})
}

func (s *Server) handleSSFConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	base := "https://" + s.cfg.Domain
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                  base,
		"jwks_uri":                                base + "/.well-known/jwks.json",
		"delivery_methods_supported":              []string{"urn:ietf:rfc:8935"},
		"configuration_endpoint":                  base + "/ssf/streams",
		"supported_events":                        []string{ssfstream.EventCertificationStatusChanged, ssfstream.EventFreshnessStale},
		"authorization_schemes":                   []map[string]string{{"spec_urn": "urn:ietf:rfc:6750"}},
	})
}

type verifyRequest struct {
	CPOE string `json:"cpoe"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}

	start := time.Now()
	result, err := s.verifier.Verify(r.Context(), []byte(req.CPOE))
	s.metrics.ObserveSignVerify("verify", time.Since(start))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type issueRequest struct {
	Evidence      json.RawMessage `json:"evidence"`
	Format        string          `json:"format,omitempty"`
	DID           string          `json:"did,omitempty"`
	Scope         string          `json:"scope,omitempty"`
	ExpiryDays    float64         `json:"expiryDays,omitempty"`
	Enrich        bool            `json:"enrich,omitempty"`
	DryRun        bool            `json:"dryRun,omitempty"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if len(req.Evidence) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "evidence is required")
		return
	}

	doc, warnings, err := evidence.NormalizeGeneric(req.Evidence)
	if err != nil {
		writeAppError(w, err)
		return
	}
	detectedFormat := s.adapters.Detect(req.Evidence).Format()

	did := req.DID
	if did == "" {
		did = "did:web:" + s.cfg.Domain
	}

	start := time.Now()
	result, err := s.assembler.Assemble(r.Context(), doc, cpoe.Options{
		DID:        did,
		Scope:      req.Scope,
		ExpiryDays: req.ExpiryDays,
		Enrich:     req.Enrich,
	})
	s.metrics.ObserveSignVerify("sign", time.Since(start))
	if err != nil {
		writeAppError(w, err)
		return
	}

	var entryID string
	if !req.DryRun && s.registry != nil {
		entry, err := s.registry.Append(r.Context(), []byte(result.CPOE))
		if err != nil {
			writeAppError(w, err)
			return
		}
		entryID = entry.EntryID
		s.anchorAndMirror(entry)
	}

	response := map[string]any{
		"cpoe":           result.CPOE,
		"marqueId":       result.MarqueID,
		"detectedFormat": detectedFormat,
		"summary":        result.Summary,
		"provenance":     result.Provenance,
		"expiresAt":      result.ExpiresAt,
	}
	if len(warnings) > 0 {
		response["warnings"] = warnings
	}
	if entryID != "" {
		response["extensions"] = map[string]string{"scittEntryId": entryID}
	}

	writeJSON(w, http.StatusCreated, response)
}

type freshnessRequest struct {
	TTLDays      *float64 `json:"ttlDays,omitempty"` // absent means the 7-day default; explicit <= 0 means already expired
	CheckedAt    string   `json:"checkedAt,omitempty"` // RFC3339; defaults to now
	AlertsActive bool     `json:"alertsActive"`
	StreamID     string   `json:"streamId,omitempty"`
	Score        *float64 `json:"score,omitempty"`
}

// handleFreshness staples a short-lived liveness proof for this issuer,
// signed with the active key.
func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	var req freshnessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}

	cfg := freshness.Config{
		DID:          "did:web:" + s.cfg.Domain,
		TTLDays:      req.TTLDays,
		AlertsActive: req.AlertsActive,
		StreamID:     req.StreamID,
		Score:        req.Score,
	}
	if req.CheckedAt != "" {
		checkedAt, err := time.Parse(time.RFC3339, req.CheckedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "checkedAt is not a valid RFC3339 date")
			return
		}
		cfg.CheckedAt = checkedAt
	}

	staple, err := freshness.Generate(r.Context(), s.keys, cfg)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"staple": staple})
}

func (s *Server) handleSCITTEntriesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "request body must carry the cpoe bytes")
		return
	}

	entry, err := s.registry.Append(r.Context(), body)
	if err != nil {
		writeAppError(w, err)
		return
	}

	s.anchorAndMirror(entry)

	writeJSON(w, http.StatusCreated, map[string]string{"entryId": entry.EntryID})
}

func (s *Server) handleSCITTEntryItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/scitt/entries/")
	wantsReceipt := strings.HasSuffix(rest, "/receipt")
	entryID := strings.TrimSuffix(rest, "/receipt")
	entryID = strings.Trim(entryID, "/")
	if entryID == "" {
		writeError(w, http.StatusBadRequest, "validation", "entry id is required")
		return
	}

	if wantsReceipt {
		receipt, err := s.registry.GetReceipt(r.Context(), entryID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		w.WriteHeader(http.StatusOK)
		w.Write(receipt)
		return
	}

	entry, err := s.registry.Get(r.Context(), entryID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSSFStreamsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		streams, err := s.streams.List(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
	case http.MethodPost:
		var in ssfstream.CreateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "malformed request body")
			return
		}
		stream, err := s.streams.Create(r.Context(), in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stream)
	default:
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
	}
}

func (s *Server) handleSSFStreamItem(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ssf/streams/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation", "stream id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		stream, err := s.streams.Get(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stream)
	case http.MethodPatch:
		var in ssfstream.UpdateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "malformed request body")
			return
		}
		stream, err := s.streams.Update(r.Context(), id, in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stream)
	case http.MethodDelete:
		if err := s.streams.Delete(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "usage", "method not allowed")
	}
}

// anchorAndMirror fans a freshly appended entry out to the optional
// external-anchoring and dashboard-mirroring side effects. Both are
// best-effort: nil collaborators (the common case, since both are
// disabled by default) make this a no-op.
func (s *Server) anchorAndMirror(entry *scitt.Entry) {
	if s.anchors != nil {
		var root [32]byte
		copy(root[:], entry.Root)
		s.anchors.Schedule(context.Background(), root, entry.TreeSize)
	}
	if s.mirror != nil {
		s.mirror.Append(context.Background(), firestoremirror.Entry{
			EntryID:     entry.EntryID,
			PayloadHash: hex.EncodeToString(entry.PayloadHash),
			TreeSize:    entry.TreeSize,
			LeafIndex:   entry.LeafIndex,
		})
	}
}
