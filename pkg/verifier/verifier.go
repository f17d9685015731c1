// Package verifier resolves a CPOE issuer's DID:web document, verifies
// the Ed25519 signature over the CPOE, and classifies issuer trust tier.
package verifier

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
	"github.com/corsairtrust/cpoe-core/pkg/cpoe"
	"github.com/corsairtrust/cpoe-core/pkg/envelope"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
)

const resolveTimeout = 10 * time.Second

// Issuer trust tiers, per the did:web trust classification rule.
const (
	TierCorsairVerified = "corsair-verified"
	TierSelfSigned      = "self-signed"
	TierUnverifiable    = "unverifiable"
)

// Result is the outcome of verifying a CPOE.
type Result struct {
	Valid             bool      `json:"valid"`
	Reason            string    `json:"reason,omitempty"`
	IssuerTier        string    `json:"issuerTier"`
	Expired           bool      `json:"expired"`
	ExpiresAt         time.Time `json:"expiresAt,omitempty"`
	Issuer            string    `json:"issuer,omitempty"`

	Scope             string             `json:"scope,omitempty"`
	Provenance        *cpoeProvenance    `json:"provenance,omitempty"`
	Summary           json.RawMessage    `json:"summary,omitempty"`
	EvidenceTypes     []string           `json:"evidenceTypes,omitempty"`
	ObservationPeriod string             `json:"observationPeriod,omitempty"`
	Frameworks        []string           `json:"frameworks,omitempty"`
	ProcessProvenance json.RawMessage    `json:"processProvenance,omitempty"`
	Assurance         json.RawMessage    `json:"assurance,omitempty"`
	Dimensions        map[string]float64 `json:"dimensions,omitempty"`
}

type cpoeProvenance struct {
	Source         string `json:"source"`
	SourceIdentity string `json:"sourceIdentity,omitempty"`
}

// didDocument is the minimal shape this verifier reads out of a
// did:web document: a single verification method carrying a JsonWebKey2020.
type didDocument struct {
	ID                 string               `json:"id"`
	VerificationMethod []didVerificationKey `json:"verificationMethod"`
}

type didVerificationKey struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	PublicKeyJwk map[string]any `json:"publicKeyJwk"`
}

// Verifier resolves issuer DID documents over HTTP and verifies CPOEs
// against them.
type Verifier struct {
	httpClient     *http.Client
	trustedDomains map[string]bool
}

// New builds a Verifier. trustedDomains lists the domains whose
// did:web issuers are classified corsair-verified rather than self-signed.
func New(trustedDomains []string) *Verifier {
	trusted := make(map[string]bool, len(trustedDomains))
	for _, d := range trustedDomains {
		trusted[strings.ToLower(d)] = true
	}
	return &Verifier{
		httpClient:     &http.Client{Timeout: resolveTimeout},
		trustedDomains: trusted,
	}
}

// WithHTTPClient overrides the client used for DID resolution. Embedders
// that terminate TLS themselves, and tests resolving against a local
// server, inject their client here.
func (v *Verifier) WithHTTPClient(c *http.Client) *Verifier {
	v.httpClient = c
	return v
}

// Verify checks cpoeBytes's signature, expiry, and issuer trust tier.
// It never returns an error for malformed or untrusted input — failures
// are reported in the returned Result's Valid/Reason fields instead.
// The returned error is reserved for infrastructure failures the caller
// must distinguish (network/timeout/server) per the typed-error contract.
func (v *Verifier) Verify(ctx context.Context, cpoeBytes []byte) (*Result, error) {
	token := strings.TrimSpace(string(cpoeBytes))
	// SD-JWT disclosures trail the compact JWT after a "~"; verification
	// operates on the JWT portion only.
	token = strings.SplitN(token, "~", 2)[0]

	if strings.Count(token, ".") != 2 {
		return &Result{Valid: false, Reason: "malformed: expected a 3-segment compact JWT"}, nil
	}

	decoded, err := envelope.Decode(token)
	if err != nil {
		return &Result{Valid: false, Reason: "malformed: " + err.Error()}, nil
	}
	if decoded.Header.Alg != "EdDSA" {
		return &Result{Valid: false, Reason: fmt.Sprintf("unsupported alg %q", decoded.Header.Alg)}, nil
	}

	issuer, _ := decoded.Payload["iss"].(string)
	result := &Result{Issuer: issuer}

	domain, err := domainFromDID(issuer)
	if err != nil {
		result.Reason = "signature_invalid: " + err.Error()
		result.IssuerTier = TierUnverifiable
		return result, nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	publicKey, err := v.resolvePublicKey(resolveCtx, domain)
	if err != nil {
		if appErr, ok := apperrors.As(err); ok && (appErr.Kind == apperrors.KindNetwork || appErr.Kind == apperrors.KindServerError) {
			return nil, err
		}
		result.Reason = "signature_invalid: issuer DID document could not be resolved"
		result.IssuerTier = TierUnverifiable
		return result, nil
	}

	if !envelope.Verify(token, publicKey) {
		result.Reason = "signature_invalid"
		result.IssuerTier = v.classifyTier(domain)
		return result, nil
	}

	result.IssuerTier = v.classifyTier(domain)

	if exp, ok := decoded.Payload["exp"].(float64); ok {
		result.ExpiresAt = time.Unix(int64(exp), 0).UTC()
		if time.Now().After(result.ExpiresAt) {
			result.Expired = true
			result.Reason = "expired"
		}
	}

	populateSubjectFields(result, decoded.Payload)

	result.Valid = !result.Expired
	if result.Valid {
		result.Reason = "ok"
	}
	return result, nil
}

func (v *Verifier) classifyTier(domain string) string {
	if v.trustedDomains[strings.ToLower(domain)] {
		return TierCorsairVerified
	}
	return TierSelfSigned
}

func domainFromDID(did string) (string, error) {
	const prefix = "did:web:"
	if !strings.HasPrefix(did, prefix) {
		return "", fmt.Errorf("issuer %q is not a did:web identifier", did)
	}
	encoded := strings.TrimPrefix(did, prefix)
	encoded = strings.SplitN(encoded, "#", 2)[0]
	domain, err := url.QueryUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid did:web encoding: %w", err)
	}
	return domain, nil
}

func (v *Verifier) resolvePublicKey(ctx context.Context, domain string) (ed25519.PublicKey, error) {
	reqURL := fmt.Sprintf("https://%s/.well-known/did.json", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNetwork, "build did resolution request")
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindNetwork, "did resolution timed out")
		}
		return nil, apperrors.Wrap(err, apperrors.KindNetwork, "did resolution request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.KindServerError, fmt.Sprintf("did resolution returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.KindNetwork, fmt.Sprintf("did resolution returned %d", resp.StatusCode))
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNetwork, "parse did document")
	}
	if len(doc.VerificationMethod) == 0 {
		return nil, apperrors.New(apperrors.KindNetwork, "did document has no verification methods")
	}

	jwkJSON, err := json.Marshal(doc.VerificationMethod[0].PublicKeyJwk)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNetwork, "marshal verification method jwk")
	}

	publicKey, err := keymanager.ImportJWK(jwkJSON)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNetwork, "import verification method jwk")
	}
	return publicKey, nil
}

func populateSubjectFields(result *Result, payload map[string]any) {
	vc, ok := payload["vc"].(map[string]any)
	if !ok {
		return
	}
	subjectRaw, ok := vc["credentialSubject"]
	if !ok {
		return
	}
	raw, err := json.Marshal(subjectRaw)
	if err != nil {
		return
	}
	var subject cpoe.CredentialSubject
	if err := json.Unmarshal(raw, &subject); err != nil {
		return
	}

	result.Scope = subject.Scope
	result.Provenance = &cpoeProvenance{Source: subject.Provenance.Source, SourceIdentity: subject.Provenance.Name}
	if summaryRaw, err := json.Marshal(subject.Summary); err == nil {
		result.Summary = summaryRaw
	}
	result.EvidenceTypes = subject.EvidenceTypes
	result.ObservationPeriod = subject.ObservationPeriod
	result.Frameworks = subject.Frameworks
	result.Dimensions = subject.Dimensions
	if subject.ProcessProvenance != nil {
		if b, err := json.Marshal(subject.ProcessProvenance); err == nil {
			result.ProcessProvenance = b
		}
	}
	if subject.Assurance != nil {
		if b, err := json.Marshal(subject.Assurance); err == nil {
			result.Assurance = b
		}
	}
}
