package verifier

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
)

// LegacyEnvelope is the pre-JWT CPOE wire form: the credential payload
// alongside a detached base64 Ed25519 signature over its exact JSON
// serialization, with the signer's public JWK riding along.
type LegacyEnvelope struct {
	Payload      json.RawMessage `json:"payload"`
	Signature    string          `json:"signature"`
	PublicKeyJwk json.RawMessage `json:"publicKeyJwk,omitempty"`
}

// VerifyLegacyJSON verifies a legacy JSON-envelope CPOE. This is an
// opt-in compatibility mode and is never reached from the default HTTP
// path, which only speaks vc+jwt. publicKey overrides the envelope's
// embedded JWK when non-nil; with neither present verification fails.
// Like Verify, it reports failures in the Result rather than erroring.
func VerifyLegacyJSON(raw []byte, publicKey ed25519.PublicKey) *Result {
	var env LegacyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Result{Reason: "malformed: not a JSON envelope", IssuerTier: TierUnverifiable}
	}
	if len(env.Payload) == 0 || env.Signature == "" {
		return &Result{Reason: "malformed: envelope missing payload or signature", IssuerTier: TierUnverifiable}
	}

	if publicKey == nil {
		if len(env.PublicKeyJwk) == 0 {
			return &Result{Reason: "signature_invalid: no public key available", IssuerTier: TierUnverifiable}
		}
		imported, err := keymanager.ImportJWK(env.PublicKeyJwk)
		if err != nil {
			return &Result{Reason: "signature_invalid: bad embedded jwk", IssuerTier: TierUnverifiable}
		}
		publicKey = imported
	}

	// An embedded key proves integrity, not issuer identity, so the tier
	// never rises above self-signed here.
	result := &Result{IssuerTier: TierSelfSigned}

	if !keymanager.Verify(env.Payload, env.Signature, publicKey) {
		result.Reason = "signature_invalid"
		return result
	}

	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		result.Reason = "malformed: payload is not a JSON object"
		return result
	}
	if issuer, ok := payload["iss"].(string); ok {
		result.Issuer = issuer
	}
	populateSubjectFields(result, payload)

	result.Valid = true
	result.Reason = "ok"
	return result
}
