package verifier

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
)

func legacyEnvelope(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey, embedKey bool) []byte {
	t.Helper()
	payload := []byte(`{"iss":"did:web:legacy.example","vc":{"credentialSubject":{"type":"CorsairCPOE","scope":"soc2"}}}`)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))

	env := map[string]any{
		"payload":   json.RawMessage(payload),
		"signature": sig,
	}
	if embedKey {
		jwkJSON, err := keymanager.ExportJWK(pub)
		if err != nil {
			t.Fatalf("export jwk: %v", err)
		}
		env["publicKeyJwk"] = json.RawMessage(jwkJSON)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func TestVerifyLegacyJSONWithEmbeddedKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	result := VerifyLegacyJSON(legacyEnvelope(t, priv, pub, true), nil)
	if !result.Valid {
		t.Fatalf("expected valid, got reason %q", result.Reason)
	}
	if result.IssuerTier != TierSelfSigned {
		t.Errorf("tier = %q, want self-signed", result.IssuerTier)
	}
	if result.Scope != "soc2" {
		t.Errorf("scope = %q, want soc2", result.Scope)
	}
}

func TestVerifyLegacyJSONWithCallerKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	result := VerifyLegacyJSON(legacyEnvelope(t, priv, pub, false), pub)
	if !result.Valid {
		t.Fatalf("expected valid, got reason %q", result.Reason)
	}
}

func TestVerifyLegacyJSONRejectsTamperedPayload(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	raw := legacyEnvelope(t, priv, pub, true)

	var env LegacyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env.Payload = []byte(`{"iss":"did:web:attacker.example"}`)
	tampered, _ := json.Marshal(env)

	result := VerifyLegacyJSON(tampered, nil)
	if result.Valid {
		t.Fatal("expected tampered envelope to be invalid")
	}
	if result.Reason != "signature_invalid" {
		t.Errorf("reason = %q, want signature_invalid", result.Reason)
	}
}

func TestVerifyLegacyJSONMalformed(t *testing.T) {
	result := VerifyLegacyJSON([]byte("not json"), nil)
	if result.Valid {
		t.Fatal("expected malformed input to be invalid")
	}
	result = VerifyLegacyJSON([]byte(`{"payload":{}}`), nil)
	if result.Valid {
		t.Fatal("expected envelope without signature to be invalid")
	}
}
