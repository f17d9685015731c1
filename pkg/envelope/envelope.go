// Package envelope implements the CPOE wire format: a JWT-VC (`vc+jwt`)
// signed with Ed25519, with optional SD-JWT selective disclosure.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// Header is the JWT header carried by every CPOE: alg is always EdDSA,
// typ is "vc+jwt" (or "freshness+jwt" for staples), kid identifies the
// signing key as "<issuer-did>#key-1".
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Decoded is the result of decoding a JWT without verifying its signature.
type Decoded struct {
	Header  Header
	Payload map[string]any
	Raw     string // original compact serialization, proof segment stripped
}

// Sign builds a compact JWT: base64url(header).base64url(payload).base64url(sig),
// signing ASCII("header.payload") with Ed25519.
func Sign(header Header, payload map[string]any, privateKey ed25519.PrivateKey) (string, error) {
	claims := jwt.MapClaims(payload)
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["alg"] = header.Alg
	token.Header["typ"] = header.Typ
	token.Header["kid"] = header.Kid

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindCrypto, "sign envelope")
	}
	return signed, nil
}

// Decode splits a compact JWT into header and payload without verifying
// the signature.
func Decode(token string) (*Decoded, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, apperrors.New(apperrors.KindValidation, "malformed jwt: expected 3 segments")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "decode jwt header")
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "parse jwt header")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "decode jwt payload")
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "parse jwt payload")
	}

	return &Decoded{Header: header, Payload: payload, Raw: parts[0] + "." + parts[1]}, nil
}

// Verify reports whether token carries a valid Ed25519 signature under
// publicKey, rejecting any alg other than EdDSA. Never panics.
func Verify(token string, publicKey ed25519.PublicKey) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return false
	}
	if header.Alg != "EdDSA" {
		return false
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}

	signingInput := parts[0] + "." + parts[1]
	return ed25519.Verify(publicKey, []byte(signingInput), sig)
}

// Disclosure is one SD-JWT selective-disclosure claim: the plaintext
// {salt, name, value} triple, its base64url encoding, and the digest that
// replaces the claim value in the signed payload.
type Disclosure struct {
	Claim      string `json:"claim"`
	Disclosure string `json:"disclosure"`
	Digest     string `json:"digest"`
}

// ApplySDJWT replaces each named claim in payload with its sha-256 digest
// and returns the redacted payload alongside the disclosures needed to
// reveal the original values.
func ApplySDJWT(payload map[string]any, disclosableClaims []string) (redacted map[string]any, disclosures []Disclosure, err error) {
	redacted = make(map[string]any, len(payload))
	for k, v := range payload {
		redacted[k] = v
	}

	for _, name := range disclosableClaims {
		value, ok := payload[name]
		if !ok {
			continue
		}

		salt, err := randomSalt()
		if err != nil {
			return nil, nil, apperrors.Wrap(err, apperrors.KindCrypto, "generate sd-jwt salt")
		}

		triple := []any{salt, name, value}
		tripleJSON, err := json.Marshal(triple)
		if err != nil {
			return nil, nil, apperrors.Wrap(err, apperrors.KindValidation, "marshal disclosure triple")
		}
		disclosureB64 := base64.RawURLEncoding.EncodeToString(tripleJSON)

		digestBytes := sha256.Sum256([]byte(disclosureB64))
		digest := base64.RawURLEncoding.EncodeToString(digestBytes[:])

		redacted[name] = digest
		disclosures = append(disclosures, Disclosure{
			Claim:      name,
			Disclosure: disclosureB64,
			Digest:     digest,
		})
	}

	return redacted, disclosures, nil
}

// AttachDisclosures appends the SD-JWT disclosure suffix
// ("~disclosure1~disclosure2~...~") to a signed JWT.
func AttachDisclosures(jwtCompact string, disclosures []Disclosure) string {
	if len(disclosures) == 0 {
		return jwtCompact
	}
	var b strings.Builder
	b.WriteString(jwtCompact)
	for _, d := range disclosures {
		b.WriteString("~")
		b.WriteString(d.Disclosure)
	}
	b.WriteString("~")
	return b.String()
}

func randomSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
