// Package freshness implements the OCSP-style liveness staple: a
// short-lived signed JWT asserting when a subject was last checked and
// whether alerts are currently active.
package freshness

import (
	"context"
	"crypto/ed25519"
	"strings"
	"time"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
	"github.com/corsairtrust/cpoe-core/pkg/envelope"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
)

const (
	typJWT     = "freshness+jwt"
	defaultTTL = 7 * 24 * time.Hour
	dayLength  = 24 * time.Hour
)

// Config controls the claims of a generated freshness staple.
type Config struct {
	DID          string    // issuer DID; required
	TTLDays      *float64  // nil means the 7-day default; any value <= 0 yields an already-expired staple
	CheckedAt    time.Time // defaults to now
	AlertsActive bool
	StreamID     string
	Score        *float64
}

// Generate builds and signs a freshness staple JWT with the active
// signing key.
func Generate(ctx context.Context, keys *keymanager.Manager, cfg Config) (string, error) {
	if cfg.DID == "" {
		return "", apperrors.New(apperrors.KindUsage, "did is required to generate a freshness staple")
	}

	ttl := defaultTTL
	if cfg.TTLDays != nil {
		ttl = time.Duration(*cfg.TTLDays * float64(dayLength))
	}
	checkedAt := cfg.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	exp := now.Add(ttl)
	if ttl <= 0 {
		// exp must be strictly in the past: second-granularity exp claims
		// would otherwise let a zero TTL verify as fresh within its own
		// issuance second.
		exp = now.Add(-time.Second)
	}

	payload := map[string]any{
		"iss":          cfg.DID,
		"iat":          now.Unix(),
		"exp":          exp.Unix(),
		"checkedAt":    checkedAt.Format(time.RFC3339),
		"alertsActive": cfg.AlertsActive,
	}
	if cfg.StreamID != "" {
		payload["streamId"] = cfg.StreamID
	}
	if cfg.Score != nil {
		payload["score"] = *cfg.Score
	}

	active, err := keys.LoadKeypair(ctx)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", apperrors.New(apperrors.KindCrypto, "no active signing key available")
	}

	header := envelope.Header{Alg: "EdDSA", Typ: typJWT, Kid: cfg.DID + "#key-1"}
	return envelope.Sign(header, payload, active.PrivateKey)
}

// Reasons a freshness staple fails verification.
const (
	ReasonMalformed        = "malformed"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonExpired          = "expired"
)

// Result is the outcome of verifying a freshness staple. Absence of a
// staple is not represented here — callers decide how to treat "no staple
// supplied" themselves; Verify only evaluates a staple that exists.
type Result struct {
	Valid        bool
	Fresh        bool
	CheckedAt    *time.Time
	StaleDays    int64
	AlertsActive bool
	StreamID     string
	Score        *float64
	Reason       string
}

// Verify checks staple's signature and expiry against publicKey. It never
// panics: malformed input simply yields Valid=false with a Reason.
func Verify(staple string, publicKey ed25519.PublicKey) Result {
	token := strings.TrimSpace(staple)
	if strings.Count(token, ".") != 2 {
		return Result{Reason: ReasonMalformed}
	}

	decoded, err := envelope.Decode(token)
	if err != nil {
		return Result{Reason: ReasonMalformed}
	}
	if decoded.Header.Alg != "EdDSA" {
		return Result{Reason: ReasonMalformed}
	}

	if !envelope.Verify(token, publicKey) {
		return Result{Reason: ReasonSignatureInvalid}
	}

	result := Result{Valid: true}

	if alertsActive, ok := decoded.Payload["alertsActive"].(bool); ok {
		result.AlertsActive = alertsActive
	}
	if streamID, ok := decoded.Payload["streamId"].(string); ok {
		result.StreamID = streamID
	}
	if score, ok := decoded.Payload["score"].(float64); ok {
		result.Score = &score
	}

	checkedAt, checkedAtValid := parseCheckedAt(decoded.Payload["checkedAt"])
	if checkedAtValid {
		result.CheckedAt = &checkedAt
		result.StaleDays = int64(time.Since(checkedAt) / dayLength)
		if result.StaleDays < 0 {
			result.StaleDays = 0
		}
	}

	if exp, ok := decoded.Payload["exp"].(float64); ok {
		expiresAt := time.Unix(int64(exp), 0).UTC()
		if time.Now().After(expiresAt) {
			result.Valid = false
			result.Fresh = false
			result.Reason = ReasonExpired
			return result
		}
		result.Fresh = true
	}

	return result
}

func parseCheckedAt(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
