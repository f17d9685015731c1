// Package keymanager owns the Ed25519 signing-key lifecycle: generation,
// AES-256-GCM at-rest encryption, rotation, JWK export/import, and DID:web
// document generation.
package keymanager

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
	"github.com/corsairtrust/cpoe-core/pkg/store"
)

// Keypair is the in-memory, decrypted view of a signing key.
type Keypair struct {
	KeyID      string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Status     store.KeyStatus
	CreatedAt  time.Time
}

// Manager guards key generation and rotation so that no window exists
// where zero or two active keys are visible.
type Manager struct {
	mu     sync.Mutex
	store  store.KeyStore
	secret [32]byte // AES-256-GCM key-encryption key
}

func New(keyStore store.KeyStore, encryptionSecret [32]byte) *Manager {
	return &Manager{store: keyStore, secret: encryptionSecret}
}

// GenerateKeypair creates a new Ed25519 keypair, encrypts the private key
// at rest, and marks it active. Fails with ConstraintViolation if an
// active key already exists.
func (m *Manager) GenerateKeypair(ctx context.Context) (*Keypair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.generateLocked(ctx, store.KeyActive)
}

func (m *Manager) generateLocked(ctx context.Context, status store.KeyStatus) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "generate ed25519 keypair")
	}

	encrypted, err := m.encrypt(priv)
	if err != nil {
		return nil, err
	}

	keyID := uuid.NewString()
	createdAt := time.Now().UTC()

	err = m.store.Put(ctx, store.Keypair{
		KeyID:               keyID,
		Status:               status,
		Algorithm:            "Ed25519",
		PublicKey:            pub,
		PrivateKeyEncrypted:  encrypted,
		CreatedAt:            createdAt.Unix(),
	})
	if err != nil {
		return nil, err
	}

	return &Keypair{
		KeyID:      keyID,
		PublicKey:  pub,
		PrivateKey: priv,
		Status:     status,
		CreatedAt:  createdAt,
	}, nil
}

// LoadKeypair returns the active keypair with its private key decrypted,
// or nil if no active key exists.
func (m *Manager) LoadKeypair(ctx context.Context) (*Keypair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetActive(ctx)
	if err != nil {
		if ae, ok := apperrors.As(err); ok && ae.Kind == apperrors.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return m.decode(rec)
}

func (m *Manager) decode(rec *store.Keypair) (*Keypair, error) {
	priv, err := m.decrypt(rec.PrivateKeyEncrypted)
	if err != nil {
		return nil, err
	}
	return &Keypair{
		KeyID:      rec.KeyID,
		PublicKey:  ed25519.PublicKey(rec.PublicKey),
		PrivateKey: ed25519.PrivateKey(priv),
		Status:     rec.Status,
		CreatedAt:  time.Unix(rec.CreatedAt, 0).UTC(),
	}, nil
}

// Sign produces a base64-standard-encoded Ed25519 signature over data,
// using privateKey if supplied or the currently active key otherwise.
func (m *Manager) Sign(ctx context.Context, data []byte, privateKey ed25519.PrivateKey) (string, error) {
	key := privateKey
	if key == nil {
		active, err := m.LoadKeypair(ctx)
		if err != nil {
			return "", err
		}
		if active == nil {
			return "", apperrors.New(apperrors.KindNotFound, "no active signing key")
		}
		key = active.PrivateKey
	}
	sig := ed25519.Sign(key, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature (base64-standard) is a valid Ed25519
// signature over data under publicKey. Never errors: any malformed input
// simply verifies false.
func Verify(data []byte, signatureB64 string, publicKey ed25519.PublicKey) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, data, sig)
}

// RotateKey atomically retires the current active key and generates a new
// one.
func (m *Manager) RotateKey(ctx context.Context) (newPublic, retiredPublic ed25519.PublicKey, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.store.GetActive(ctx)
	if err != nil {
		if ae, ok := apperrors.As(err); !ok || ae.Kind != apperrors.KindNotFound {
			return nil, nil, err
		}
	}

	if current != nil {
		if err := m.store.MarkRetired(ctx, current.KeyID); err != nil {
			return nil, nil, err
		}
	}

	next, err := m.generateLocked(ctx, store.KeyActive)
	if err != nil {
		return nil, nil, err
	}

	var retired ed25519.PublicKey
	if current != nil {
		retired = ed25519.PublicKey(current.PublicKey)
	}
	return next.PublicKey, retired, nil
}

// GetRetiredKeys returns retired public keys in insertion (chronological)
// order, sorted by creation time at one-second resolution.
func (m *Manager) GetRetiredKeys(ctx context.Context) ([]ed25519.PublicKey, error) {
	recs, err := m.store.ListRetired(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt < recs[j].CreatedAt })
	out := make([]ed25519.PublicKey, len(recs))
	for i, r := range recs {
		out[i] = ed25519.PublicKey(r.PublicKey)
	}
	return out, nil
}

// ExportJWK converts a raw Ed25519 public key to JWK JSON:
// {kty:"OKP", crv:"Ed25519", x: base64url(raw public key)}.
func ExportJWK(publicKey ed25519.PublicKey) ([]byte, error) {
	key, err := jwk.Import(publicKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "import ed25519 public key into jwk")
	}
	out, err := json.Marshal(key)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "marshal jwk")
	}
	return out, nil
}

// ImportJWK parses JWK JSON back into a raw Ed25519 public key.
func ImportJWK(jwkJSON []byte) (ed25519.PublicKey, error) {
	key, err := jwk.ParseKey(jwkJSON)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "parse jwk")
	}
	var pub ed25519.PublicKey
	if err := jwk.Export(key, &pub); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "export jwk to ed25519 public key")
	}
	return pub, nil
}

// DIDDocument is a minimal did:web document with one Ed25519 verification
// method referenced from authentication and assertionMethod.
type DIDDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
	AssertionMethod    []string             `json:"assertionMethod"`
}

type VerificationMethod struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Controller         string          `json:"controller"`
	PublicKeyJWK       json.RawMessage `json:"publicKeyJwk"`
}

// GenerateDIDDocument builds the did:web document for domain using
// publicKey as the sole verification method (key-1).
func GenerateDIDDocument(domain string, publicKey ed25519.PublicKey) (*DIDDocument, error) {
	jwkJSON, err := ExportJWK(publicKey)
	if err != nil {
		return nil, err
	}

	did := "did:web:" + url.QueryEscape(domain)
	methodID := did + "#key-1"

	return &DIDDocument{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		ID:      did,
		VerificationMethod: []VerificationMethod{
			{
				ID:           methodID,
				Type:         "JsonWebKey2020",
				Controller:   did,
				PublicKeyJWK: jwkJSON,
			},
		},
		Authentication:  []string{methodID},
		AssertionMethod: []string{methodID},
	}, nil
}

// encrypt wraps plaintext with AES-256-GCM: IV(12) || tag(16) || ciphertext.
// A fresh random IV is drawn on every call.
func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.secret[:])
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "init aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "init gcm")
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "generate iv")
	}

	// Seal appends ciphertext||tag after the nonce argument; we want
	// IV || tag || ciphertext, so split and reassemble.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagSize := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, len(iv)+len(tag)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// decrypt reverses encrypt. A wrong secret fails with a tag mismatch.
func (m *Manager) decrypt(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.secret[:])
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "init aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "init gcm")
	}

	ivSize := gcm.NonceSize()
	tagSize := gcm.Overhead()
	if len(blob) < ivSize+tagSize {
		return nil, apperrors.New(apperrors.KindCrypto, "ciphertext too short")
	}

	iv := blob[:ivSize]
	tag := blob[ivSize : ivSize+tagSize]
	ciphertext := blob[ivSize+tagSize:]

	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "decrypt private key")
	}
	return plaintext, nil
}

