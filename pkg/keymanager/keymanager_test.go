package keymanager

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/corsairtrust/cpoe-core/pkg/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	return New(store.NewMemoryKeyStore(), secret)
}

func TestGenerateKeypairRejectsSecondActive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.GenerateKeypair(ctx); err != nil {
		t.Fatalf("first generate failed: %v", err)
	}
	if _, err := m.GenerateKeypair(ctx); err == nil {
		t.Fatal("expected second GenerateKeypair to fail with an active key present")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	kp, err := m.GenerateKeypair(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	data := []byte("evidence payload")
	sig, err := m.Sign(ctx, data, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(data, sig, kp.PublicKey) {
		t.Error("expected signature to verify")
	}
	if Verify([]byte("tampered"), sig, kp.PublicKey) {
		t.Error("expected tampered data to fail verification")
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if Verify(data, sig, otherPub) {
		t.Error("expected wrong public key to fail verification")
	}
}

func TestVerifyNeverPanicsOnMalformedInput(t *testing.T) {
	if Verify([]byte("x"), "not-base64!!", make([]byte, ed25519.PublicKeySize)) {
		t.Error("expected malformed signature to verify false, not panic")
	}
	if Verify([]byte("x"), "AA==", []byte("short")) {
		t.Error("expected short public key to verify false, not panic")
	}
}

func TestRotateKeyKeepsExactlyOneActive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	first, err := m.GenerateKeypair(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	newPub, retiredPub, err := m.RotateKey(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if string(retiredPub) != string(first.PublicKey) {
		t.Error("expected retired key to be the original active key")
	}
	if string(newPub) == string(first.PublicKey) {
		t.Error("expected a freshly generated key, not the same one")
	}

	active, err := m.LoadKeypair(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(active.PublicKey) != string(newPub) {
		t.Error("expected active keypair to be the new key")
	}

	retired, err := m.GetRetiredKeys(ctx)
	if err != nil {
		t.Fatalf("get retired: %v", err)
	}
	if len(retired) != 1 || string(retired[0]) != string(first.PublicKey) {
		t.Error("expected exactly the original key in the retired list")
	}
}

func TestRetiredKeyStillVerifiesPreRotationSignatures(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	first, err := m.GenerateKeypair(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	data := []byte("pre-rotation evidence")
	sig, err := m.Sign(ctx, data, first.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, _, err := m.RotateKey(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if !Verify(data, sig, first.PublicKey) {
		t.Error("expected signature made before rotation to still verify against the retired public key")
	}
}

func TestEncryptDecryptRoundTripAndIVUniqueness(t *testing.T) {
	m := newTestManager(t)
	plaintext := []byte("super secret ed25519 private key bytes")

	a, err := m.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := m.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(a) == string(b) {
		t.Error("expected two encryptions of the same plaintext to differ (random IV)")
	}

	got, err := m.decrypt(a)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Error("expected decrypt(encrypt(p)) == p")
	}

	var wrongSecret [32]byte
	rand.Read(wrongSecret[:])
	wrong := &Manager{secret: wrongSecret}
	if _, err := wrong.decrypt(a); err == nil {
		t.Error("expected decryption with wrong secret to fail")
	}
}

func TestExportImportJWKRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	jwkJSON, err := ExportJWK(pub)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(jwkJSON), `"OKP"`) || !strings.Contains(string(jwkJSON), `"Ed25519"`) {
		t.Errorf("expected OKP/Ed25519 JWK, got %s", jwkJSON)
	}

	imported, err := ImportJWK(jwkJSON)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if string(imported) != string(pub) {
		t.Error("expected imported public key to round-trip")
	}
}

func TestGenerateDIDDocument(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	doc, err := GenerateDIDDocument("example.com", pub)
	if err != nil {
		t.Fatalf("generate did document: %v", err)
	}
	if doc.ID != "did:web:example.com" {
		t.Errorf("expected did:web:example.com, got %s", doc.ID)
	}
	if len(doc.VerificationMethod) != 1 {
		t.Fatalf("expected exactly one verification method")
	}
	wantMethodID := doc.ID + "#key-1"
	if doc.VerificationMethod[0].ID != wantMethodID {
		t.Errorf("expected verification method id %s, got %s", wantMethodID, doc.VerificationMethod[0].ID)
	}
	if doc.Authentication[0] != wantMethodID || doc.AssertionMethod[0] != wantMethodID {
		t.Error("expected authentication and assertionMethod to reference key-1")
	}
}
