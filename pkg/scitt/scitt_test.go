package scitt

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
	"github.com/corsairtrust/cpoe-core/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *keymanager.Manager) {
	t.Helper()
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	keys := keymanager.New(store.NewMemoryKeyStore(), secret)
	if _, err := keys.GenerateKeypair(context.Background()); err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	reg := New(store.NewMemoryLogStore(), keys, "did:web:corsairtrust.example")
	return reg, keys
}

func TestAppendAssignsMonotonicLeafIndex(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		entry, err := reg.Append(ctx, []byte("cpoe-payload"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if entry.LeafIndex != uint64(i) {
			t.Errorf("append %d: leafIndex = %d, want %d", i, entry.LeafIndex, i)
		}
		if entry.TreeSize != uint64(i+1) {
			t.Errorf("append %d: treeSize = %d, want %d", i, entry.TreeSize, i+1)
		}
	}
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	entry, err := reg.Append(ctx, []byte("cpoe-1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := reg.Get(ctx, entry.EntryID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EntryID != entry.EntryID || got.LeafIndex != entry.LeafIndex {
		t.Errorf("get returned mismatched entry: %+v vs %+v", got, entry)
	}

	receipt, err := reg.GetReceipt(ctx, entry.EntryID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if len(receipt) == 0 {
		t.Error("expected non-empty receipt bytes")
	}
}

func TestReceiptVerifiesAndCommitsToInclusion(t *testing.T) {
	ctx := context.Background()
	reg, keys := newTestRegistry(t)

	cpoeBytes := []byte("cpoe-payload-for-inclusion")
	entry, err := reg.Append(ctx, cpoeBytes)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	active, err := keys.LoadKeypair(ctx)
	if err != nil {
		t.Fatalf("load keypair: %v", err)
	}

	ok, payload, err := VerifyReceipt(entry.Receipt, active.PublicKey)
	if err != nil {
		t.Fatalf("verify receipt: %v", err)
	}
	if !ok {
		t.Fatal("expected receipt to verify")
	}
	if !VerifyInclusion(cpoeBytes, payload) {
		t.Error("expected leaf inclusion to verify against receipt payload")
	}
	if VerifyInclusion([]byte("tampered"), payload) {
		t.Error("expected tampered cpoe bytes to fail inclusion check")
	}
}

func TestGetUnknownEntryNotFound(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	if _, err := reg.Get(ctx, "does-not-exist"); err == nil {
		t.Error("expected error for unknown entry id")
	}
}
