package store

import (
	"context"
	"testing"
)

func TestMemoryKeyStoreEnforcesSingleActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryKeyStore()

	if err := s.Put(ctx, Keypair{KeyID: "k1", Status: KeyActive}); err != nil {
		t.Fatalf("first active put failed: %v", err)
	}
	if err := s.Put(ctx, Keypair{KeyID: "k2", Status: KeyActive}); err == nil {
		t.Fatal("expected constraint violation inserting a second active key")
	}

	active, err := s.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.KeyID != "k1" {
		t.Errorf("expected active key k1, got %s", active.KeyID)
	}
}

func TestMemoryKeyStoreRotation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryKeyStore()

	if err := s.Put(ctx, Keypair{KeyID: "k1", Status: KeyActive}); err != nil {
		t.Fatalf("put k1: %v", err)
	}
	if err := s.MarkRetired(ctx, "k1"); err != nil {
		t.Fatalf("retire k1: %v", err)
	}
	if err := s.Put(ctx, Keypair{KeyID: "k2", Status: KeyActive}); err != nil {
		t.Fatalf("put k2 after retiring k1: %v", err)
	}

	retired, err := s.ListRetired(ctx)
	if err != nil {
		t.Fatalf("ListRetired: %v", err)
	}
	if len(retired) != 1 || retired[0].KeyID != "k1" {
		t.Errorf("expected exactly k1 retired, got %+v", retired)
	}

	active, err := s.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active.KeyID != "k2" {
		t.Errorf("expected k2 active, got %s", active.KeyID)
	}
}

func TestMemoryLogStoreAppendIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLogStore()

	for i, want := range []uint64{0, 1, 2} {
		index, size, err := s.AppendLeaf(ctx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if index != want {
			t.Errorf("append %d: expected index %d, got %d", i, want, index)
		}
		if size != want+1 {
			t.Errorf("append %d: expected size %d, got %d", i, want+1, size)
		}
	}

	leaves, err := s.Leaves(ctx)
	if err != nil {
		t.Fatalf("Leaves: %v", err)
	}
	if len(leaves) != 3 {
		t.Errorf("expected 3 leaves, got %d", len(leaves))
	}
}

func TestMemoryLogStoreEntryLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLogStore()

	if _, err := s.GetEntry(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing entry")
	}

	entry := LeafEntry{EntryID: "e1", LeafIndex: 0, LeafHash: []byte("hash"), Payload: []byte("payload")}
	if err := s.PutEntry(ctx, entry); err != nil {
		t.Fatalf("PutEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if string(got.Payload) != "payload" {
		t.Errorf("expected payload roundtrip, got %q", got.Payload)
	}
}
