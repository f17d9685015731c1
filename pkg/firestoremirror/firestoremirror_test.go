package firestoremirror

import (
	"context"
	"testing"
)

func TestDisabledMirrorIsNoOp(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, Config{Enabled: false})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Append must not panic or block even though no Firestore client exists.
	m.Append(ctx, Entry{EntryID: "entry-1", PayloadHash: "abc", TreeSize: 1, LeafIndex: 0})

	if err := m.Close(); err != nil {
		t.Errorf("close on disabled mirror: %v", err)
	}
}

func TestNewRequiresProjectIDWhenEnabled(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Enabled: true}); err == nil {
		t.Error("expected error when enabling without a project id")
	}
}
