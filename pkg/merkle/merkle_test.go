package merkle

import (
	"testing"
)

func hashLeaves(values ...string) [][]byte {
	hashes := make([][]byte, len(values))
	for i, v := range values {
		hashes[i] = LeafHash([]byte(v))
	}
	return hashes
}

func TestRootHashSingleLeaf(t *testing.T) {
	leaves := hashLeaves("a")
	root, err := RootHash(leaves)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(root) != string(leaves[0]) {
		t.Errorf("single-leaf root should equal the leaf hash")
	}
}

func TestRootHashEmptyErrors(t *testing.T) {
	if _, err := RootHash(nil); err != ErrEmptyLeafSet {
		t.Errorf("expected ErrEmptyLeafSet, got %v", err)
	}
}

func TestInclusionProofAllIndices(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		values := make([]string, size)
		for i := range values {
			values[i] = string(rune('a' + i))
		}
		leaves := hashLeaves(values...)
		root, err := RootHash(leaves)
		if err != nil {
			t.Fatalf("size %d: RootHash error: %v", size, err)
		}

		for i := 0; i < size; i++ {
			proof, err := InclusionProof(i, leaves)
			if err != nil {
				t.Fatalf("size %d index %d: InclusionProof error: %v", size, i, err)
			}
			if !VerifyInclusionProof(leaves[i], proof, root) {
				t.Errorf("size %d index %d: proof did not verify", size, i)
			}
		}
	}
}

func TestVerifyInclusionProofRejectsTamperedDirection(t *testing.T) {
	leaves := hashLeaves("a", "b", "c", "d")
	root, _ := RootHash(leaves)
	proof, err := InclusionProof(1, leaves)
	if err != nil {
		t.Fatalf("InclusionProof error: %v", err)
	}
	if len(proof.Directions) == 0 {
		t.Fatal("expected at least one proof step")
	}

	tampered := &Proof{
		Hashes:     proof.Hashes,
		Directions: append([]Direction(nil), proof.Directions...),
	}
	if tampered.Directions[0] == Left {
		tampered.Directions[0] = Right
	} else {
		tampered.Directions[0] = Left
	}

	if VerifyInclusionProof(leaves[1], tampered, root) {
		t.Error("expected proof with tampered direction to fail verification")
	}
}

func TestVerifyInclusionProofRejectsTamperedHash(t *testing.T) {
	leaves := hashLeaves("a", "b", "c", "d")
	root, _ := RootHash(leaves)
	proof, err := InclusionProof(2, leaves)
	if err != nil {
		t.Fatalf("InclusionProof error: %v", err)
	}

	tampered := &Proof{
		Hashes:     append([][]byte(nil), proof.Hashes...),
		Directions: proof.Directions,
	}
	tampered.Hashes[0] = LeafHash([]byte("not-the-real-sibling"))

	if VerifyInclusionProof(leaves[2], tampered, root) {
		t.Error("expected proof with tampered sibling hash to fail verification")
	}
}

func TestInclusionProofOutOfRange(t *testing.T) {
	leaves := hashLeaves("a", "b")
	if _, err := InclusionProof(-1, leaves); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange for negative index, got %v", err)
	}
	if _, err := InclusionProof(2, leaves); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange for index == size, got %v", err)
	}
}

func TestNodeHashNonCommutative(t *testing.T) {
	a := LeafHash([]byte("a"))
	b := LeafHash([]byte("b"))
	if string(NodeHash(a, b)) == string(NodeHash(b, a)) {
		t.Error("NodeHash should not be commutative")
	}
}
