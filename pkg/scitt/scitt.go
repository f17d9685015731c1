// Package scitt implements the SCITT transparency log: an append-only
// Merkle-backed journal of issued CPOEs, with COSE_Sign1 receipts (RFC
// 9052) carrying a Merkle inclusion proof for each entry.
package scitt

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veraison/go-cose"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
	"github.com/corsairtrust/cpoe-core/pkg/merkle"
	"github.com/corsairtrust/cpoe-core/pkg/store"
)

// Private-use COSE header labels for the tree metadata carried in a
// receipt's protected header, allocated below the IANA-registered range
// the way forestrie's massifs/cose package reserves its own labels.
const (
	headerLabelTreeSize      int64 = -65601
	headerLabelInclusionRoot int64 = -65602
)

// InclusionProof mirrors merkle.Proof in a JSON-friendly shape for the
// receipt payload.
type InclusionProof struct {
	Hashes     [][]byte           `json:"hashes"`
	Directions []merkle.Direction `json:"directions"`
}

// ReceiptPayload is the COSE_Sign1 payload embedded in every receipt.
type ReceiptPayload struct {
	LeafIndex      uint64         `json:"leafIndex"`
	TreeSize       uint64         `json:"treeSize"`
	Root           []byte         `json:"root"`
	InclusionProof InclusionProof `json:"inclusionProof"`
}

// Entry is the durable record of one SCITT append: the leaf and its
// proof, plus the signed receipt bytes.
type Entry struct {
	EntryID        string         `json:"entryId"`
	PayloadHash    []byte         `json:"payloadHash"`
	SubmittedAt    time.Time      `json:"submittedAt"`
	LeafIndex      uint64         `json:"leafIndex"`
	TreeSize       uint64         `json:"treeSize"`
	Root           []byte         `json:"root"`
	InclusionProof InclusionProof `json:"inclusionProof"`
	Receipt        []byte         `json:"receipt"` // COSE_Sign1, CBOR-encoded
}

// Registry appends CPOEs to the transparency log under a single-writer
// protocol: Append is serialized so leafIndex stays monotonic and the
// recomputed root stays coherent with the leaf sequence it was built
// from.
type Registry struct {
	mu       sync.Mutex
	logStore store.LogStore
	keys     *keymanager.Manager
	did      string
}

// New builds a Registry. did identifies the issuer whose active signing
// key signs every receipt.
func New(logStore store.LogStore, keys *keymanager.Manager, did string) *Registry {
	return &Registry{logStore: logStore, keys: keys, did: did}
}

// Append hashes cpoeBytes, persists the leaf, recomputes the tree root
// and this leaf's inclusion proof, and signs a COSE_Sign1 receipt over
// them. The append is durable before Append returns.
func (r *Registry) Append(ctx context.Context, cpoeBytes []byte) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	leafHash := sha256.Sum256(cpoeBytes)

	leafIndex, treeSize, err := r.logStore.AppendLeaf(ctx, leafHash[:])
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "append scitt leaf")
	}

	leaves, err := r.logStore.Leaves(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "read scitt leaves")
	}

	root, err := merkle.RootHash(leaves)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "compute scitt root")
	}
	proof, err := merkle.InclusionProof(int(leafIndex), leaves)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "build scitt inclusion proof")
	}

	entryID := uuid.NewString()
	submittedAt := time.Now().UTC()

	receiptPayload := ReceiptPayload{
		LeafIndex:      leafIndex,
		TreeSize:       treeSize,
		Root:           root,
		InclusionProof: InclusionProof{Hashes: proof.Hashes, Directions: proof.Directions},
	}

	receiptBytes, err := r.signReceipt(ctx, receiptPayload)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		EntryID:        entryID,
		PayloadHash:    leafHash[:],
		SubmittedAt:    submittedAt,
		LeafIndex:      leafIndex,
		TreeSize:       treeSize,
		Root:           root,
		InclusionProof: receiptPayload.InclusionProof,
		Receipt:        receiptBytes,
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "marshal scitt entry")
	}
	if err := r.logStore.PutEntry(ctx, store.LeafEntry{
		EntryID:   entryID,
		LeafIndex: leafIndex,
		LeafHash:  leafHash[:],
		Payload:   entryJSON,
	}); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "persist scitt entry")
	}

	return &entry, nil
}

// signReceipt builds and signs the COSE_Sign1 receipt for payload with
// the registry's active signing key.
func (r *Registry) signReceipt(ctx context.Context, payload ReceiptPayload) ([]byte, error) {
	active, err := r.keys.LoadKeypair(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, apperrors.New(apperrors.KindCrypto, "no active signing key available")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "marshal receipt payload")
	}

	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmEdDSA,
				cose.HeaderLabelKeyID:     []byte(r.did + "#key-1"),
				headerLabelTreeSize:       payload.TreeSize,
				headerLabelInclusionRoot:  payload.Root,
			},
		},
		Payload: payloadJSON,
	}

	signer, err := cose.NewSigner(cose.AlgorithmEdDSA, active.PrivateKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "build cose signer")
	}

	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "sign cose receipt")
	}

	out, err := msg.MarshalCBOR()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "marshal cose receipt")
	}
	return out, nil
}

// VerifyReceipt checks a COSE_Sign1 receipt's signature under publicKey
// and returns the tree-state payload it commits to. Callers that also
// hold the original CPOE bytes should pass the returned payload to
// VerifyInclusion to confirm leaf membership.
func VerifyReceipt(receipt []byte, publicKey ed25519.PublicKey) (bool, *ReceiptPayload, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(receipt); err != nil {
		return false, nil, apperrors.Wrap(err, apperrors.KindValidation, "decode cose receipt")
	}

	var payload ReceiptPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return false, nil, apperrors.Wrap(err, apperrors.KindValidation, "decode receipt payload")
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, publicKey)
	if err != nil {
		return false, nil, apperrors.Wrap(err, apperrors.KindCrypto, "build cose verifier")
	}

	if err := msg.Verify(nil, verifier); err != nil {
		return false, &payload, nil
	}
	return true, &payload, nil
}

// VerifyInclusion checks that cpoeBytes is the leaf committed to by a
// previously verified receipt payload.
func VerifyInclusion(cpoeBytes []byte, payload *ReceiptPayload) bool {
	leafHash := merkle.LeafHash(cpoeBytes)
	proof := &merkle.Proof{Hashes: payload.InclusionProof.Hashes, Directions: payload.InclusionProof.Directions}
	return merkle.VerifyInclusionProof(leafHash, proof, payload.Root)
}

// Get returns the previously appended entry by id.
func (r *Registry) Get(ctx context.Context, entryID string) (*Entry, error) {
	leaf, err := r.logStore.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(leaf.Payload, &entry); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindServerError, "decode scitt entry")
	}
	return &entry, nil
}

// GetReceipt returns the COSE_Sign1 receipt bytes for a previously
// appended entry by id.
func (r *Registry) GetReceipt(ctx context.Context, entryID string) ([]byte, error) {
	entry, err := r.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return entry.Receipt, nil
}
