// Package store defines the persistence boundary (KeyStore, LogStore) that
// every other package programs against, and an in-memory implementation
// suitable for tests and local development. Durable implementations live in
// kvstore.go (cometbft-db) and postgres.go (lib/pq).
package store

import (
	"context"
	"sync"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// KeyStatus is the lifecycle state of a stored signing key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
)

// Keypair is the persisted representation of a signing key: the public key
// in the clear, the private key encrypted at rest (see pkg/keymanager for
// the AES-256-GCM envelope format).
type Keypair struct {
	KeyID               string
	Status               KeyStatus
	Algorithm            string
	PublicKey            []byte
	PrivateKeyEncrypted  []byte
	CreatedAt            int64 // unix seconds
}

// KeyStore persists signing keys with a unique-active-key constraint: at
// most one Keypair may have Status == KeyActive at any time.
type KeyStore interface {
	Put(ctx context.Context, k Keypair) error
	GetActive(ctx context.Context) (*Keypair, error)
	GetByID(ctx context.Context, keyID string) (*Keypair, error)
	ListRetired(ctx context.Context) ([]Keypair, error)
	MarkRetired(ctx context.Context, keyID string) error
}

// LeafEntry is one appended SCITT leaf, keyed by its registry-assigned
// entryID. The payload itself (the CPOE bytes, COSE receipt, etc.) is
// opaque to the store; pkg/scitt is responsible for its shape.
type LeafEntry struct {
	EntryID   string
	LeafIndex uint64
	LeafHash  []byte
	Payload   []byte
}

// LogStore persists the append-only SCITT leaf sequence and entry lookup
// index. AppendLeaf must be linearizable: the returned leafIndex is always
// the previous tree size, with no window where two appends observe the
// same index.
type LogStore interface {
	AppendLeaf(ctx context.Context, leafHash []byte) (leafIndex uint64, treeSize uint64, err error)
	GetEntry(ctx context.Context, entryID string) (*LeafEntry, error)
	PutEntry(ctx context.Context, e LeafEntry) error
	Leaves(ctx context.Context) ([][]byte, error)
}

// MemoryKeyStore is an in-memory KeyStore for tests and local development.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]Keypair
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]Keypair)}
}

func (s *MemoryKeyStore) Put(_ context.Context, k Keypair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.Status == KeyActive {
		for _, existing := range s.keys {
			if existing.Status == KeyActive && existing.KeyID != k.KeyID {
				return apperrors.New(apperrors.KindConstraintViolation, "an active signing key already exists").
					WithDetailsf("existing key id %s", existing.KeyID)
			}
		}
	}
	s.keys[k.KeyID] = k
	return nil
}

func (s *MemoryKeyStore) GetActive(_ context.Context) (*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.Status == KeyActive {
			kk := k
			return &kk, nil
		}
	}
	return nil, apperrors.New(apperrors.KindNotFound, "no active signing key")
}

func (s *MemoryKeyStore) GetByID(_ context.Context, keyID string) (*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "signing key not found").WithDetails(keyID)
	}
	return &k, nil
}

func (s *MemoryKeyStore) ListRetired(_ context.Context) ([]Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retired []Keypair
	for _, k := range s.keys {
		if k.Status == KeyRetired {
			retired = append(retired, k)
		}
	}
	return retired, nil
}

func (s *MemoryKeyStore) MarkRetired(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return apperrors.New(apperrors.KindNotFound, "signing key not found").WithDetails(keyID)
	}
	k.Status = KeyRetired
	s.keys[keyID] = k
	return nil
}

// MemoryLogStore is an in-memory LogStore for tests and local development.
type MemoryLogStore struct {
	mu      sync.Mutex
	leaves  [][]byte
	entries map[string]LeafEntry
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{entries: make(map[string]LeafEntry)}
}

func (s *MemoryLogStore) AppendLeaf(_ context.Context, leafHash []byte) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := uint64(len(s.leaves))
	s.leaves = append(s.leaves, append([]byte(nil), leafHash...))
	return index, uint64(len(s.leaves)), nil
}

func (s *MemoryLogStore) GetEntry(_ context.Context, entryID string) (*LeafEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "scitt entry not found").WithDetails(entryID)
	}
	return &e, nil
}

func (s *MemoryLogStore) PutEntry(_ context.Context, e LeafEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.EntryID] = e
	return nil
}

func (s *MemoryLogStore) Leaves(_ context.Context) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.leaves))
	copy(out, s.leaves)
	return out, nil
}
