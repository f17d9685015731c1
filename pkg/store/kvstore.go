package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// KV key layout: string prefixes for namespacing, big-endian sequence
// numbers where iteration order matters.
var (
	keyKeyPrefix    = []byte("signingkey:")
	keyActivePtr    = []byte("signingkey:active")
	keyLeafPrefix   = []byte("scitt:leaf:")
	keyLeafCount    = []byte("scitt:leafcount")
	keyEntryPrefix  = []byte("scitt:entry:")
)

func leafKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return append(append([]byte(nil), keyLeafPrefix...), b...)
}

func keyRecordKey(keyID string) []byte {
	return append(append([]byte(nil), keyKeyPrefix...), []byte(keyID)...)
}

func entryKey(entryID string) []byte {
	return append(append([]byte(nil), keyEntryPrefix...), []byte(entryID)...)
}

// KVKeyStore is a single-node-durable KeyStore backed by any cometbft-db
// engine (GoLevelDB, BoltDB, MemDB, ...).
type KVKeyStore struct {
	db dbm.DB
}

func NewKVKeyStore(db dbm.DB) *KVKeyStore {
	return &KVKeyStore{db: db}
}

func (s *KVKeyStore) Put(_ context.Context, k Keypair) error {
	if k.Status == KeyActive {
		activeID, err := s.db.Get(keyActivePtr)
		if err != nil {
			return fmt.Errorf("store: read active pointer: %w", err)
		}
		if activeID != nil && string(activeID) != k.KeyID {
			return apperrors.New(apperrors.KindConstraintViolation, "an active signing key already exists").
				WithDetailsf("existing key id %s", string(activeID))
		}
	}

	b, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("store: marshal keypair: %w", err)
	}
	if err := s.db.Set(keyRecordKey(k.KeyID), b); err != nil {
		return fmt.Errorf("store: write keypair: %w", err)
	}
	if k.Status == KeyActive {
		if err := s.db.Set(keyActivePtr, []byte(k.KeyID)); err != nil {
			return fmt.Errorf("store: write active pointer: %w", err)
		}
	}
	return nil
}

func (s *KVKeyStore) GetActive(ctx context.Context) (*Keypair, error) {
	activeID, err := s.db.Get(keyActivePtr)
	if err != nil {
		return nil, fmt.Errorf("store: read active pointer: %w", err)
	}
	if activeID == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "no active signing key")
	}
	return s.GetByID(ctx, string(activeID))
}

func (s *KVKeyStore) GetByID(_ context.Context, keyID string) (*Keypair, error) {
	b, err := s.db.Get(keyRecordKey(keyID))
	if err != nil {
		return nil, fmt.Errorf("store: read keypair %s: %w", keyID, err)
	}
	if b == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "signing key not found").WithDetails(keyID)
	}
	var k Keypair
	if err := json.Unmarshal(b, &k); err != nil {
		return nil, fmt.Errorf("store: decode keypair %s: %w", keyID, err)
	}
	return &k, nil
}

func (s *KVKeyStore) ListRetired(_ context.Context) ([]Keypair, error) {
	iter, err := s.db.Iterator(keyKeyPrefix, dbm.PrefixEndBytes(keyKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("store: iterate keys: %w", err)
	}
	defer iter.Close()

	var retired []Keypair
	for ; iter.Valid(); iter.Next() {
		if bytes.Equal(iter.Key(), keyActivePtr) {
			continue
		}
		var k Keypair
		if err := json.Unmarshal(iter.Value(), &k); err != nil {
			return nil, fmt.Errorf("store: decode keypair: %w", err)
		}
		if k.Status == KeyRetired {
			retired = append(retired, k)
		}
	}
	return retired, nil
}

func (s *KVKeyStore) MarkRetired(ctx context.Context, keyID string) error {
	k, err := s.GetByID(ctx, keyID)
	if err != nil {
		return err
	}
	k.Status = KeyRetired
	b, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("store: marshal keypair: %w", err)
	}
	if err := s.db.Set(keyRecordKey(keyID), b); err != nil {
		return fmt.Errorf("store: write keypair: %w", err)
	}

	activeID, err := s.db.Get(keyActivePtr)
	if err == nil && activeID != nil && string(activeID) == keyID {
		if err := s.db.Delete(keyActivePtr); err != nil {
			return fmt.Errorf("store: clear active pointer: %w", err)
		}
	}
	return nil
}

// KVLogStore is a single-node-durable LogStore backed by cometbft-db.
type KVLogStore struct {
	db dbm.DB
}

func NewKVLogStore(db dbm.DB) *KVLogStore {
	return &KVLogStore{db: db}
}

func (s *KVLogStore) AppendLeaf(_ context.Context, leafHash []byte) (uint64, uint64, error) {
	b, err := s.db.Get(keyLeafCount)
	if err != nil {
		return 0, 0, fmt.Errorf("store: read leaf count: %w", err)
	}
	var count uint64
	if b != nil {
		count = binary.BigEndian.Uint64(b)
	}

	if err := s.db.Set(leafKey(count), leafHash); err != nil {
		return 0, 0, fmt.Errorf("store: write leaf %d: %w", count, err)
	}

	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, count+1)
	if err := s.db.Set(keyLeafCount, next); err != nil {
		return 0, 0, fmt.Errorf("store: write leaf count: %w", err)
	}

	return count, count + 1, nil
}

func (s *KVLogStore) GetEntry(_ context.Context, entryID string) (*LeafEntry, error) {
	b, err := s.db.Get(entryKey(entryID))
	if err != nil {
		return nil, fmt.Errorf("store: read entry %s: %w", entryID, err)
	}
	if b == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "scitt entry not found").WithDetails(entryID)
	}
	var e LeafEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("store: decode entry %s: %w", entryID, err)
	}
	return &e, nil
}

func (s *KVLogStore) PutEntry(_ context.Context, e LeafEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal entry: %w", err)
	}
	return s.db.Set(entryKey(e.EntryID), b)
}

func (s *KVLogStore) Leaves(_ context.Context) ([][]byte, error) {
	iter, err := s.db.Iterator(keyLeafPrefix, dbm.PrefixEndBytes(keyLeafPrefix))
	if err != nil {
		return nil, fmt.Errorf("store: iterate leaves: %w", err)
	}
	defer iter.Close()

	var leaves [][]byte
	for ; iter.Valid(); iter.Next() {
		leaves = append(leaves, append([]byte(nil), iter.Value()...))
	}
	return leaves, nil
}
