package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// PostgresStore implements both KeyStore and LogStore against the
// signing_keys and scitt_entries tables.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool against a postgres:// URL (the
// lib/pq driver is registered by the lib/pq import above) and verifies
// connectivity with Ping.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables if they do not already exist. Safe to
// call on every startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS signing_keys (
			key_id                 TEXT PRIMARY KEY,
			status                 TEXT NOT NULL,
			algorithm              TEXT NOT NULL,
			public_key             BYTEA NOT NULL,
			private_key_encrypted  BYTEA NOT NULL,
			created_at             BIGINT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS signing_keys_one_active
			ON signing_keys ((status))
			WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS scitt_entries (
			entry_id             TEXT PRIMARY KEY,
			leaf_index            BIGINT NOT NULL,
			payload_hash          BYTEA NOT NULL,
			tree_size_at_append   BIGINT NOT NULL,
			root                  BYTEA NOT NULL,
			receipt_cose          BYTEA NOT NULL,
			created_at            BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scitt_leaves (
			leaf_index BIGINT PRIMARY KEY,
			leaf_hash  BYTEA NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, k Keypair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_keys (key_id, status, algorithm, public_key, private_key_encrypted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key_id) DO UPDATE SET status = EXCLUDED.status
	`, k.KeyID, string(k.Status), k.Algorithm, k.PublicKey, k.PrivateKeyEncrypted, k.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.New(apperrors.KindConstraintViolation, "an active signing key already exists")
		}
		return fmt.Errorf("store: insert signing key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActive(ctx context.Context) (*Keypair, error) {
	return s.queryOne(ctx, `SELECT key_id, status, algorithm, public_key, private_key_encrypted, created_at
		FROM signing_keys WHERE status = 'active' LIMIT 1`)
}

func (s *PostgresStore) GetByID(ctx context.Context, keyID string) (*Keypair, error) {
	return s.queryOne(ctx, `SELECT key_id, status, algorithm, public_key, private_key_encrypted, created_at
		FROM signing_keys WHERE key_id = $1`, keyID)
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Keypair, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var k Keypair
	var status string
	if err := row.Scan(&k.KeyID, &status, &k.Algorithm, &k.PublicKey, &k.PrivateKeyEncrypted, &k.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.KindNotFound, "signing key not found")
		}
		return nil, fmt.Errorf("store: query signing key: %w", err)
	}
	k.Status = KeyStatus(status)
	return &k, nil
}

func (s *PostgresStore) ListRetired(ctx context.Context) ([]Keypair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, status, algorithm, public_key, private_key_encrypted, created_at
		FROM signing_keys WHERE status = 'retired' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query retired keys: %w", err)
	}
	defer rows.Close()

	var out []Keypair
	for rows.Next() {
		var k Keypair
		var status string
		if err := rows.Scan(&k.KeyID, &status, &k.Algorithm, &k.PublicKey, &k.PrivateKeyEncrypted, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan retired key: %w", err)
		}
		k.Status = KeyStatus(status)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRetired(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE signing_keys SET status = 'retired' WHERE key_id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("store: retire signing key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, "signing key not found").WithDetails(keyID)
	}
	return nil
}

func (s *PostgresStore) AppendLeaf(ctx context.Context, leafHash []byte) (uint64, uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var count sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scitt_leaves`).Scan(&count); err != nil {
		return 0, 0, fmt.Errorf("store: count leaves: %w", err)
	}
	index := uint64(count.Int64)

	if _, err := tx.ExecContext(ctx, `INSERT INTO scitt_leaves (leaf_index, leaf_hash) VALUES ($1, $2)`, index, leafHash); err != nil {
		return 0, 0, fmt.Errorf("store: insert leaf: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("store: commit leaf append: %w", err)
	}
	return index, index + 1, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (*LeafEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT entry_id, leaf_index, payload_hash, receipt_cose
		FROM scitt_entries WHERE entry_id = $1`, entryID)
	var e LeafEntry
	if err := row.Scan(&e.EntryID, &e.LeafIndex, &e.LeafHash, &e.Payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.KindNotFound, "scitt entry not found").WithDetails(entryID)
		}
		return nil, fmt.Errorf("store: query scitt entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) PutEntry(ctx context.Context, e LeafEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scitt_entries (entry_id, leaf_index, payload_hash, tree_size_at_append, root, receipt_cose, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, extract(epoch from now())::bigint)
		ON CONFLICT (entry_id) DO NOTHING
	`, e.EntryID, e.LeafIndex, e.LeafHash, e.LeafIndex+1, []byte{}, e.Payload)
	if err != nil {
		return fmt.Errorf("store: insert scitt entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Leaves(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT leaf_hash FROM scitt_leaves ORDER BY leaf_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query leaves: %w", err)
	}
	defer rows.Close()

	var leaves [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("store: scan leaf: %w", err)
		}
		leaves = append(leaves, h)
	}
	return leaves, rows.Err()
}

// isUniqueViolation reports whether err is a postgres unique_violation
// (SQLSTATE 23505), e.g. the signing_keys_one_active partial index.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
