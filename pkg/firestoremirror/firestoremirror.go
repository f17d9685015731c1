// Package firestoremirror best-effort-mirrors SCITT append metadata into
// Firestore for a read-only external dashboard, gated by
// FIRESTORE_ENABLED. Mirror failures never fail a SCITT append.
package firestoremirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// Entry is the subset of a scitt.Entry mirrored to the dashboard. Kept
// separate from scitt.Entry so the mirror never depends on the SCITT
// receipt/proof internals, only the fields the dashboard renders.
type Entry struct {
	EntryID     string    `firestore:"entryId"`
	PayloadHash string    `firestore:"payloadHash"`
	TreeSize    uint64    `firestore:"treeSize"`
	LeafIndex   uint64    `firestore:"leafIndex"`
	MirroredAt  time.Time `firestore:"mirroredAt"`
}

// Config configures Mirror. When Enabled is false every call is a no-op,
// not an error.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultConfig reads FIREBASE_PROJECT_ID / GOOGLE_APPLICATION_CREDENTIALS /
// FIRESTORE_ENABLED from the environment.
func DefaultConfig() Config {
	return Config{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Collection:      "scittEntries",
		Enabled:         os.Getenv("FIRESTORE_ENABLED") == "true",
		Logger:          log.New(os.Stdout, "[firestoremirror] ", log.LstdFlags),
	}
}

// Mirror writes SCITT entry metadata to Firestore, or no-ops when disabled.
type Mirror struct {
	mu         sync.RWMutex
	app        *firebase.App
	client     *gcpfirestore.Client
	collection string
	enabled    bool
	logger     *log.Logger
}

// New builds a Mirror. When cfg.Enabled is false, New never dials
// Firestore and every subsequent Append call is a no-op.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[firestoremirror] ", log.LstdFlags)
	}
	if cfg.Collection == "" {
		cfg.Collection = "scittEntries"
	}

	m := &Mirror{collection: cfg.Collection, enabled: cfg.Enabled, logger: cfg.Logger}
	if !cfg.Enabled {
		cfg.Logger.Println("firestore mirror disabled - running in no-op mode")
		return m, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("FIREBASE_PROJECT_ID is required when firestore mirror is enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	m.app = app
	m.client = client
	cfg.Logger.Printf("firestore mirror initialized for project: %s", cfg.ProjectID)
	return m, nil
}

// Close releases the underlying Firestore client, if any. Disabled mirrors
// have nothing to close.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Append mirrors one SCITT entry's metadata. Failures are logged, never
// returned, so a dashboard outage can never fail a transparency-log append.
func (m *Mirror) Append(ctx context.Context, entry Entry) {
	m.mu.RLock()
	client := m.client
	enabled := m.enabled
	m.mu.RUnlock()

	if !enabled {
		return
	}
	if client == nil {
		m.logger.Println("firestore mirror enabled but client is nil, skipping")
		return
	}

	entry.MirroredAt = time.Now().UTC()
	docPath := fmt.Sprintf("%s/%s", m.collection, entry.EntryID)
	if _, err := client.Doc(docPath).Set(ctx, map[string]any{
		"entryId":     entry.EntryID,
		"payloadHash": entry.PayloadHash,
		"treeSize":    entry.TreeSize,
		"leafIndex":   entry.LeafIndex,
		"mirroredAt":  entry.MirroredAt,
	}); err != nil {
		m.logger.Printf("mirror failed for entry %s: %v", entry.EntryID, err)
	}
}
