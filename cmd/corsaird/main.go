// Command corsaird is the CPOE platform's HTTP server: CPOE issuance and
// verification, the well-known discovery documents, the SCITT
// transparency log, and SSF stream management, wired from environment
// configuration into a single composition root before handing off to
// net/http.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corsairtrust/cpoe-core/pkg/adapter"
	"github.com/corsairtrust/cpoe-core/pkg/anchor"
	"github.com/corsairtrust/cpoe-core/pkg/certification"
	"github.com/corsairtrust/cpoe-core/pkg/config"
	"github.com/corsairtrust/cpoe-core/pkg/cpoe"
	"github.com/corsairtrust/cpoe-core/pkg/firestoremirror"
	"github.com/corsairtrust/cpoe-core/pkg/httpapi"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
	"github.com/corsairtrust/cpoe-core/pkg/scitt"
	"github.com/corsairtrust/cpoe-core/pkg/ssfstream"
	"github.com/corsairtrust/cpoe-core/pkg/store"
	"github.com/corsairtrust/cpoe-core/pkg/verifier"
	"github.com/corsairtrust/cpoe-core/pkg/zkassurance"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("corsaird: %v", err)
	}
}

func run() error {
	logger := log.New(os.Stdout, "[corsaird] ", log.LstdFlags)

	cfg, err := config.Load(nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	keyStore, logStore, closeStore, err := openStores(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer closeStore()

	var secret [32]byte
	raw, err := hex.DecodeString(cfg.KeyEncryptionSecret)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("KEY_ENCRYPTION_SECRET must decode to 32 bytes")
	}
	copy(secret[:], raw)

	keys := keymanager.New(keyStore, secret)
	if _, err := keys.LoadKeypair(ctx); err != nil {
		logger.Printf("no active signing key found, generating one: %v", err)
		if _, genErr := keys.GenerateKeypair(ctx); genErr != nil {
			return fmt.Errorf("generate initial keypair: %w", genErr)
		}
	}

	issuerDID := "did:web:" + cfg.Domain
	assembler := cpoe.NewAssembler(keys)
	verify := verifier.New([]string{cfg.Domain})
	registry := scitt.New(logStore, keys, issuerDID)
	certEngine := certification.New(
		certification.NewMemoryStore(),
		certification.NewMemoryPolicyStore(),
		time.Now,
	)
	streams := ssfstream.New(ssfstream.NewMemoryStore())
	adapters := adapter.NewRegistry()

	if cfg.EnableDeliveryWorker {
		worker := ssfstream.NewWorker(streams, keys, issuerDID, cfg.DeliveryWorkerInterval, logger)
		workerCtx, workerCancel := context.WithCancel(context.Background())
		defer workerCancel()
		go worker.Run(workerCtx)
		// The hook runs under the engine's lock, so hand off to the
		// worker's queue without touching the network inline.
		certEngine.OnStatusChange(func(c *certification.Certification, from, to certification.Status) {
			go worker.Broadcast(workerCtx, ssfstream.Event{
				Type:    ssfstream.EventCertificationStatusChanged,
				Subject: c.ID,
				Payload: map[string]any{
					"orgId": c.OrgID,
					"from":  string(from),
					"to":    string(to),
					"score": c.CurrentScore,
				},
			})
		})
	}

	var anchors *anchor.Scheduler
	var anchorers []anchor.ChainAnchorer
	if cfg.EthereumURL != "" {
		if ethAnchorer, err := anchor.NewEthereumAnchorer(cfg.EthereumURL, cfg.EthChainID, os.Getenv("ETH_ANCHOR_PRIVATE_KEY")); err != nil {
			logger.Printf("ethereum anchoring disabled: %v", err)
		} else {
			anchorers = append(anchorers, ethAnchorer)
		}
	}
	if cfg.AccumulateURL != "" {
		active, err := keys.LoadKeypair(ctx)
		if err != nil {
			logger.Printf("accumulate anchoring disabled: no active signing key: %v", err)
		} else if accAnchorer, err := anchor.NewAccumulateAnchorer(
			cfg.AccumulateURL,
			os.Getenv("ACCUMULATE_ANCHOR_ACCOUNT_URL"),
			os.Getenv("ACCUMULATE_ANCHOR_SIGNER_URL"),
			1,
			active.PrivateKey,
		); err != nil {
			logger.Printf("accumulate anchoring disabled: %v", err)
		} else {
			anchorers = append(anchorers, accAnchorer)
		}
	}
	if len(anchorers) > 0 {
		anchors = anchor.NewScheduler(logger, anchorers...)
	}

	var mirror *firestoremirror.Mirror
	if cfg.FirestoreEnabled {
		m, err := firestoremirror.New(ctx, firestoremirror.Config{
			ProjectID:  cfg.FirebaseProjectID,
			Collection: "scittEntries",
			Enabled:    true,
			Logger:     logger,
		})
		if err != nil {
			logger.Printf("firestore mirror disabled: %v", err)
		} else {
			mirror = m
		}
	}

	var zkprover *zkassurance.Prover
	if cfg.ZKAssuranceEnabled {
		zkprover = zkassurance.NewProver()
	}

	server := httpapi.NewServer(httpapi.Config{
		Domain:         cfg.Domain,
		AllowedOrigins: cfg.AllowedOrigins,
		APIKeys:        cfg.APIKeys,
	}, httpapi.Deps{
		Keys:       keys,
		Verifier:   verify,
		Assembler:  assembler,
		Registry:   registry,
		CertEngine: certEngine,
		Streams:    streams,
		Adapters:   adapters,
		Anchors:    anchors,
		Mirror:     mirror,
		ZKProver:   zkprover,
		Logger:     logger,
	})

	httpServer := server.NewHTTPServer(cfg.ListenAddr)

	idleConnsClosed := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Println("shutting down: draining in-flight requests")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("graceful shutdown error: %v", err)
		}
		close(idleConnsClosed)
	}()

	logger.Printf("listening on %s (domain=%s)", cfg.ListenAddr, cfg.Domain)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	<-idleConnsClosed
	return nil
}

// openStores picks a KeyStore/LogStore implementation from DATABASE_URL:
// a postgres:// URL selects PostgresStore, a file path selects a
// cometbft-db-backed KVKeyStore/KVLogStore, and "memory" (or an empty
// URL, for local iteration) selects the in-process MemoryStore pair.
func openStores(ctx context.Context, databaseURL string) (store.KeyStore, store.LogStore, func(), error) {
	switch {
	case len(databaseURL) >= len("postgres://") && databaseURL[:len("postgres://")] == "postgres://":
		pg, err := store.OpenPostgres(ctx, databaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		return pg, pg, func() { pg.Close() }, nil
	case databaseURL == "" || databaseURL == "memory":
		return store.NewMemoryKeyStore(), store.NewMemoryLogStore(), func() {}, nil
	default:
		db, err := openKVDB(databaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return store.NewKVKeyStore(db), store.NewKVLogStore(db), func() { db.Close() }, nil
	}
}
