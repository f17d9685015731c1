// Package anchor optionally anchors SCITT tree roots into external
// ledgers for additional tamper-evidence.
// Anchoring is best-effort and asynchronous: a ChainAnchorer failure is
// logged and never propagates back to pkg/scitt.Registry.Append.
package anchor

import (
	"context"
	"log"
)

// ChainAnchorer commits a SCITT tree root to an external ledger and
// returns an opaque reference (tx hash / data-entry hash) to that commit.
type ChainAnchorer interface {
	Anchor(ctx context.Context, root [32]byte, treeSize uint64) (txRef string, err error)
	Name() string
}

// Scheduler fans a root out to every configured anchorer without blocking
// the caller, logging failures instead of returning them. An append must
// never wait on an external chain.
type Scheduler struct {
	anchorers []ChainAnchorer
	logger    *log.Logger
}

// NewScheduler builds a Scheduler over zero or more anchorers. A Scheduler
// with no anchorers is valid and simply does nothing on every Schedule
// call, so anchoring can be disabled entirely without special-casing the
// caller.
func NewScheduler(logger *log.Logger, anchorers ...ChainAnchorer) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[anchor] ", log.LstdFlags)
	}
	return &Scheduler{anchorers: anchorers, logger: logger}
}

// Schedule anchors root/treeSize on every configured chain in its own
// goroutine. It returns immediately; callers must not wait on the result.
func (s *Scheduler) Schedule(ctx context.Context, root [32]byte, treeSize uint64) {
	for _, a := range s.anchorers {
		a := a
		go func() {
			txRef, err := a.Anchor(ctx, root, treeSize)
			if err != nil {
				s.logger.Printf("%s anchor failed for treeSize=%d: %v", a.Name(), treeSize, err)
				return
			}
			s.logger.Printf("%s anchor committed treeSize=%d ref=%s", a.Name(), treeSize, txRef)
		}()
	}
}
