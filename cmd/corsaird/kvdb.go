package main

import (
	"path/filepath"

	dbm "github.com/cometbft/cometbft-db"
)

// openKVDB treats a non-postgres, non-memory DATABASE_URL as a directory
// path and opens (or creates) a GoLevelDB data store there, the
// single-node-durable default cometbft-db engine.
func openKVDB(path string) (dbm.DB, error) {
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	return dbm.NewGoLevelDB(name, dir)
}
