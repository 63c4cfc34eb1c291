package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// BootstrapOptions configures PersistenceBootstrap.
type BootstrapOptions struct {
	CacheSize int
	CacheTTL  time.Duration
	RedisAddr string // "" disables the shared cache tier
}

// persistenceCloser holds the store handles for cleanup. Implements io.Closer.
type persistenceCloser struct {
	db    *sql.DB
	cache *ListingCache
}

func (c *persistenceCloser) Close() error {
	return errors.Join(c.cache.Close(), c.db.Close())
}

// PersistenceBootstrap initializes store.db, runs consistency repair, and
// returns a ready-to-use StoreEngine plus an io.Closer for its handles.
//
// Steps:
//  1. Open/create store.db with recommended pragmas.
//  2. Apply embedded schema migrations.
//  3. Run consistency repair (expired event leases, orphaned breaker state).
//  4. Construct the layered listing cache and StoreEngine.
func PersistenceBootstrap(storeDir string, opts BootstrapOptions) (engine *StoreEngine, closer io.Closer, err error) {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create store dir %s: %w", storeDir, err)
	}

	db, err := OpenDB(filepath.Join(storeDir, "store.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open store.db: %w", err)
	}

	if err := MigrateStoreDB(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate store.db: %w", err)
	}

	if err := RepairConsistency(db, time.Now()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("repair consistency: %w", err)
	}

	cache, err := NewListingCache(opts.CacheSize, opts.CacheTTL, opts.RedisAddr)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	engine = newStoreEngine(newRepo(db), cache)
	return engine, &persistenceCloser{db: db, cache: cache}, nil
}
