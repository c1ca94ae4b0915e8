package store

import (
	"context"
	"fmt"

	"unisync/internal/docstore"
)

// Documents bundles the document store with whatever must be closed on
// shutdown.
type Documents struct {
	docstore.Store
	db *DB
}

// OpenDocuments builds the document store for backend: "postgres" (pgx),
// "sqlite" (modernc) or "memory". SQL backends are migrated on open.
func OpenDocuments(ctx context.Context, backend, databaseURL, sqlitePath string) (*Documents, error) {
	var driver, dsn string
	switch backend {
	case "memory":
		return &Documents{Store: docstore.NewMemory()}, nil
	case "postgres":
		driver, dsn = "pgx", databaseURL
	case "sqlite":
		driver, dsn = "sqlite", sqlitePath
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}

	db, err := NewDB(driver, dsn)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}
	dialect, err := docstore.DialectFor(driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	sqlStore := docstore.NewSQL(db.Client, dialect)
	if err := sqlStore.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Documents{Store: sqlStore, db: db}, nil
}

// Close closes the SQL pool, if any.
func (d *Documents) Close() error {
	if d == nil {
		return nil
	}
	return d.db.Close()
}
