package db

import (
	"context"
	"fmt"

	"github.com/onnwee/mission-tender/snapshot"
)

// Snapshot backends accepted by OpenStore.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// OpenStore opens the snapshot backend named by backend. location is a file
// path for file and sqlite, and a DSN for postgres. Postgres schemas are
// migrated before the store is returned.
func OpenStore(ctx context.Context, backend, location string) (snapshot.Store, error) {
	switch backend {
	case BackendFile, "":
		return snapshot.NewFileStore(location), nil
	case BackendSQLite:
		return snapshot.OpenSQLite(location)
	case BackendPostgres:
		dbx, err := Connect(location)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := dbx.PingContext(ctx); err != nil {
			_ = dbx.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := Migrate(dbx); err != nil {
			_ = dbx.Close()
			return nil, err
		}
		return &SnapshotStore{DB: dbx}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
