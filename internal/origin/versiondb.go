// Copyright 2025 ProxyFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package origin

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"proxyfs/internal/util"
)

// Default busy_timeout in milliseconds
const defaultBusyTimeout = 30000

// FileVersionModel represents the file_versions table: the durable
// path -> version map that keeps versions strictly monotone across
// server restarts.
type FileVersionModel struct {
	bun.BaseModel `bun:"table:file_versions"`

	Path    string `bun:"path,pk"`
	Version int64  `bun:"version,notnull"`
}

// VersionDB is the libsql-backed persistence for the origin's version
// counters.
type VersionDB struct {
	db *bun.DB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because
// libsql returns rows for PRAGMA statements.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must
// be set explicitly after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first so journal_mode=WAL waits for locks instead of
	// failing immediately with "database is locked".
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

// OpenVersionDB opens (creating if needed) the version database at path.
func OpenVersionDB(path string) (*VersionDB, error) {
	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open version db: %w", err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db := bun.NewDB(sqlDB, sqlitedialect.New())
	if _, err := db.NewCreateTable().
		Model((*FileVersionModel)(nil)).
		IfNotExists().
		Exec(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &VersionDB{db: db}, nil
}

// Close closes the database.
func (v *VersionDB) Close() error {
	return v.db.Close()
}

// Load reads the full version table.
func (v *VersionDB) Load(ctx context.Context) (map[string]int64, error) {
	var models []FileVersionModel
	if err := v.db.NewSelect().Model(&models).Scan(ctx); err != nil {
		return nil, err
	}
	versions := make(map[string]int64, len(models))
	for _, m := range models {
		versions[m.Path] = m.Version
	}
	return versions, nil
}

// Set upserts one path's version. Retries transient "database is
// locked" errors (WAL checkpoint contention with concurrent readers).
func (v *VersionDB) Set(ctx context.Context, path string, version int64) error {
	return util.Retry(ctx, func() error {
		_, err := v.db.NewInsert().
			Model(&FileVersionModel{Path: path, Version: version}).
			On("CONFLICT (path) DO UPDATE").
			Set("version = EXCLUDED.version").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}
