package store

import (
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// The schema sticks to types both SQLite and PostgreSQL accept so one set of
// migrations serves both drivers.
var migrations = []migration{
	{
		Version:     1,
		Description: "bins: sorted bin counts per distribution",
		SQL: `
CREATE TABLE bins (
    dist   TEXT NOT NULL,
    bin    TEXT NOT NULL,
    score  DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (dist, bin)
);

CREATE INDEX idx_bins_score ON bins(dist, score DESC);
`,
	},
	{
		Version:     2,
		Description: "kv_values: normalizers and timestamps",
		SQL: `
CREATE TABLE kv_values (
    name   TEXT PRIMARY KEY,
    value  BIGINT NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "key_versions: write counters for optimistic commits",
		SQL: `
CREATE TABLE key_versions (
    name     TEXT PRIMARY KEY,
    version  BIGINT NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow(db.rebind("SELECT COUNT(*) FROM schema_versions WHERE version = ?"), m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			db.rebind("INSERT INTO schema_versions (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UnixMilli(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
