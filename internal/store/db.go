package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// DB is a Store backed by a SQL database: SQLite through modernc.org/sqlite,
// or PostgreSQL through lib/pq. Watched keys are guarded by a version row
// per key that every write bumps.
type DB struct {
	*sql.DB
	Path   string
	driver string
}

// DefaultDBPath returns the default database path: ~/.forgettable/forgettable.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".forgettable", "forgettable.db"), nil
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return openSQLite(path, path)
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	return openSQLite(":memory:", ":memory:")
}

func openSQLite(dsn, path string) (*DB, error) {
	sqlDB, err := sql.Open(driverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: an in-memory database is per-connection, and SQLite
	// serializes writers anyway.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: path, driver: driverSQLite}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenPostgres connects to PostgreSQL and runs migrations.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(driverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{DB: sqlDB, Path: redactDSN(dsn), driver: driverPostgres}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (db *DB) bumpVersion(ctx context.Context, ex execer, name string) error {
	_, err := ex.ExecContext(ctx, db.rebind(`
		INSERT INTO key_versions (name, version) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET version = key_versions.version + 1
	`), name)
	if err != nil {
		return fmt.Errorf("bump version %s: %w", name, err)
	}
	return nil
}

func (db *DB) IncrementBinScore(ctx context.Context, key, bin string, delta float64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO bins (dist, bin, score) VALUES (?, ?, ?)
			ON CONFLICT (dist, bin) DO UPDATE SET score = bins.score + excluded.score
		`), key, bin, delta)
		if err != nil {
			return fmt.Errorf("increment bin %s/%s: %w", key, bin, err)
		}
		return db.bumpVersion(ctx, tx, key)
	})
}

func (db *DB) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	var value int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, db.rebind(`
			INSERT INTO kv_values (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET value = kv_values.value + excluded.value
			RETURNING value
		`), key, delta).Scan(&value)
		if err != nil {
			return fmt.Errorf("increment counter %s: %w", key, err)
		}
		return db.bumpVersion(ctx, tx, key)
	})
	return value, err
}

func (db *DB) IncrementBins(ctx context.Context, key string, bins []string, delta, now int64) (int64, error) {
	zKey, tKey := NormalizerKey(key), TimestampKey(key)
	var z int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		q := db.rebind(`
			INSERT INTO bins (dist, bin, score) VALUES (?, ?, ?)
			ON CONFLICT (dist, bin) DO UPDATE SET score = bins.score + excluded.score
		`)
		for _, bin := range bins {
			if _, err := tx.ExecContext(ctx, q, key, bin, float64(delta)); err != nil {
				return fmt.Errorf("increment bin %s/%s: %w", key, bin, err)
			}
		}
		err := tx.QueryRowContext(ctx, db.rebind(`
			INSERT INTO kv_values (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET value = kv_values.value + excluded.value
			RETURNING value
		`), zKey, delta*int64(len(bins))).Scan(&z)
		if err != nil {
			return fmt.Errorf("increment counter %s: %w", zKey, err)
		}
		res, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO kv_values (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO NOTHING
		`), tKey, now)
		if err != nil {
			return fmt.Errorf("stamp %s: %w", tKey, err)
		}
		names := []string{key, zKey}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			names = append(names, tKey)
		}
		for _, name := range names {
			if err := db.bumpVersion(ctx, tx, name); err != nil {
				return err
			}
		}
		return nil
	})
	return z, err
}

func (db *DB) SetValue(ctx context.Context, key string, value int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.setValue(ctx, tx, key, value); err != nil {
			return err
		}
		return db.bumpVersion(ctx, tx, key)
	})
}

func (db *DB) setValue(ctx context.Context, ex execer, key string, value int64) error {
	_, err := ex.ExecContext(ctx, db.rebind(`
		INSERT INTO kv_values (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value
	`), key, value)
	if err != nil {
		return fmt.Errorf("set value %s: %w", key, err)
	}
	return nil
}

func (db *DB) setScores(ctx context.Context, ex execer, key string, scores []BinScore) error {
	q := db.rebind(`
		INSERT INTO bins (dist, bin, score) VALUES (?, ?, ?)
		ON CONFLICT (dist, bin) DO UPDATE SET score = excluded.score
	`)
	for _, s := range scores {
		if _, err := ex.ExecContext(ctx, q, key, s.Bin, s.Score); err != nil {
			return fmt.Errorf("set score %s/%s: %w", key, s.Bin, err)
		}
	}
	return nil
}

func (db *DB) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, db.rebind(`
		SELECT (SELECT COUNT(*) FROM bins WHERE dist = ?) + (SELECT COUNT(*) FROM kv_values WHERE name = ?)
	`), key, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (db *DB) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT bin, score FROM bins WHERE dist = ? ORDER BY score DESC, bin
	`), key)
	if err != nil {
		return nil, fmt.Errorf("read bins %s: %w", key, err)
	}
	defer rows.Close()

	scores := []BinScore{}
	for rows.Next() {
		var s BinScore
		if err := rows.Scan(&s.Bin, &s.Score); err != nil {
			return nil, fmt.Errorf("scan bin: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

func (db *DB) GetValue(ctx context.Context, key string) (int64, bool, error) {
	var v int64
	err := db.QueryRowContext(ctx, db.rebind(`SELECT value FROM kv_values WHERE name = ?`), key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get value %s: %w", key, err)
	}
	return v, true, nil
}

func (db *DB) version(ctx context.Context, name string) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, db.rebind(`SELECT version FROM key_versions WHERE name = ?`), name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version %s: %w", name, err)
	}
	return v, nil
}

func (db *DB) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	seen := make(map[string]int64, len(keys))
	for _, k := range keys {
		v, err := db.version(ctx, k)
		if err != nil {
			return err
		}
		seen[k] = v
	}
	return fn(&sqlTx{db: db, seen: seen})
}

func (db *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT dist FROM bins ORDER BY dist`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

type sqlTx struct {
	db   *DB
	seen map[string]int64
}

func (tx *sqlTx) Exists(ctx context.Context, key string) (bool, error) {
	return tx.db.Exists(ctx, key)
}

func (tx *sqlTx) ReadAllSorted(ctx context.Context, key string) ([]BinScore, error) {
	return tx.db.ReadAllSorted(ctx, key)
}

func (tx *sqlTx) GetValue(ctx context.Context, key string) (int64, bool, error) {
	return tx.db.GetValue(ctx, key)
}

// Commit claims every watched version with a compare-and-swap before
// writing. The CAS statements come first so the transaction takes the write
// lock before it reads anything.
func (tx *sqlTx) Commit(ctx context.Context, ops ...Op) error {
	db := tx.db
	return db.withTx(ctx, func(sqlTx *sql.Tx) error {
		for name, want := range tx.seen {
			var (
				res sql.Result
				err error
			)
			if want == 0 {
				res, err = sqlTx.ExecContext(ctx, db.rebind(`
					INSERT INTO key_versions (name, version) VALUES (?, 1)
					ON CONFLICT (name) DO NOTHING
				`), name)
			} else {
				res, err = sqlTx.ExecContext(ctx, db.rebind(`
					UPDATE key_versions SET version = version + 1 WHERE name = ? AND version = ?
				`), name, want)
			}
			if err != nil {
				return fmt.Errorf("claim version %s: %w", name, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim version %s: %w", name, err)
			}
			if n == 0 {
				return ErrConflict
			}
		}

		for _, op := range ops {
			var err error
			switch op.Kind {
			case OpSetScores:
				err = db.setScores(ctx, sqlTx, op.Key, op.Scores)
			case OpSetValue:
				err = db.setValue(ctx, sqlTx, op.Key, op.Value)
			}
			if err != nil {
				return err
			}
			if _, watched := tx.seen[op.Key]; !watched {
				if err := db.bumpVersion(ctx, sqlTx, op.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// redactDSN drops the password from a connection URL for display.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if user, _, ok := strings.Cut(userinfo, ":"); ok {
		return dsn[:scheme+3] + user + ":xxxxx" + dsn[at:]
	}
	return dsn
}
