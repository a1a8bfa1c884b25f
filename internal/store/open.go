package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
)

// Options tune how OpenDSN builds a backend.
type Options struct {
	// PoolSize caps open connections for postgres and redis. Zero keeps the
	// driver default.
	PoolSize int
	Logger   logr.Logger
}

// OpenDSN builds a Store from a DSN. The scheme picks the backend:
//
//	memory://                  in-process maps
//	sqlite:///path/to.db       SQLite file (sqlite://memory for in-memory)
//	postgres://user@host/db    PostgreSQL
//	badger:///dir              BadgerDB directory (badger://memory for in-memory)
//	redis://host:port/0        Redis
//
// A DSN without a scheme is taken as a SQLite file path, and an empty DSN
// opens the default database path.
func OpenDSN(ctx context.Context, dsn string, opts Options) (Store, error) {
	if dsn == "" {
		path, err := DefaultDBPath()
		if err != nil {
			return nil, err
		}
		dsn = "sqlite://" + path
	}

	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		scheme, rest = "sqlite", dsn
	}

	switch scheme {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		if rest == "memory" || rest == ":memory:" {
			return asStore(OpenMemory())
		}
		return asStore(Open(rest))
	case "postgres", "postgresql":
		db, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if opts.PoolSize > 0 {
			db.SetMaxOpenConns(opts.PoolSize)
		}
		return db, nil
	case "badger":
		if rest == "memory" {
			return asStore(OpenBadgerMemory(opts.Logger))
		}
		return asStore(OpenBadger(rest, opts.Logger))
	case "redis", "rediss":
		return asStore(OpenRedis(ctx, dsn, opts.PoolSize))
	}
	return nil, fmt.Errorf("unsupported store scheme %q", scheme)
}

// OpenSharded opens one store per DSN and routes over them. A single DSN
// returns that store unwrapped.
func OpenSharded(ctx context.Context, dsns []string, opts Options) (Store, error) {
	if len(dsns) == 0 {
		return nil, errors.New("no store DSNs given")
	}
	if len(dsns) == 1 {
		return OpenDSN(ctx, dsns[0], opts)
	}

	shards := make([]Store, 0, len(dsns))
	for i, dsn := range dsns {
		s, err := OpenDSN(ctx, dsn, opts)
		if err != nil {
			for _, opened := range shards {
				opened.Close()
			}
			return nil, fmt.Errorf("open shard %d: %w", i, err)
		}
		opts.Logger.V(1).Info("opened shard", "index", i, "scheme", schemeOf(dsn))
		shards = append(shards, s)
	}
	return NewSharded(shards...), nil
}

func schemeOf(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme
	}
	return "sqlite"
}

// asStore keeps a failed open from returning a non-nil Store holding a nil
// pointer.
func asStore[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
