package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/lazypower/forgettable/internal/store"
	"github.com/lazypower/forgettable/internal/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := store.Open(filepath.Join(t.TempDir(), "forgettable.db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return db
	})
}

func TestSQLiteMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := store.OpenMemory()
		if err != nil {
			t.Fatalf("OpenMemory: %v", err)
		}
		return db
	})
}

func TestBadgerConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		b, err := store.OpenBadgerMemory(logr.Discard())
		if err != nil {
			t.Fatalf("OpenBadgerMemory: %v", err)
		}
		return b
	})
}

func TestBadgerOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := store.OpenBadger(dir, logr.Discard())
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	if err := b.IncrementBinScore(ctx, "colors", "red", 3); err != nil {
		t.Fatalf("IncrementBinScore: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err = store.OpenBadger(dir, logr.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()

	bins, err := b.ReadAllSorted(ctx, "colors")
	if err != nil {
		t.Fatalf("ReadAllSorted: %v", err)
	}
	if len(bins) != 1 || bins[0].Score != 3 {
		t.Errorf("bins after reopen = %+v, want [red:3]", bins)
	}
}

func TestRedisConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		mr := miniredis.RunT(t)
		return store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	})
}

func TestShardedConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewSharded(store.NewMemory(), store.NewMemory(), store.NewMemory())
	})
}

func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("FORGETTABLE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORGETTABLE_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		db, err := store.OpenPostgres(ctx, dsn)
		if err != nil {
			t.Fatalf("OpenPostgres: %v", err)
		}
		for _, table := range []string{"bins", "kv_values", "key_versions"} {
			if _, err := db.ExecContext(ctx, "TRUNCATE "+table); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		return db
	})
}
