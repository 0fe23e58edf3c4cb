package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hverr "github.com/opaque/hevec/pkg/errors"
)

type backend struct {
	name string
	open func(t *testing.T) Ledger
}

func backends() []backend {
	list := []backend{
		{"memory", func(t *testing.T) Ledger { return NewMemory() }},
		{"sqlite", func(t *testing.T) Ledger {
			l, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
			require.NoError(t, err)
			return l
		}},
		{"sqlite+zstd", func(t *testing.T) Ledger {
			l, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
			require.NoError(t, err)
			c, err := NewCompressed(l)
			require.NoError(t, err)
			return c
		}},
	}

	if dsn := os.Getenv("HEVEC_TEST_POSTGRES_DSN"); dsn != "" {
		list = append(list, backend{"postgres", func(t *testing.T) Ledger {
			l, err := NewPostgres(context.Background(), dsn, nil)
			require.NoError(t, err)
			_, err = l.db.Exec("DROP TABLE IF EXISTS vectors")
			require.NoError(t, err)
			return l
		}})
	}
	return list
}

func record(key string, vector string) Record {
	return Record{
		Key:    []byte(key),
		ID:     []byte("id:" + key),
		Vector: bytes.Repeat([]byte(vector), 64),
		Text:   []byte("text:" + key),
	}
}

func sortedKeys(records []Record) []string {
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = string(r.Key)
	}
	sort.Strings(keys)
	return keys
}

func TestLedgerContract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := b.open(t)
			defer l.Close()

			n, err := l.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n, "count before init")

			require.NoError(t, l.Init(ctx))
			require.NoError(t, l.Init(ctx), "init is idempotent")

			require.NoError(t, l.Put(ctx, record("a", "1"), record("b", "2"), record("c", "3")))

			n, err = l.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			records, err := l.ScanAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, sortedKeys(records))
			for _, r := range records {
				want := record(string(r.Key), "")
				assert.Equal(t, want.ID, r.ID)
				assert.Equal(t, want.Text, r.Text)
			}

			ids, err := l.IDs(ctx)
			require.NoError(t, err)
			assert.Len(t, ids, 3)
		})
	}
}

func TestLedgerUpsertReplaces(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := b.open(t)
			defer l.Close()
			require.NoError(t, l.Init(ctx))

			require.NoError(t, l.Put(ctx, record("dup", "1")))
			require.NoError(t, l.Put(ctx, record("dup", "2")))

			records, err := l.ScanAll(ctx)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, record("dup", "2").Vector, records[0].Vector)
		})
	}
}

func TestLedgerEmptyPut(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := b.open(t)
			defer l.Close()
			require.NoError(t, l.Init(ctx))

			require.NoError(t, l.Put(ctx))
			n, err := l.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestLedgerCloseIdempotent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t)
			assert.NoError(t, l.Close())
			assert.NoError(t, l.Close())
		})
	}
}

func TestSQLLedgerZeroValueClose(t *testing.T) {
	var l *SQLLedger
	assert.NoError(t, l.Close())
	assert.NoError(t, (&SQLLedger{}).Close())
}

func TestSQLitePutIsAtomic(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Init(ctx))

	bad := record("b", "2")
	bad.Vector = nil // violates NOT NULL

	err = l.Put(ctx, record("a", "1"), bad)
	require.Error(t, err)
	assert.True(t, hverr.IsStorageError(err))

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed batch must not leave partial records")
}

func TestSQLiteWALMode(t *testing.T) {
	l, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer l.Close()

	var mode string
	require.NoError(t, l.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var synchronous int
	require.NoError(t, l.db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "synchronous=NORMAL")
}

func TestSQLiteCountWithoutSchema(t *testing.T) {
	l, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer l.Close()

	n, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = l.ScanAll(context.Background())
	assert.True(t, hverr.IsStorageError(err))
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "ledger.db")

	l, err := NewSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Put(ctx, record("a", "1")))
	require.NoError(t, l.Close())

	l, err = NewSQLite(path, nil)
	require.NoError(t, err)
	defer l.Close()
	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteConcurrentReadersDuringWrites(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Init(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, l.Put(ctx, record(fmt.Sprintf("k%02d", i), "v")))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := l.ScanAll(ctx)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestMemoryRequiresInit(t *testing.T) {
	l := NewMemory()
	err := l.Put(context.Background(), record("a", "1"))
	assert.True(t, hverr.IsStorageError(err))

	_, err = l.ScanAll(context.Background())
	assert.True(t, hverr.IsStorageError(err))
}

func TestCompressedShrinksAndReadsLegacyBlobs(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	c, err := NewCompressed(inner)
	require.NoError(t, err)
	require.NoError(t, c.Init(ctx))

	require.NoError(t, c.Put(ctx, record("z", "0")))
	// Written before compression was enabled.
	require.NoError(t, inner.Put(ctx, record("raw", "9")))

	stored, err := inner.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Less(t, len(stored[0].Vector), len(record("z", "0").Vector))

	records, err := c.ScanAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, record("z", "0").Vector, records[0].Vector)
	assert.Equal(t, record("raw", "9").Vector, records[1].Vector)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(ctx, Options{Driver: DriverSQLite, Path: dir, Compression: CompressionZstd})
	require.NoError(t, err)
	require.NoError(t, l.Put(ctx, record("a", "1")))
	require.NoError(t, l.Close())

	_, err = os.Stat(filepath.Join(dir, DefaultFileName))
	assert.NoError(t, err)

	m, err := Open(ctx, Options{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryLedger{}, m)

	_, err = Open(ctx, Options{Driver: "oracle"})
	assert.True(t, hverr.IsStorageError(err))

	_, err = Open(ctx, Options{Driver: DriverMemory, Compression: "lzma"})
	assert.True(t, hverr.IsStorageError(err))
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "data/store.db", ResolvePath("data/store.db"))
	assert.Equal(t, filepath.Join("data", DefaultFileName), ResolvePath("data"))
	assert.Equal(t, ":memory:", ResolvePath(":memory:"))
}
