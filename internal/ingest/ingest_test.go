package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/hevec/internal/ledger"
	"github.com/opaque/hevec/pkg/crypto"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/identity"
)

var (
	ctxOnce sync.Once
	hctx    *crypto.Context
	ctxErr  error
)

func testPool(t *testing.T, dimension int) *crypto.EnginePool {
	t.Helper()
	ctxOnce.Do(func() {
		hctx, ctxErr = crypto.GenerateContext(crypto.FastParametersLiteral())
	})
	require.NoError(t, ctxErr)

	pool, err := crypto.NewEnginePool(hctx, 1, dimension)
	require.NoError(t, err)
	return pool
}

func testCipher(t *testing.T) *identity.Cipher {
	t.Helper()
	key, err := identity.GenerateKey()
	require.NoError(t, err)
	c, err := identity.NewCipher(key)
	require.NoError(t, err)
	return c
}

func newLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemory()
	require.NoError(t, l.Init(context.Background()))
	return l
}

type failingWriter struct{ calls int }

func (f *failingWriter) Put(ctx context.Context, records ...ledger.Record) error {
	f.calls++
	return hverr.New(hverr.CodeStorageDatabaseFailure, "disk full")
}

func TestAddEncryptsEverything(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t, 2)
	cipher := testCipher(t)
	l := newLedger(t)

	p := New(Config{Engines: pool, Sealer: cipher, Writer: l, Dimension: 2})
	ids, err := p.Add(ctx, Batch{
		IDs:     []string{"a", "b"},
		Vectors: [][]float64{{3, 4}, {0, 2}},
		Texts:   []string{"alpha"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	records, err := l.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for i, r := range records {
		id, err := cipher.Decrypt(r.ID)
		require.NoError(t, err)
		assert.Equal(t, ids[i], string(id))
		assert.Equal(t, cipher.LookupKey([]byte(ids[i])), r.Key)
	}

	text, err := cipher.Decrypt(records[0].Text)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(text))

	// Missing texts are stored as empty strings.
	text, err = cipher.Decrypt(records[1].Text)
	require.NoError(t, err)
	assert.Empty(t, text)

	// Stored vectors are normalized: [3,4] decrypts to [0.6,0.8].
	require.NoError(t, pool.Do(ctx, func(e *crypto.Engine) error {
		ct, err := e.DeserializeCiphertext(records[0].Vector)
		require.NoError(t, err)
		v, err := e.DecryptVector(ct, 2)
		require.NoError(t, err)
		assert.InDelta(t, 0.6, v[0], 1e-4)
		assert.InDelta(t, 0.8, v[1], 1e-4)
		return nil
	}))
}

func TestAddWithoutCipherStoresPlainBytes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	p := New(Config{Engines: testPool(t, 0), Writer: l})

	_, err := p.Add(ctx, Batch{IDs: []string{"doc"}, Vectors: [][]float64{{1}}, Texts: []string{"body"}})
	require.NoError(t, err)

	records, err := l.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("doc"), records[0].Key)
	assert.Equal(t, []byte("doc"), records[0].ID)
	assert.Equal(t, []byte("body"), records[0].Text)
}

func TestAddGeneratesIDs(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	p := New(Config{Engines: testPool(t, 0), Sealer: testCipher(t), Writer: l})

	ids, err := p.Add(ctx, Batch{Vectors: [][]float64{{1, 0}, {0, 1}}})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	}
	assert.NotEqual(t, ids[0], ids[1])

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAddZeroVectorStoredUnmodified(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t, 2)
	l := newLedger(t)
	p := New(Config{Engines: pool, Writer: l})

	_, err := p.Add(ctx, Batch{IDs: []string{"zero"}, Vectors: [][]float64{{0, 0}}})
	require.NoError(t, err)

	records, err := l.ScanAll(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Do(ctx, func(e *crypto.Engine) error {
		ct, err := e.DeserializeCiphertext(records[0].Vector)
		require.NoError(t, err)
		v, err := e.DecryptVector(ct, 2)
		require.NoError(t, err)
		assert.InDelta(t, 0, v[0], 1e-4)
		assert.InDelta(t, 0, v[1], 1e-4)
		return nil
	}))
}

func TestAddRejectsInvalidBatches(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
	}{
		{"length mismatch", Batch{IDs: []string{"a"}, Vectors: [][]float64{{1}, {2}}}},
		{"too many texts", Batch{IDs: []string{"a"}, Vectors: [][]float64{{1}}, Texts: []string{"x", "y"}}},
		{"wrong dimension", Batch{IDs: []string{"a", "b"}, Vectors: [][]float64{{1, 0}, {1, 0, 0}}}},
		{"empty vector", Batch{IDs: []string{"a"}, Vectors: [][]float64{{}}}},
		{"empty id", Batch{IDs: []string{""}, Vectors: [][]float64{{1, 0}}}},
		{"not finite", Batch{IDs: []string{"a", "b"}, Vectors: [][]float64{{1, 0}, {math.NaN(), 0}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t)
			p := New(Config{Engines: testPool(t, 2), Sealer: testCipher(t), Writer: l, Dimension: 2})

			_, err := p.Add(ctx, tt.batch)
			require.Error(t, err)
			assert.True(t, hverr.IsBatchError(err), "got %v", err)

			n, err := l.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n, "nothing is written when a batch fails")
		})
	}
}

func TestAddPropagatesStorageErrors(t *testing.T) {
	w := &failingWriter{}
	p := New(Config{Engines: testPool(t, 0), Writer: w})

	_, err := p.Add(context.Background(), Batch{IDs: []string{"a", "b"}, Vectors: [][]float64{{1}, {1}}})
	require.Error(t, err)
	assert.True(t, hverr.IsStorageError(err))
	assert.Equal(t, 1, w.calls, "whole batch goes out in a single write")
}

func TestAddEmptyBatch(t *testing.T) {
	w := &failingWriter{}
	p := New(Config{Engines: testPool(t, 0), Writer: w})

	ids, err := p.Add(context.Background(), Batch{})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, w.calls)
}

func TestAddCancelledWhileWaitingForEngine(t *testing.T) {
	pool := testPool(t, 0)
	engine, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(Config{Engines: pool, Writer: newLedger(t)})
	_, err = p.Add(ctx, Batch{IDs: []string{"a"}, Vectors: [][]float64{{1}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, hverr.IsBatchError(err))
}
