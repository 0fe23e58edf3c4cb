package search

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/opaque/hevec/internal/ingest"
	"github.com/opaque/hevec/internal/ledger"
	"github.com/opaque/hevec/pkg/crypto"
	hverr "github.com/opaque/hevec/pkg/errors"
)

var (
	ctxOnce sync.Once
	hctx    *crypto.Context
	ctxErr  error
)

func testPool(t testing.TB, engines, dimension int) *crypto.EnginePool {
	t.Helper()
	ctxOnce.Do(func() {
		hctx, ctxErr = crypto.GenerateContext(crypto.FastParametersLiteral())
	})
	require.NoError(t, ctxErr)

	pool, err := crypto.NewEnginePool(hctx, engines, dimension)
	require.NoError(t, err)
	return pool
}

// corpus ingests the vectors with plaintext identifiers "0", "1", ...
func corpus(t testing.TB, pool *crypto.EnginePool, dimension int, vectors ...[]float64) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemory()
	require.NoError(t, l.Init(context.Background()))

	ids := make([]string, len(vectors))
	for i := range vectors {
		ids[i] = fmt.Sprint(i)
	}
	p := ingest.New(ingest.Config{Engines: pool, Writer: l, Dimension: dimension})
	_, err := p.Add(context.Background(), ingest.Batch{IDs: ids, Vectors: vectors})
	require.NoError(t, err)
	return l
}

func hitIDs(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = string(h.ID)
	}
	return out
}

type failingSource struct{}

func (failingSource) ScanAll(ctx context.Context) ([]ledger.Record, error) {
	return nil, hverr.New(hverr.CodeStorageDatabaseFailure, "database is locked")
}

type countingSource struct {
	Source
	scans atomic.Int32
}

func (c *countingSource) ScanAll(ctx context.Context) ([]ledger.Record, error) {
	c.scans.Add(1)
	return c.Source.ScanAll(ctx)
}

func TestSearchOrthogonalPair(t *testing.T) {
	pool := testPool(t, 2, 2)
	l := corpus(t, pool, 2, []float64{1, 0}, []float64{0, 1})
	e := New(Config{Engines: pool, Source: l})

	results, err := e.Search(context.Background(), Request{
		Queries: [][]float64{{1, 0}},
		TopK:    2,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0], 2)

	assert.Equal(t, []string{"0", "1"}, hitIDs(results[0]))
	assert.InDelta(t, 1.0, results[0][0].Score, 1e-2)
	assert.InDelta(t, 0.0, results[0][1].Score, 1e-2)
}

func TestSearchRanksByCosine(t *testing.T) {
	pool := testPool(t, 2, 4)
	l := corpus(t, pool, 4,
		[]float64{0, 0, 0, 1},
		[]float64{1, 1, 0, 0},
		[]float64{1, 0, 0, 0},
		[]float64{-1, 0, 0, 0},
		[]float64{1, 0.1, 0, 0},
	)
	e := New(Config{Engines: pool, Source: l, Parallelism: 3})

	results, err := e.Search(context.Background(), Request{
		Queries: [][]float64{{2, 0, 0, 0}, {0, 0, 0, 5}},
		TopK:    3,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []string{"2", "4", "1"}, hitIDs(results[0]))
	assert.InDelta(t, 1.0, results[0][0].Score, 1e-2)
	assert.InDelta(t, 1/math.Sqrt(1.01), results[0][1].Score, 1e-2)
	assert.InDelta(t, 1/math.Sqrt2, results[0][2].Score, 1e-2)

	assert.Equal(t, "0", string(results[1][0].ID))
	for _, hits := range results {
		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		}
	}
}

func TestSearchTopKLargerThanCorpus(t *testing.T) {
	pool := testPool(t, 1, 2)
	l := corpus(t, pool, 2, []float64{1, 0}, []float64{0, 1}, []float64{1, 1})
	e := New(Config{Engines: pool, Source: l})

	results, err := e.Search(context.Background(), Request{Queries: [][]float64{{1, 0}}, TopK: 10})
	require.NoError(t, err)
	assert.Len(t, results[0], 3)
}

func TestSearchResultsIndependentOfParallelism(t *testing.T) {
	pool := testPool(t, 4, 4)
	vectors := make([][]float64, 11)
	for i := range vectors {
		vectors[i] = []float64{float64(i + 1), float64(11 - i), float64(i % 3), 1}
	}
	l := corpus(t, pool, 4, vectors...)
	e := New(Config{Engines: pool, Source: l})
	query := [][]float64{{1, 2, 0, 0}}

	want, err := e.Search(context.Background(), Request{Queries: query, TopK: 5, Parallelism: 1})
	require.NoError(t, err)

	for _, p := range []int{2, 3, 4, 11, 32} {
		got, err := e.Search(context.Background(), Request{Queries: query, TopK: 5, Parallelism: p})
		require.NoError(t, err)
		assert.Equal(t, hitIDs(want[0]), hitIDs(got[0]), "parallelism %d", p)
	}
}

func TestSearchEmptyQueryBatch(t *testing.T) {
	pool := testPool(t, 1, 2)
	src := &countingSource{Source: corpus(t, pool, 2, []float64{1, 0})}
	e := New(Config{Engines: pool, Source: src})

	results, err := e.Search(context.Background(), Request{TopK: 3})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Zero(t, src.scans.Load(), "no scan for an empty batch")
}

func TestSearchEmptyCorpus(t *testing.T) {
	pool := testPool(t, 1, 2)
	l := ledger.NewMemory()
	require.NoError(t, l.Init(context.Background()))
	e := New(Config{Engines: pool, Source: l})

	results, err := e.Search(context.Background(), Request{
		Queries: [][]float64{{1, 0}, {0, 1}},
		TopK:    3,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, hits := range results {
		assert.NotNil(t, hits)
		assert.Empty(t, hits)
	}
}

func TestSearchScansOncePerBatch(t *testing.T) {
	pool := testPool(t, 2, 2)
	src := &countingSource{Source: corpus(t, pool, 2, []float64{1, 0}, []float64{0, 1})}
	e := New(Config{Engines: pool, Source: src})

	_, err := e.Search(context.Background(), Request{
		Queries: [][]float64{{1, 0}, {0, 1}, {1, 1}},
		TopK:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.scans.Load())
}

func TestSearchInvalidRequests(t *testing.T) {
	pool := testPool(t, 1, 2)
	l := corpus(t, pool, 2, []float64{1, 0})
	e := New(Config{Engines: pool, Source: l})

	tests := []struct {
		name string
		req  Request
	}{
		{"zero top_k", Request{Queries: [][]float64{{1, 0}}, TopK: 0}},
		{"negative top_k", Request{Queries: [][]float64{{1, 0}}, TopK: -1}},
		{"empty query", Request{Queries: [][]float64{{}}, TopK: 1}},
		{"oversized query", Request{Queries: [][]float64{{1, 0, 0}}, TopK: 1}},
		{"nan", Request{Queries: [][]float64{{math.NaN(), 0}}, TopK: 1}},
		{"inf", Request{Queries: [][]float64{{1, 0}, {math.Inf(1), 0}}, TopK: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Search(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, hverr.IsInvalidInput(err), "got %v", err)
		})
	}
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	pool := testPool(t, 1, 3)
	l := corpus(t, pool, 3, []float64{1, 0, 0})
	e := New(Config{Engines: pool, Source: l, Dimension: 3})

	for name, q := range map[string][]float64{
		"too long":  {1, 0, 0, 5},
		"too short": {1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Search(context.Background(), Request{Queries: [][]float64{{1, 0, 0}, q}, TopK: 1})
			require.Error(t, err)
			assert.True(t, hverr.HasCode(err, hverr.CodeSearchRequestInvalid), "got %v", err)
			assert.Contains(t, err.Error(), "wrong dimension")
		})
	}

	hits, err := e.Search(context.Background(), Request{Queries: [][]float64{{1, 0, 0}}, TopK: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0][0].Score, 1e-2)
}

func TestSearchStorageErrorPropagates(t *testing.T) {
	pool := testPool(t, 1, 2)
	e := New(Config{Engines: pool, Source: failingSource{}})

	_, err := e.Search(context.Background(), Request{Queries: [][]float64{{1, 0}}, TopK: 1})
	require.Error(t, err)
	assert.True(t, hverr.IsStorageError(err))
}

func TestSearchSkipsUnreadableCiphertexts(t *testing.T) {
	pool := testPool(t, 1, 2)
	l := corpus(t, pool, 2, []float64{1, 0})
	require.NoError(t, l.Put(context.Background(), ledger.Record{
		Key:    []byte("broken"),
		ID:     []byte("broken"),
		Vector: []byte("not a ciphertext"),
	}))

	core, logs := observer.New(zap.WarnLevel)
	e := New(Config{Engines: pool, Source: l, Logger: zap.New(core)})

	results, err := e.Search(context.Background(), Request{Queries: [][]float64{{1, 0}}, TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, hitIDs(results[0]))
	assert.Equal(t, 1, logs.FilterMessage("skipping unreadable vector ciphertext").Len())
}

type recordingProgress struct {
	mu      sync.Mutex
	chunks  int
	records int
	done    []int
}

func (p *recordingProgress) Started(queries, records, chunks int) {
	p.chunks, p.records = chunks, records
}

func (p *recordingProgress) ChunkDone(chunk, records int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = append(p.done, records)
}

func TestSearchReportsProgress(t *testing.T) {
	pool := testPool(t, 2, 2)
	l := corpus(t, pool, 2, []float64{1, 0}, []float64{0, 1}, []float64{1, 1}, []float64{1, -1}, []float64{-1, 0})
	e := New(Config{Engines: pool, Source: l})

	progress := &recordingProgress{}
	_, err := e.Search(context.Background(), Request{
		Queries:     [][]float64{{1, 0}},
		TopK:        2,
		Parallelism: 2,
		Progress:    progress,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, progress.chunks)
	assert.Equal(t, 5, progress.records)
	assert.ElementsMatch(t, []int{3, 2}, progress.done)
}

func TestLogProgress(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := &LogProgress{Logger: zap.New(core)}

	p.Started(1, 10, 2)
	p.ChunkDone(0, 5)
	p.ChunkDone(1, 5)

	entries := logs.FilterMessage("chunk scored").All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(10), entries[1].ContextMap()["scored"])
}

func TestPartition(t *testing.T) {
	tests := []struct {
		n, p int
		want []Span
	}{
		{0, 4, nil},
		{1, 4, []Span{{0, 1}}},
		{10, 1, []Span{{0, 10}}},
		{10, 4, []Span{{0, 3}, {3, 6}, {6, 9}, {9, 10}}},
		{5, 4, []Span{{0, 2}, {2, 4}, {4, 5}}},
		{8, 4, []Span{{0, 2}, {2, 4}, {4, 6}, {6, 8}}},
		{3, 0, []Span{{0, 3}}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d/p=%d", tt.n, tt.p), func(t *testing.T) {
			spans := Partition(tt.n, tt.p)
			assert.Equal(t, tt.want, spans)

			var covered int
			for _, s := range spans {
				covered += s.Len()
			}
			assert.Equal(t, tt.n, covered)
		})
	}
}

func TestMergeIsStableAcrossChunks(t *testing.T) {
	partials := [][][]Hit{
		{{{ID: []byte("a"), Score: 0.5}, {ID: []byte("b"), Score: 0.9}}},
		{{{ID: []byte("c"), Score: 0.5}, {ID: []byte("d"), Score: 0.1}}},
	}

	assert.Equal(t, []string{"b", "a", "c"}, hitIDs(Merge(partials, 0, 3)))
	assert.Equal(t, []string{"b", "a", "c", "d"}, hitIDs(Merge(partials, 0, 10)))
}

func BenchmarkSearch(b *testing.B) {
	const (
		dimension = 128
		records   = 256
	)
	rng := rand.New(rand.NewSource(42))
	vectors := make([][]float64, records)
	for i := range vectors {
		vectors[i] = make([]float64, dimension)
		for j := range vectors[i] {
			vectors[i][j] = rng.NormFloat64()
		}
	}

	pool := testPool(b, 8, dimension)
	l := corpus(b, pool, dimension, vectors...)
	e := New(Config{Engines: pool, Source: l})

	for _, p := range []int{1, 2, 4, 8} {
		b.Run(fmt.Sprintf("parallelism=%d", p), func(b *testing.B) {
			req := Request{Queries: vectors[:1], TopK: 10, Parallelism: p}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := e.Search(context.Background(), req); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
