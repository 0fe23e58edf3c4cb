// Package search runs exact top-k inner-product search over encrypted
// records. Every stored ciphertext is scored against every query; there is
// no index.
package search

import (
	"cmp"
	"context"
	"runtime"
	"slices"
	"time"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opaque/hevec/internal/ledger"
	"github.com/opaque/hevec/pkg/crypto"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/logger"
)

// Hit is one scored record. ID and Text are still identity-encrypted.
type Hit struct {
	ID    []byte
	Text  []byte
	Score float64
}

// Source supplies the records to search.
type Source interface {
	ScanAll(ctx context.Context) ([]ledger.Record, error)
}

// Request is one batch of queries.
type Request struct {
	Queries [][]float64

	// TopK is the maximum number of hits per query.
	TopK int

	// Parallelism is the number of chunks the corpus is split into.
	// Zero uses the engine default.
	Parallelism int

	// Progress, if set, is told about chunk completion.
	Progress Progress
}

// Engine scores queries against every record of a Source.
type Engine struct {
	engines     *crypto.EnginePool
	source      Source
	dimension   int
	parallelism int
	log         *zap.Logger
}

// Config wires an Engine.
type Config struct {
	Engines *crypto.EnginePool
	Source  Source

	// Dimension is the exact length every query must have. Zero accepts
	// any length up to the engine's rotation span.
	Dimension int

	// Parallelism is the default chunk count, runtime.NumCPU() when zero.
	Parallelism int

	Logger *zap.Logger
}

// New returns a search engine.
func New(cfg Config) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	return &Engine{
		engines:     cfg.Engines,
		source:      cfg.Source,
		dimension:   cfg.Dimension,
		parallelism: cfg.Parallelism,
		log:         logger.OrNop(cfg.Logger),
	}
}

// Search returns, for each query in order, up to TopK hits sorted by
// descending score. Ties keep ledger scan order. The corpus is read once per
// call and split into contiguous chunks scored concurrently, each by its own
// engine.
func (e *Engine) Search(ctx context.Context, req Request) ([][]Hit, error) {
	if len(req.Queries) == 0 {
		return [][]Hit{}, nil
	}
	if req.TopK <= 0 {
		return nil, hverr.New(hverr.CodeSearchRequestInvalid, "top_k must be positive", hverr.Field("top_k", req.TopK))
	}
	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = e.parallelism
	}
	progress := req.Progress
	if progress == nil {
		progress = NopProgress{}
	}

	start := time.Now()

	queries, err := e.encryptQueries(ctx, req.Queries)
	if err != nil {
		return nil, err
	}

	records, err := e.source.ScanAll(ctx)
	if err != nil {
		return nil, err
	}

	results := make([][]Hit, len(queries))
	if len(records) == 0 {
		for i := range results {
			results[i] = []Hit{}
		}
		return results, nil
	}

	spans := Partition(len(records), parallelism)
	progress.Started(len(queries), len(records), len(spans))

	partials := make([][][]Hit, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	for ci, span := range spans {
		g.Go(func() error {
			engine, err := e.engines.Acquire(gctx)
			if err != nil {
				return err
			}
			defer e.engines.Release(engine)

			partials[ci], err = e.scoreChunk(engine, queries, records[span.Start:span.End])
			if err != nil {
				return err
			}
			progress.ChunkDone(ci, span.Len())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeSearchEvaluateFailure, "search failed")
	}

	for qi := range results {
		results[qi] = Merge(partials, qi, req.TopK)
	}

	e.log.Debug("search complete",
		zap.Int("queries", len(queries)),
		zap.Int("records", len(records)),
		zap.Int("chunks", len(spans)),
		zap.Duration("elapsed", time.Since(start)))
	return results, nil
}

func (e *Engine) encryptQueries(ctx context.Context, raw [][]float64) ([]*rlwe.Ciphertext, error) {
	out := make([]*rlwe.Ciphertext, len(raw))
	err := e.engines.Do(ctx, func(engine *crypto.Engine) error {
		for i, q := range raw {
			if e.dimension > 0 && len(q) != e.dimension {
				return hverr.New(hverr.CodeSearchRequestInvalid, "query has wrong dimension",
					hverr.FieldIndex(i), hverr.Field("got", len(q)), hverr.Field("want", e.dimension))
			}
			if len(q) == 0 || len(q) > engine.Span() {
				return hverr.New(hverr.CodeSearchRequestInvalid, "query dimension out of range",
					hverr.FieldIndex(i), hverr.Field("dimension", len(q)), hverr.Field("slots", engine.Span()))
			}
			if err := crypto.CheckFinite(q); err != nil {
				return hverr.Recode(err, hverr.CodeSearchRequestInvalid, "query is not finite", hverr.FieldIndex(i))
			}

			ct, err := engine.EncryptVector(crypto.NormalizeVector(q))
			if err != nil {
				return hverr.Wrap(err, hverr.CodeSearchEvaluateFailure, "failed to encrypt query", hverr.FieldIndex(i))
			}
			out[i] = ct
		}
		return nil
	})
	if err != nil {
		if hverr.CodeOf(err) == "" {
			return nil, hverr.Wrap(err, hverr.CodeSearchEvaluateFailure, "failed to encrypt queries")
		}
		return nil, err
	}
	return out, nil
}

// scoreChunk returns one hit list per query for the given records. A record
// whose vector blob does not parse is skipped; evaluation errors abort.
func (e *Engine) scoreChunk(engine *crypto.Engine, queries []*rlwe.Ciphertext, records []ledger.Record) ([][]Hit, error) {
	partial := make([][]Hit, len(queries))
	for qi := range partial {
		partial[qi] = make([]Hit, 0, len(records))
	}

	for _, r := range records {
		ct, err := engine.DeserializeCiphertext(r.Vector)
		if err != nil {
			e.log.Warn("skipping unreadable vector ciphertext",
				zap.Int("bytes", len(r.Vector)), zap.Error(err))
			continue
		}

		for qi, q := range queries {
			score, err := engine.Score(q, ct)
			if err != nil {
				return nil, err
			}
			partial[qi] = append(partial[qi], Hit{ID: r.ID, Text: r.Text, Score: score})
		}
	}
	return partial, nil
}

// Merge concatenates the hits for query qi across chunks in chunk order,
// stable-sorts them by descending score and keeps at most topK.
func Merge(partials [][][]Hit, qi, topK int) []Hit {
	var total int
	for _, p := range partials {
		total += len(p[qi])
	}

	all := make([]Hit, 0, total)
	for _, p := range partials {
		all = append(all, p[qi]...)
	}

	slices.SortStableFunc(all, func(a, b Hit) int {
		return cmp.Compare(b.Score, a.Score)
	})

	if len(all) > topK {
		all = all[:topK]
	}
	return all
}
