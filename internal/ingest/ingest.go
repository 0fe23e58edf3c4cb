// Package ingest turns plaintext documents into ledger records.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opaque/hevec/internal/ledger"
	"github.com/opaque/hevec/pkg/crypto"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/identity"
	"github.com/opaque/hevec/pkg/logger"
)

// Writer is the part of the ledger the pipeline needs.
type Writer interface {
	Put(ctx context.Context, records ...ledger.Record) error
}

// Pipeline normalizes, encrypts and writes batches.
type Pipeline struct {
	engines   *crypto.EnginePool
	sealer    identity.Sealer
	writer    Writer
	dimension int
	log       *zap.Logger
}

// Config wires a Pipeline.
type Config struct {
	Engines *crypto.EnginePool

	// Sealer encrypts identifiers and text. A nil *identity.Cipher stores
	// them as plaintext bytes.
	Sealer identity.Sealer

	Writer Writer

	// Dimension, when positive, is the exact length every vector must have.
	Dimension int

	Logger *zap.Logger
}

// New returns a pipeline.
func New(cfg Config) *Pipeline {
	sealer := cfg.Sealer
	if sealer == nil {
		sealer = (*identity.Cipher)(nil)
	}
	return &Pipeline{
		engines:   cfg.Engines,
		sealer:    sealer,
		writer:    cfg.Writer,
		dimension: cfg.Dimension,
		log:       logger.OrNop(cfg.Logger),
	}
}

// Batch is one Add call. IDs, Vectors and Texts are positionally aligned.
type Batch struct {
	// IDs may be nil, in which case random UUIDs are assigned.
	IDs []string

	Vectors [][]float64

	// Texts may be nil or shorter than Vectors; missing texts are empty.
	Texts []string
}

// Add encrypts every document in the batch and writes them in one commit.
// Any failure before the commit aborts the whole batch and nothing is
// written. It returns the identifiers that were stored.
func (p *Pipeline) Add(ctx context.Context, b Batch) ([]string, error) {
	if len(b.Vectors) == 0 {
		return nil, nil
	}

	ids := b.IDs
	if ids == nil {
		ids = make([]string, len(b.Vectors))
		for i := range ids {
			ids[i] = uuid.NewString()
		}
	}
	if len(ids) != len(b.Vectors) {
		return nil, hverr.New(hverr.CodeIngestBatchInvalid, "ids and vectors length mismatch",
			hverr.Field("ids", len(ids)), hverr.Field("vectors", len(b.Vectors)))
	}
	if len(b.Texts) > len(b.Vectors) {
		return nil, hverr.New(hverr.CodeIngestBatchInvalid, "more texts than vectors",
			hverr.Field("texts", len(b.Texts)), hverr.Field("vectors", len(b.Vectors)))
	}

	start := time.Now()
	records := make([]ledger.Record, len(b.Vectors))

	err := p.engines.Do(ctx, func(engine *crypto.Engine) error {
		for i, vec := range b.Vectors {
			if ids[i] == "" {
				return hverr.New(hverr.CodeIngestBatchInvalid, "empty identifier", hverr.FieldIndex(i))
			}
			if err := p.checkVector(i, vec, engine.Span()); err != nil {
				return err
			}

			text := ""
			if i < len(b.Texts) {
				text = b.Texts[i]
			}

			r, err := p.seal(engine, ids[i], vec, text)
			if err != nil {
				return hverr.Recode(err, hverr.CodeIngestBatchFailure, "failed to encrypt document", hverr.FieldIndex(i))
			}
			records[i] = r
		}
		return nil
	})
	if err != nil {
		if hverr.IsBatchError(err) {
			return nil, err
		}
		return nil, hverr.Wrap(err, hverr.CodeIngestBatchFailure, "ingest aborted")
	}

	if err := p.writer.Put(ctx, records...); err != nil {
		return nil, err
	}

	p.log.Info("ingested batch",
		zap.Int("documents", len(records)),
		zap.Duration("elapsed", time.Since(start)))
	return ids, nil
}

func (p *Pipeline) checkVector(i int, vec []float64, span int) error {
	switch {
	case len(vec) == 0:
		return hverr.New(hverr.CodeIngestBatchInvalid, "empty vector", hverr.FieldIndex(i))
	case p.dimension > 0 && len(vec) != p.dimension:
		return hverr.New(hverr.CodeIngestBatchInvalid, "vector has wrong dimension",
			hverr.FieldIndex(i), hverr.Field("dimension", len(vec)), hverr.Field("expected", p.dimension))
	case len(vec) > span:
		return hverr.New(hverr.CodeIngestBatchInvalid, "vector exceeds slot count",
			hverr.FieldIndex(i), hverr.Field("dimension", len(vec)), hverr.Field("slots", span))
	}
	if err := crypto.CheckFinite(vec); err != nil {
		return hverr.Recode(err, hverr.CodeIngestBatchInvalid, "vector is not finite", hverr.FieldIndex(i))
	}
	return nil
}

func (p *Pipeline) seal(engine *crypto.Engine, id string, vec []float64, text string) (ledger.Record, error) {
	vector, err := engine.EncryptSerialized(crypto.NormalizeVector(vec))
	if err != nil {
		return ledger.Record{}, err
	}

	idEnc, err := p.sealer.Seal([]byte(id))
	if err != nil {
		return ledger.Record{}, err
	}

	textEnc, err := p.sealer.Seal([]byte(text))
	if err != nil {
		return ledger.Record{}, err
	}

	return ledger.Record{
		Key:    p.sealer.Key([]byte(id)),
		ID:     idEnc,
		Vector: vector,
		Text:   textEnc,
	}, nil
}
