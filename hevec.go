// Package hevec is an encrypted vector similarity store.
//
// Embedding vectors are stored as CKKS ciphertexts and every search scores
// encrypted queries against encrypted vectors, so vectors are never decrypted
// at rest or while ranking. Document identifiers and text are sealed
// separately with an AES-256-GCM identity key: whoever holds the CKKS context
// can search, only holders of the identity key can read what was found.
//
// # Quick Start
//
//	store, err := hevec.Open(ctx, hevec.Config{
//	    ContextPath:     "keys/context.bin",
//	    IdentityKeyPath: "keys/identity.key",
//	    Dimension:       384,
//	    Ledger:          hevec.LedgerOptions{Driver: hevec.DriverSQLite, Path: "data"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	store.Add(ctx, []string{"doc-1", "doc-2"}, [][]float64{v1, v2}, nil)
//
//	hits, err := store.Search(ctx, [][]float64{query}, 10, 0)
//	for _, r := range store.Resolve(hits[0]) {
//	    fmt.Println(r.ID, r.Score)
//	}
//
// # Keys
//
// The CKKS context is generated once (see [crypto.GenerateContext]) and must
// include its secret key; a store refuses to open without one. The identity
// key is created on first use at [Config.IdentityKeyPath] and reused from then
// on. If it is lost, previously stored identifiers can no longer be read and
// come back as opaque bytes.
package hevec

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/opaque/hevec/internal/ingest"
	"github.com/opaque/hevec/internal/ledger"
	"github.com/opaque/hevec/internal/search"
	"github.com/opaque/hevec/pkg/crypto"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/identity"
	"github.com/opaque/hevec/pkg/logger"
)

// LedgerOptions selects and configures the record storage backend.
type LedgerOptions = ledger.Options

// Hit is one ranked search result with its identifier and text still sealed.
type Hit = search.Hit

// SearchOptions is a full search request; see [Store.SearchRequest].
type SearchOptions = search.Request

// Ledger drivers and compression modes for [LedgerOptions].
const (
	DriverSQLite   = ledger.DriverSQLite
	DriverPostgres = ledger.DriverPostgres
	DriverMemory   = ledger.DriverMemory

	CompressionNone = ledger.CompressionNone
	CompressionZstd = ledger.CompressionZstd
)

// Config controls how a [Store] is opened.
//
// Dimension and one of Context or ContextPath are required.
type Config struct {
	// Dimension is the length of every stored and query vector.
	Dimension int

	// Context is an already loaded encryption context. When nil the
	// context is read from ContextPath.
	Context *crypto.Context

	// ContextPath is a serialized context written by [crypto.Context.WriteFile].
	ContextPath string

	// ExpectedLogScale, when positive, is the default scale the context must
	// carry. A context with a different scale is repaired with a warning,
	// whether it comes from ContextPath or Context. A supplied Context is
	// repaired on a copy.
	ExpectedLogScale int

	// IdentityKeyPath is the 32-byte identity key file, created if missing.
	// Empty disables identity encryption: identifiers and text are stored
	// as plaintext bytes. The upsert lookup key is derived from this key, so
	// after the key is regenerated re-adding an existing identifier stores a
	// second record instead of replacing the old one.
	IdentityKeyPath string

	// Ledger selects the storage backend. The zero value is an in-memory
	// ledger.
	Ledger LedgerOptions

	// WorkerPoolSize is the number of CKKS engines. Each engine holds its own
	// evaluator and is used by one chunk at a time.
	// Default: min(NumCPU, 8).
	WorkerPoolSize int

	// Parallelism is the default number of chunks a search is split into.
	// Default: NumCPU.
	Parallelism int

	Logger *zap.Logger
}

// Result is a search hit after identity decryption.
type Result struct {
	ID    string
	Text  string
	Score float64

	// Opaque is set when ID and Text could not be decrypted and hold the
	// stored bytes instead.
	Opaque bool
}

// Store is an encrypted vector store. All methods are safe for concurrent use.
type Store struct {
	cfg     Config
	hctx    *crypto.Context
	cipher  *identity.Cipher
	ledger  ledger.Ledger
	engines *crypto.EnginePool
	ingest  *ingest.Pipeline
	search  *search.Engine
	log     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open validates the encryption context, loads or creates the identity key
// and opens the ledger.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	applyDefaults(&cfg)
	log := cfg.Logger

	if cfg.Dimension <= 0 {
		return nil, hverr.New(hverr.CodeConfigValidateInvalidValue, "dimension must be positive",
			hverr.Field("dimension", cfg.Dimension))
	}

	hctx, err := loadContext(cfg)
	if err != nil {
		return nil, err
	}

	var cipher *identity.Cipher
	if cfg.IdentityKeyPath != "" {
		if cipher, err = identity.LoadCipher(cfg.IdentityKeyPath, log); err != nil {
			return nil, err
		}
	} else {
		log.Warn("identity encryption disabled, identifiers and text are stored in plaintext")
	}

	engines, err := crypto.NewEnginePool(hctx, cfg.WorkerPoolSize, cfg.Dimension)
	if err != nil {
		return nil, hverr.Recode(err, hverr.CodeConfigValidateInvalidValue, "failed to create evaluation engines",
			hverr.Field("dimension", cfg.Dimension), hverr.Field("slots", hctx.MaxSlots()))
	}

	lopts := cfg.Ledger
	if lopts.Logger == nil {
		lopts.Logger = log
	}
	l, err := ledger.Open(ctx, lopts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:     cfg,
		hctx:    hctx,
		cipher:  cipher,
		ledger:  l,
		engines: engines,
		ingest: ingest.New(ingest.Config{
			Engines:   engines,
			Sealer:    cipher,
			Writer:    l,
			Dimension: cfg.Dimension,
			Logger:    log,
		}),
		search: search.New(search.Config{
			Engines:     engines,
			Source:      l,
			Dimension:   cfg.Dimension,
			Parallelism: cfg.Parallelism,
			Logger:      log,
		}),
		log: log,
	}

	log.Info("store opened",
		zap.Int("dimension", cfg.Dimension),
		zap.Int("slots", hctx.MaxSlots()),
		zap.Int("engines", engines.Size()),
		zap.String("ledger", lopts.Driver),
		zap.Bool("identity_encryption", cipher != nil))
	return s, nil
}

func loadContext(cfg Config) (*crypto.Context, error) {
	opts := crypto.LoadOptions{
		ExpectedLogScale: cfg.ExpectedLogScale,
		Logger:           cfg.Logger,
	}

	if cfg.Context != nil {
		if cfg.ExpectedLogScale <= 0 || cfg.Context.LogDefaultScale() == cfg.ExpectedLogScale {
			if err := cfg.Context.Validate(); err != nil {
				return nil, err
			}
			return cfg.Context, nil
		}
		// Repair a copy so the caller's context keeps its scale.
		blob, err := cfg.Context.Marshal(true)
		if err != nil {
			return nil, err
		}
		return crypto.LoadContext(blob, opts)
	}

	if cfg.ContextPath == "" {
		return nil, hverr.New(hverr.CodeContextLoadReadFailure, "no encryption context configured")
	}
	return crypto.LoadContextFile(cfg.ContextPath, opts)
}

// Add encrypts and stores a batch of documents in one commit. ids may be nil
// to have random identifiers assigned; texts may be nil or shorter than
// vectors. It returns the stored identifiers. Re-adding an identifier
// replaces its record.
func (s *Store) Add(ctx context.Context, ids []string, vectors [][]float64, texts []string) ([]string, error) {
	before := s.Count(ctx)

	stored, err := s.ingest.Add(ctx, ingest.Batch{IDs: ids, Vectors: vectors, Texts: texts})
	if err != nil {
		return nil, err
	}

	s.log.Debug("store updated",
		zap.Int64("before", before),
		zap.Int64("after", s.Count(ctx)))
	return stored, nil
}

// Search returns, for each query, up to topK hits ordered by descending
// cosine similarity. parallelism <= 0 uses [Config.Parallelism].
// Hits still carry sealed identifiers; see [Store.Resolve].
func (s *Store) Search(ctx context.Context, queries [][]float64, topK, parallelism int) ([][]Hit, error) {
	return s.search.Search(ctx, search.Request{
		Queries:     queries,
		TopK:        topK,
		Parallelism: parallelism,
	})
}

// SearchRequest is Search with full control over the request, including a
// progress observer.
func (s *Store) SearchRequest(ctx context.Context, req SearchOptions) ([][]Hit, error) {
	return s.search.Search(ctx, req)
}

// Resolve decrypts the identifiers and text of hits. Hits that cannot be
// decrypted with this store's identity key keep their stored bytes and are
// marked Opaque.
func (s *Store) Resolve(hits []Hit) []Result {
	results := make([]Result, len(hits))
	for i, h := range hits {
		id := s.cipher.Open(h.ID)
		results[i] = Result{ID: id.String(), Score: h.Score, Opaque: id.Opaque}

		if len(h.Text) > 0 {
			text := s.cipher.Open(h.Text)
			results[i].Text = text.String()
			results[i].Opaque = results[i].Opaque || text.Opaque
		}

		if results[i].Opaque {
			s.log.Debug("returning opaque identifier", zap.Int("rank", i+1))
		}
	}
	return results
}

// Count returns the number of stored records. Storage failures are logged
// and reported as zero.
func (s *Store) Count(ctx context.Context) int64 {
	n, err := s.ledger.Count(ctx)
	if err != nil {
		s.log.Warn("failed to count records", zap.Error(err))
		return 0
	}
	return n
}

// Ping reports whether the ledger is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.ledger.Count(ctx)
	return err
}

// IDs returns every stored identifier, decrypted where the identity key
// allows.
func (s *Store) IDs(ctx context.Context) ([]identity.Opened, error) {
	sealed, err := s.ledger.IDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]identity.Opened, len(sealed))
	for i, id := range sealed {
		out[i] = s.cipher.Open(id)
	}
	return out, nil
}

// Dimension returns the configured vector length.
func (s *Store) Dimension() int {
	return s.cfg.Dimension
}

// Context returns the encryption context.
func (s *Store) Context() *crypto.Context {
	return s.hctx
}

// IdentityEnabled reports whether identifiers and text are encrypted.
func (s *Store) IdentityEnabled() bool {
	return s.cipher != nil
}

// Close releases the ledger. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ledger.Close()
	})
	return s.closeErr
}

func applyDefaults(cfg *Config) {
	cfg.Logger = logger.OrNop(cfg.Logger)
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = min(runtime.NumCPU(), 8)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = ledger.DriverMemory
	}
}
