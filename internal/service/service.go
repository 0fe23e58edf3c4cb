// Package service implements the hevec store operations shared by the gRPC
// and HTTP transports.
package service

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/opaque/hevec"
	"github.com/opaque/hevec/internal/search"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/logger"
)

// Store is the part of *hevec.Store the service uses.
type Store interface {
	Add(ctx context.Context, ids []string, vectors [][]float64, texts []string) ([]string, error)
	Search(ctx context.Context, queries [][]float64, topK, parallelism int) ([][]search.Hit, error)
	Resolve(hits []search.Hit) []hevec.Result
	Count(ctx context.Context) int64
	Ping(ctx context.Context) error
}

var _ Store = (*hevec.Store)(nil)

// Config holds service configuration.
type Config struct {
	// DefaultTopK is used when a search request leaves top_k unset.
	DefaultTopK int

	// MaxTopK bounds top_k per query.
	MaxTopK int

	// MaxBatch bounds the number of documents per Add and queries per Search.
	MaxBatch int

	// MaxConcurrentSearches bounds searches in flight. Each search already
	// fans out across the engine pool.
	MaxConcurrentSearches int64

	// DecryptResults returns plaintext identifiers and text. When false the
	// caller receives identity ciphertexts and decrypts them itself.
	DecryptResults bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTopK:           10,
		MaxTopK:               1000,
		MaxBatch:              1024,
		MaxConcurrentSearches: 4,
		DecryptResults:        true,
	}
}

// AddRequest stores a batch of documents. Texts may be shorter than Vectors.
type AddRequest struct {
	IDs     []string    `json:"ids,omitempty"`
	Vectors [][]float64 `json:"vectors"`
	Texts   []string    `json:"texts,omitempty"`
}

type AddResponse struct {
	IDs   []string `json:"ids"`
	Count int64    `json:"count"`
}

type SearchRequest struct {
	Queries     [][]float64 `json:"queries"`
	TopK        int         `json:"top_k,omitempty"`
	Parallelism int         `json:"parallelism,omitempty"`
}

// Match is one ranked hit. Exactly one of ID or SealedID is set, depending
// on whether the service decrypts results.
type Match struct {
	Rank       int     `json:"rank"`
	ID         string  `json:"id,omitempty"`
	Text       string  `json:"text,omitempty"`
	SealedID   []byte  `json:"sealed_id,omitempty"`
	SealedText []byte  `json:"sealed_text,omitempty"`
	Score      float64 `json:"score"`
	Opaque     bool    `json:"opaque,omitempty"`
}

type SearchResponse struct {
	Results [][]Match `json:"results"`
}

type CountRequest struct{}

type CountResponse struct {
	Count int64 `json:"count"`
}

// Service validates transport requests and runs them against a store.
type Service struct {
	cfg      Config
	store    Store
	searches *semaphore.Weighted
	log      *zap.Logger
}

// New creates a service. Zero config fields take their defaults.
func New(cfg Config, store Store, log *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = def.MaxTopK
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.MaxConcurrentSearches <= 0 {
		cfg.MaxConcurrentSearches = def.MaxConcurrentSearches
	}

	return &Service{
		cfg:      cfg,
		store:    store,
		searches: semaphore.NewWeighted(cfg.MaxConcurrentSearches),
		log:      logger.OrNop(log),
	}
}

// Add encrypts and stores the documents in one commit.
func (s *Service) Add(ctx context.Context, req *AddRequest) (*AddResponse, error) {
	if len(req.Vectors) == 0 {
		return nil, hverr.New(hverr.CodeServerRequestInvalid, "vectors are required")
	}
	if len(req.Vectors) > s.cfg.MaxBatch {
		return nil, hverr.New(hverr.CodeServerRequestInvalid, "batch too large",
			hverr.Field("documents", len(req.Vectors)), hverr.Field("max", s.cfg.MaxBatch))
	}

	ids, err := s.store.Add(ctx, req.IDs, req.Vectors, req.Texts)
	if err != nil {
		return nil, err
	}

	return &AddResponse{IDs: ids, Count: s.store.Count(ctx)}, nil
}

// Search ranks every stored document against each query.
func (s *Service) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if len(req.Queries) == 0 {
		return nil, hverr.New(hverr.CodeServerRequestInvalid, "queries are required")
	}
	if len(req.Queries) > s.cfg.MaxBatch {
		return nil, hverr.New(hverr.CodeServerRequestInvalid, "too many queries",
			hverr.Field("queries", len(req.Queries)), hverr.Field("max", s.cfg.MaxBatch))
	}

	topK := req.TopK
	if topK == 0 {
		topK = s.cfg.DefaultTopK
	}
	if topK < 0 || topK > s.cfg.MaxTopK {
		return nil, hverr.New(hverr.CodeServerRequestInvalid, "top_k out of range",
			hverr.Field("top_k", req.TopK), hverr.Field("max", s.cfg.MaxTopK))
	}

	if err := s.searches.Acquire(ctx, 1); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeServerUnavailable, "search queue abandoned")
	}
	defer s.searches.Release(1)

	hits, err := s.store.Search(ctx, req.Queries, topK, req.Parallelism)
	if err != nil {
		return nil, err
	}

	resp := &SearchResponse{Results: make([][]Match, len(hits))}
	for qi, list := range hits {
		resp.Results[qi] = s.matches(list)
	}
	return resp, nil
}

func (s *Service) matches(hits []search.Hit) []Match {
	out := make([]Match, len(hits))
	if !s.cfg.DecryptResults {
		for i, h := range hits {
			out[i] = Match{Rank: i + 1, SealedID: h.ID, SealedText: h.Text, Score: h.Score}
		}
		return out
	}

	for i, r := range s.store.Resolve(hits) {
		out[i] = Match{Rank: i + 1, ID: r.ID, Text: r.Text, Score: r.Score, Opaque: r.Opaque}
	}
	return out
}

// Count returns the number of stored documents.
func (s *Service) Count(ctx context.Context, _ *CountRequest) (*CountResponse, error) {
	return &CountResponse{Count: s.store.Count(ctx)}, nil
}

// HealthCheck reports whether the ledger is reachable and how many
// documents it holds.
func (s *Service) HealthCheck(ctx context.Context) (bool, string, int64) {
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		return false, "store unavailable", 0
	}
	return true, "healthy", s.store.Count(ctx)
}
