package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opaque/hevec/internal/search"
	"github.com/opaque/hevec/pkg/embeddings"
	hverr "github.com/opaque/hevec/pkg/errors"
)

type rankedDoc struct {
	Rank   int     `json:"rank"`
	DocID  string  `json:"doc_id"`
	Score  float64 `json:"score"`
	Opaque bool    `json:"opaque,omitempty"`
}

type queryResult struct {
	QueryID string      `json:"query_id"`
	Results []rankedDoc `json:"results"`
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		text        string
		topK        int
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "search [query-file]",
		Short: "Rank stored documents against encrypted queries",
		Long: "Run a query file ([{query_id, embedding}] JSON; entries with only text are embedded) or a single " +
			"--text query against the store. Results are printed as JSON with decrypted document ids; ids that " +
			"cannot be decrypted are printed as raw bytes and marked opaque.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var queries []embeddings.Query
			switch {
			case len(args) == 1 && text != "":
				return hverr.New(hverr.CodeCLIInputInvalid, "give a query file or --text, not both")
			case len(args) == 1:
				var err error
				if queries, err = embeddings.LoadQueries(args[0]); err != nil {
					return err
				}
			case text != "":
				queries = []embeddings.Query{{QueryID: "q0", Text: text}}
			default:
				return hverr.New(hverr.CodeCLIInputInvalid, "a query file or --text is required")
			}

			if topK == 0 {
				topK = a.cfg.Search.TopK
			}
			vectors, err := a.queryVectors(cmd, queries)
			if err != nil {
				return err
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			start := time.Now()
			hits, err := store.SearchRequest(ctx, search.Request{
				Queries:     vectors,
				TopK:        topK,
				Parallelism: parallelism,
				Progress:    &search.LogProgress{Logger: a.log},
			})
			if err != nil {
				return err
			}
			a.log.Info("search finished",
				zap.Int("queries", len(queries)),
				zap.Duration("elapsed", time.Since(start)))

			out := make([]queryResult, len(queries))
			for qi, q := range queries {
				out[qi] = queryResult{QueryID: q.QueryID, Results: []rankedDoc{}}
				for rank, r := range store.Resolve(hits[qi]) {
					out[qi].Results = append(out[qi].Results, rankedDoc{
						Rank:   rank + 1,
						DocID:  r.ID,
						Score:  r.Score,
						Opaque: r.Opaque,
					})
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "embed and run a single text query")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "results per query (default search.top_k)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "chunks the corpus is split into (default search.parallelism)")
	return cmd
}

// queryVectors embeds the queries that carry only text.
func (a *app) queryVectors(cmd *cobra.Command, queries []embeddings.Query) ([][]float64, error) {
	vectors := make([][]float64, len(queries))

	var (
		texts []string
		pos   []int
	)
	for i, q := range queries {
		if len(q.Embedding) > 0 {
			vectors[i] = q.Embedding
			continue
		}
		texts = append(texts, q.Text)
		pos = append(pos, i)
	}
	if len(texts) == 0 {
		return vectors, nil
	}

	client := embeddings.NewClient(a.cfg.EmbeddingConfig(a.log))
	embedded, err := client.Embed(cmd.Context(), texts)
	if err != nil {
		return nil, err
	}
	for j, i := range pos {
		vectors[i] = embedded[j]
	}
	return vectors, nil
}
