package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opaque/hevec/pkg/embeddings"
	hverr "github.com/opaque/hevec/pkg/errors"
)

const (
	formatJSON  = "json"
	formatFvecs = "fvecs"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		format    string
		embed     bool
		force     bool
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Encrypt and store a document collection",
		Long: "Load documents ([{doc_id, embedding, content}] JSON, or .fvecs vectors) and add them to the store. " +
			"Ingestion is skipped when the store already holds records unless --force is given. " +
			"Documents without an embedding are embedded through the embedding service when --embed is set. " +
			"Each --batch-size slice is committed on its own, so a failure partway through leaves the " +
			"earlier batches stored; rerun with --force to upsert the rest.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			if batchSize <= 0 {
				return hverr.New(hverr.CodeCLIInputInvalid, "batch size must be positive", hverr.Field("batch_size", batchSize))
			}

			if format == "" {
				format = formatJSON
				if strings.EqualFold(filepath.Ext(path), ".fvecs") {
					format = formatFvecs
				}
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if n := store.Count(ctx); n > 0 && !force {
				a.log.Info("store already populated, skipping ingestion", zap.Int64("records", n))
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
				return err
			}

			docs, err := loadCorpus(path, format)
			if err != nil {
				return err
			}

			if missing := docs.Unembedded(); len(missing) > 0 {
				if !embed {
					return hverr.New(hverr.CodeCLIInputInvalid, "documents without embeddings, use --embed to compute them",
						hverr.Field("missing", len(missing)))
				}
				client := embeddings.NewClient(a.cfg.EmbeddingConfig(a.log))
				if err := client.Fill(ctx, docs); err != nil {
					return err
				}
			}

			start := time.Now()
			ids, vectors, texts := docs.Columns()
			if _, err := addInBatches(ctx, store, ids, vectors, texts, batchSize, a.log); err != nil {
				return err
			}

			count := store.Count(ctx)
			a.log.Info("ingestion complete",
				zap.Int("documents", len(ids)),
				zap.Int64("records", count),
				zap.Duration("elapsed", time.Since(start)))

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", count)
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "input format: json or fvecs (default from extension)")
	cmd.Flags().BoolVar(&embed, "embed", false, "embed documents that carry text but no embedding")
	cmd.Flags().BoolVar(&force, "force", false, "ingest even when the store already holds records")
	cmd.Flags().IntVar(&batchSize, "batch-size", 512,
		"documents per committed batch; a file spanning several batches is not ingested atomically")
	return cmd
}

type batchAdder interface {
	Add(ctx context.Context, ids []string, vectors [][]float64, texts []string) ([]string, error)
}

// addInBatches commits the documents batchSize at a time and returns how many
// were committed. Batches committed before a failure stay stored.
func addInBatches(ctx context.Context, store batchAdder, ids []string, vectors [][]float64, texts []string, batchSize int, log *zap.Logger) (int, error) {
	committed := 0
	for lo := 0; lo < len(ids); lo += batchSize {
		hi := min(lo+batchSize, len(ids))
		if _, err := store.Add(ctx, ids[lo:hi], vectors[lo:hi], texts[lo:hi]); err != nil {
			if committed > 0 {
				log.Warn("ingestion stopped, earlier batches remain stored",
					zap.Int("committed", committed), zap.Int("total", len(ids)))
			}
			return committed, err
		}
		committed = hi
		log.Debug("batch stored", zap.Int("stored", hi), zap.Int("total", len(ids)))
	}
	return committed, nil
}

func loadCorpus(path, format string) (embeddings.Corpus, error) {
	switch format {
	case formatJSON:
		return embeddings.LoadDocuments(path)
	case formatFvecs:
		prefix := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return embeddings.LoadFvecs(path, prefix)
	default:
		return nil, hverr.New(hverr.CodeCLIInputInvalid, "unknown input format", hverr.Field("format", format))
	}
}
