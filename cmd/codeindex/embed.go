package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/embedder"
	"github.com/dshills/codeindex-mcp/internal/storage"
)

const embedCheckSample = `// Add adds two numbers
func Add(a, b int) int {
	return a + b
}
`

func newEmbedCheckCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "embed-check",
		Short: "Check that the configured embedding provider answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			emb, err := embedder.New(embedder.Config{
				Provider:  cfg.Embedding.Provider,
				Model:     cfg.Embedding.Model,
				BaseURL:   cfg.Embedding.BaseURL,
				APIKey:    cfg.Embedding.APIKey,
				Dimension: cfg.Embedding.Dimension,
				Timeout:   cfg.Embedding.Timeout.Duration,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize embedder: %w", err)
			}
			defer func() { _ = emb.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			printf(cmd, "provider:  %s\n", emb.Provider())
			printf(cmd, "model:     %s\n", emb.Model())

			start := time.Now()
			single, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: embedCheckSample})
			if err != nil {
				return fmt.Errorf("single embedding failed: %w", err)
			}
			printf(cmd, "single:    %d dims in %s\n", len(single.Vector), time.Since(start).Round(time.Millisecond))

			start = time.Now()
			batch, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
				Texts: []string{embedCheckSample, "sum two integers", "open a database connection"},
			})
			if err != nil {
				return fmt.Errorf("batch embedding failed: %w", err)
			}
			printf(cmd, "batch:     %d vectors in %s\n", len(batch.Embeddings), time.Since(start).Round(time.Millisecond))

			if len(single.Vector) != emb.Dimension() {
				return fmt.Errorf("provider returned %d dimensions, expected %d", len(single.Vector), emb.Dimension())
			}
			if len(batch.Embeddings) == 3 {
				related := storage.CosineSimilarity(batch.Embeddings[0].Vector, batch.Embeddings[1].Vector)
				unrelated := storage.CosineSimilarity(batch.Embeddings[0].Vector, batch.Embeddings[2].Vector)
				printf(cmd, "similarity: related %.3f, unrelated %.3f\n", related, unrelated)
			}
			printf(cmd, "ok\n")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}
