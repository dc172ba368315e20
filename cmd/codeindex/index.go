package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/engine"
	"github.com/dshills/codeindex-mcp/internal/ingest"
)

func newIndexCmd(flags *globalFlags) *cobra.Command {
	var (
		name   string
		force  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "index <path>",
		Short: "Register a directory, parse it and ingest it into the semantic index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eng, err := flags.open()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			ctx, cancel := signalContext(cfg)
			defer cancel()

			start := time.Now()
			reg, err := eng.RegisterProject(ctx, engine.RegisterRequest{Name: name, Path: args[0]})
			if err != nil {
				return err
			}
			pid := reg.Project.ID
			if !reg.Created {
				if _, err := eng.RefreshIndex(ctx, pid); err != nil {
					return err
				}
			}
			deep, err := eng.BuildDeepIndex(ctx, pid, nil)
			if err != nil {
				return err
			}
			sum, err := eng.IngestProject(ctx, engine.IngestRequest{ProjectID: pid, Kind: ingest.KindFull, Force: force})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"project": reg.Project,
					"deep":    deep,
					"ingest":  sum,
				})
			}
			printf(cmd, "project %d %s (%s)\n", pid, reg.Project.Name, reg.Project.RootPath)
			printf(cmd, "  parsed:     %d of %d files, %d symbols, %d parse failures\n",
				deep.Parsed, deep.Total, deep.Symbols, deep.ParseFailures)
			printf(cmd, "  ingested:   %d succeeded, %d pending, %d skipped, %d failed, %d removed\n",
				sum.Files.Succeeded, sum.Files.Pending, sum.Files.Skipped, sum.Files.Failed, sum.Files.Removed)
			printf(cmd, "  chunks:     %d created, %d staled\n", sum.ChunksCreated, sum.ChunksStaled)
			printf(cmd, "  embeddings: %d created, %d reused, %d failed\n",
				sum.EmbeddingsCreated, sum.EmbeddingsReused, sum.EmbeddingsFailed)
			for _, e := range sum.Errors {
				printf(cmd, "  error: %s\n", e.Error())
			}
			printf(cmd, "done in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "re-embed files even when unchanged")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}
