package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/engine"
)

func newGCCmd(flags *globalFlags) *cobra.Command {
	var req engine.GCRequest
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete stale chunks, orphaned embeddings and old webhook event ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eng, err := flags.open()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			ctx, cancel := signalContext(cfg)
			defer cancel()

			res, err := eng.GarbageCollect(ctx, req)
			if err != nil {
				return err
			}
			printf(cmd, "deleted %d stale chunks, %d embeddings, %d event ids\n",
				res.ChunksDeleted, res.EmbeddingsDeleted, res.EventsDeleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&req.StaleAge, "stale-age", engine.DefaultStaleAge, "delete chunks stale for longer than this")
	cmd.Flags().DurationVar(&req.EventAge, "event-age", engine.DefaultEventAge, "forget event ids older than this")
	return cmd
}
