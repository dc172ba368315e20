package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/mcp"
	"github.com/dshills/codeindex-mcp/internal/storage"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		withWebhook bool
		watchAll    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools on stdio",
		Long: "Serve the MCP tools on stdin/stdout. With --webhook the HTTP webhook\n" +
			"receiver runs alongside; with --watch every local project of the tenant\n" +
			"is watched for file changes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eng, err := flags.open()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			logger := logging.Component("serve")
			logger.Info("codeindex starting",
				"version", version,
				"build_mode", storage.BuildMode,
				"driver", storage.DriverName,
				"vector_extension", storage.VectorExtensionAvailable,
				"tenant", cfg.Tenant.Default)

			ctx, cancel := signalContext(cfg)
			defer cancel()

			if watchAll {
				projects, err := eng.ListProjects(ctx)
				if err != nil {
					return err
				}
				for _, p := range projects {
					if p.RemoteURL != "" {
						continue
					}
					if err := eng.Watch(ctx, p.ID); err != nil {
						logger.Warn("failed to watch project", "project", p.ID, "error", err)
					}
				}
			}

			server, err := mcp.NewServer(eng, cfg.Tenant.Default)
			if err != nil {
				return err
			}
			mcp.ServerVersion = version

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				// the stdio session ending stops the webhook receiver too
				defer cancel()
				return server.Serve(gctx)
			})
			if withWebhook {
				g.Go(func() error {
					return newWebhookServer(cfg, eng).ListenAndServe(gctx, cfg.Webhook.Addr)
				})
			}
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			logger.Info("codeindex stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&withWebhook, "webhook", false, "also run the webhook receiver")
	cmd.Flags().BoolVar(&watchAll, "watch", false, "watch every local project for changes")
	return cmd
}
