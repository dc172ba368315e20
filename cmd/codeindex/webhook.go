package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/config"
	"github.com/dshills/codeindex-mcp/internal/engine"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/webhook"
)

func newWebhookServer(cfg *config.Config, eng *engine.Engine) *webhook.Server {
	return webhook.NewServer(eng, webhook.Options{
		Secrets: webhook.Secrets{
			GitHub:    cfg.Webhook.GitHubSecret,
			GitLab:    cfg.Webhook.GitLabToken,
			Gitea:     cfg.Webhook.GiteaSecret,
			Bitbucket: cfg.Webhook.BitbucketSecret,
		},
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		MinInterval:  cfg.Webhook.MinInterval.Duration,
		Logger:       logging.Component("webhook"),
	})
}

func newWebhookCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Run the HTTP receiver for git push webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eng, err := flags.open()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			if addr != "" {
				cfg.Webhook.Addr = addr
			}

			ctx, cancel := signalContext(cfg)
			defer cancel()
			return newWebhookServer(cfg, eng).ListenAndServe(ctx, cfg.Webhook.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default webhook.addr from config)")
	return cmd
}
