package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/config"
	"github.com/dshills/codeindex-mcp/internal/engine"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/tenant"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	tenant     string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "codeindex",
		Short:         "Hybrid code retrieval engine for AI coding assistants",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default <data dir>/config.toml)")
	root.PersistentFlags().StringVar(&flags.tenant, "tenant", "", "tenant id (default tenant.default from config)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newServeCmd(flags),
		newWebhookCmd(flags),
		newIndexCmd(flags),
		newSearchCmd(flags),
		newGCCmd(flags),
		newEmbedCheckCmd(flags),
		newVersionCmd(),
	)
	return root
}

// load reads configuration and configures logging. Logs always go to
// stderr; stdout belongs to command output and the MCP protocol.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.tenant != "" {
		cfg.Tenant.Default = f.tenant
	}
	if err := tenant.Validate(cfg.Tenant.Default); err != nil {
		return nil, err
	}
	logging.Configure(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	return cfg, nil
}

// open loads configuration and opens the engine
func (f *globalFlags) open() (*config.Config, *engine.Engine, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.Open(cfg, engine.Deps{})
	if err != nil {
		return nil, nil, err
	}
	return cfg, eng, nil
}

// signalContext is cancelled on SIGINT or SIGTERM and carries the tenant
func signalContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return tenant.WithID(ctx, cfg.Tenant.Default), cancel
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
