package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/codesearch"
	"github.com/dshills/codeindex-mcp/internal/engine"
	"github.com/dshills/codeindex-mcp/internal/searcher"
)

func newSearchCmd(flags *globalFlags) *cobra.Command {
	var (
		opts     codesearch.Options
		semantic string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "search <path> <pattern>",
		Short: "Search a project's files",
		Long: "Search a project's files through the best available search tool.\n" +
			"With --semantic hybrid|vector|keyword the pattern is a query against the\n" +
			"ingested chunks instead.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eng, err := flags.open()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			ctx, cancel := signalContext(cfg)
			defer cancel()

			reg, err := eng.RegisterProject(ctx, engine.RegisterRequest{Path: args[0]})
			if err != nil {
				return err
			}

			if semantic != "" {
				resp, err := eng.SemanticSearch(ctx, searcher.SearchRequest{
					ProjectID: reg.Project.ID,
					Query:     args[1],
					Limit:     limit,
					Mode:      searcher.SearchMode(semantic),
				})
				if err != nil {
					return err
				}
				for _, r := range resp.Results {
					label := r.SymbolName
					if label == "" {
						label = string(r.Kind)
					}
					printf(cmd, "%2d. %s:%d-%d %s (%.3f)\n", r.Rank, r.FilePath, r.StartLine, r.EndLine, label, r.RelevanceScore)
				}
				return nil
			}

			res, err := eng.SearchCode(ctx, reg.Project.ID, args[1], opts)
			if err != nil {
				return err
			}
			for _, m := range res.Matches {
				printf(cmd, "%s:%d:%d: %s\n", m.File, m.Line, m.Column, m.Text)
			}
			suffix := ""
			if res.Truncated {
				suffix = " (truncated)"
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d matches via %s%s\n", len(res.Matches), res.Tool, suffix)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&opts.Regex, "regex", "e", false, "treat the pattern as a regular expression")
	cmd.Flags().BoolVar(&opts.Fuzzy, "fuzzy", false, "allow approximate matches")
	cmd.Flags().BoolVarP(&opts.CaseSensitive, "case-sensitive", "s", false, "match case exactly")
	cmd.Flags().StringVarP(&opts.FilePattern, "glob", "g", "", "restrict to files matching a glob")
	cmd.Flags().IntVar(&opts.MaxResults, "max", 0, "maximum number of matches")
	cmd.Flags().StringVar(&semantic, "semantic", "", "semantic search mode: hybrid, vector or keyword")
	cmd.Flags().IntVar(&limit, "limit", searcher.DefaultLimit, "maximum semantic results")
	return cmd
}
