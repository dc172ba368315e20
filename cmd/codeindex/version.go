package main

import (
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/codeindex-mcp/internal/parser"
	"github.com/dshills/codeindex-mcp/internal/storage"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printf(cmd, "codeindex %s\n", version)
			printf(cmd, "Build Time: %s\n", buildTime)
			printf(cmd, "Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			printf(cmd, "Build Mode: %s\n", storage.BuildMode)
			printf(cmd, "SQLite Driver: %s\n", storage.DriverName)
			printf(cmd, "Vector Extension: %v\n", storage.VectorExtensionAvailable)
			printf(cmd, "Parsers: %s\n", strings.Join(parser.DefaultRegistry().Backends(), ", "))
		},
	}
}
