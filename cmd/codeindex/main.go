// Command codeindex serves the code retrieval engine over MCP and exposes
// its operations on the command line.
package main

import (
	"os"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
