//go:build purego || !sqlite_vec

package storage

// Compiled without the sqlite_vec tag, or with purego:
//
//	CGO_ENABLED=0 go build -tags "purego" ./...
//
// Uses modernc.org/sqlite. Similarity is computed in Go, and large tenants
// rely on the in-memory ANN graph.

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// VectorExtensionAvailable indicates if vector extension is available
	VectorExtensionAvailable = false

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

func encodeQueryVector(v []float32) ([]byte, error) {
	return serializeVector(v), nil
}
