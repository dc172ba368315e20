//go:build sqlite_vec && !purego

package storage

// Compiled with CGO and the sqlite_vec tag:
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec,fts5" ./...
//
// sqlite-vec is registered as an auto extension so vec_distance_cosine is
// available on every connection opened by github.com/mattn/go-sqlite3.

import (
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// VectorExtensionAvailable indicates if vector extension is available
	VectorExtensionAvailable = true

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

func init() {
	sqlite_vec.Auto()
}

// encodeQueryVector produces the float32 blob sqlite-vec expects
func encodeQueryVector(v []float32) ([]byte, error) {
	return sqlite_vec.SerializeFloat32(v)
}
