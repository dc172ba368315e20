package types

import (
	"fmt"
	"time"
)

// FileEntry is the shallow index record for one file
type FileEntry struct {
	Path               string    `json:"path"` // slash separated, relative to the project root
	Size               int64     `json:"size"`
	ModTime            time.Time `json:"mod_time"`
	Fingerprint        string    `json:"fingerprint"`
	Language           string    `json:"language"`
	LanguageConfidence float64   `json:"language_confidence"`
}

// Fingerprint derives the change-detection token for a file from its
// modification time and size.
func Fingerprint(modTime time.Time, size int64) string {
	return fmt.Sprintf("%d-%d", modTime.UnixNano(), size)
}

// SymbolRecord is the deep index record for one symbol. Fingerprint is the
// FileEntry fingerprint the record was built from; a mismatch marks it stale.
type SymbolRecord struct {
	FilePath    string `json:"file_path"`
	Fingerprint string `json:"fingerprint"`
	Language    string `json:"language"`
	Heuristic   bool   `json:"heuristic"`
	Symbol
}
