package types

// SearchResult represents a single semantic search result with relevance information
type SearchResult struct {
	// Identification
	ChunkID   int64 `json:"chunk_id"`
	ProjectID int64 `json:"project_id"`
	Rank      int   `json:"rank"` // Position in result set (1-based)

	// Scoring
	RelevanceScore float64 `json:"relevance_score"`

	// Metadata
	FilePath   string    `json:"file_path"`
	Language   string    `json:"language"`
	Kind       ChunkKind `json:"kind"`
	SymbolName string    `json:"symbol_name,omitempty"`
	StartLine  int       `json:"start_line"`
	EndLine    int       `json:"end_line"`
	Content    string    `json:"content"`
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ChunkID == 0 {
		return ErrInvalidChunkID
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if sr.RelevanceScore < 0 || sr.RelevanceScore > 1 {
		return ErrInvalidRelevanceScore
	}

	if sr.FilePath == "" {
		return ErrMissingFileInfo
	}

	if sr.Content == "" {
		return ErrEmptyContent
	}

	return nil
}

// Match is one line hit produced by the search dispatcher
type Match struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Text   string `json:"text"`
}
