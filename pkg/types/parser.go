package types

// ParseResult represents the output of parsing one source file
type ParseResult struct {
	Language    string
	PackageName string

	// Extracted data
	Symbols []Symbol
	Imports []Import

	// Heuristic is set when symbols came from pattern matching instead of a
	// syntax tree. Heuristic symbols are usable for lookup but not for chunking.
	Heuristic bool

	// Errors encountered during parsing
	Errors []ParseError
}

// Import represents an import statement
type Import struct {
	Path  string `json:"path"`
	Alias string `json:"alias,omitempty"`
	Line  int    `json:"line,omitempty"`
}

// ParseError represents an error that occurred during parsing
type ParseError struct {
	File    string
	Line    int
	Column  int
	Message string
}

// Error implements the error interface
func (pe *ParseError) Error() string {
	return pe.Message
}

// HasErrors returns true if any parsing errors occurred
func (pr *ParseResult) HasErrors() bool {
	return len(pr.Errors) > 0
}

// AddError adds a parsing error to the result
func (pr *ParseResult) AddError(file string, line, col int, msg string) {
	pr.Errors = append(pr.Errors, ParseError{
		File:    file,
		Line:    line,
		Column:  col,
		Message: msg,
	})
}
