package types

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Callers classify with errors.Is.
var (
	// ErrProjectUnavailable is returned when a project root cannot be read.
	ErrProjectUnavailable = errors.New("project unavailable")
	// ErrProjectNotFound is returned when a project id is unknown to the caller's tenant.
	ErrProjectNotFound = errors.New("project not found")
	// ErrParseFailure marks a structured parse that did not produce a usable tree.
	ErrParseFailure = errors.New("parse failure")
	// ErrSearchToolUnavailable is returned when no external search tool is usable.
	ErrSearchToolUnavailable = errors.New("search tool unavailable")
	// ErrEmbeddingProvider wraps failures reported by an embedding provider.
	ErrEmbeddingProvider = errors.New("embedding provider error")
	// ErrTenantIsolation is raised when data from another tenant is observed.
	ErrTenantIsolation = errors.New("tenant isolation violation")
	// ErrInvalidTenant is returned when a request carries no tenant identity.
	ErrInvalidTenant = errors.New("invalid tenant")
	// ErrWebhookPayloadInvalid is returned for malformed or incomplete webhook payloads.
	ErrWebhookPayloadInvalid = errors.New("webhook payload invalid")
	// ErrEventIgnored is returned for webhook events that carry no push.
	ErrEventIgnored = errors.New("event ignored")
	// ErrIngestionInProgress is returned when a project cannot take another
	// queued run. Callers may retry later.
	ErrIngestionInProgress = errors.New("ingestion in progress")
	// ErrFileNotFound is returned when a path is not in a project's index.
	ErrFileNotFound = errors.New("file not found")
	// ErrEmptyQuery is returned when a search query is blank.
	ErrEmptyQuery = errors.New("query cannot be empty")
)

// Search result validation errors
var (
	ErrInvalidChunkID        = errors.New("invalid chunk ID")
	ErrInvalidRank           = errors.New("rank must be >= 1")
	ErrInvalidRelevanceScore = errors.New("relevance score must be between 0 and 1")
	ErrMissingFileInfo       = errors.New("file path is required")
	ErrEmptyContent          = errors.New("content cannot be empty")
)

// UnitError records a failure for one unit of work (a file, a chunk hash)
// inside a batch that otherwise continued.
type UnitError struct {
	Unit string `json:"unit"`
	Err  string `json:"error"`
}

// NewUnitError builds a UnitError from an error value.
func NewUnitError(unit string, err error) UnitError {
	return UnitError{Unit: unit, Err: err.Error()}
}

func (e UnitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Unit, e.Err)
}
