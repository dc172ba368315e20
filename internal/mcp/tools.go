package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/codeindex-mcp/internal/codesearch"
	"github.com/dshills/codeindex-mcp/internal/engine"
	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/searcher"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams       = -32602 // Invalid method parameters
	ErrorCodeInternalError       = -32603 // Internal JSON-RPC error
	ErrorCodeProjectNotFound     = -32001 // Project id unknown to the caller
	ErrorCodeIngestionInProgress = -32002 // The project's ingestion queue is full
	ErrorCodeNotIndexed          = -32003 // Project never ingested
	ErrorCodeEmptyQuery          = -32004 // Query parameter is empty
	ErrorCodeTenantViolation     = -32005 // Missing tenant or cross-tenant data
	ErrorCodeProjectUnavailable  = -32006 // Project root or clone unreachable
	ErrorCodeFileNotFound        = -32007 // Path not in the project's index
)

// handleRegisterProject handles the register_project tool invocation
func (s *Server) handleRegisterProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	req := engine.RegisterRequest{
		Name:      getStringDefault(args, "name", ""),
		Path:      getStringDefault(args, "path", ""),
		RemoteURL: getStringDefault(args, "remote_url", ""),
		Branch:    getStringDefault(args, "branch", ""),
	}
	if (req.Path == "") == (req.RemoteURL == "") {
		return nil, newMCPError(ErrorCodeInvalidParams, "exactly one of path or remote_url is required", map[string]interface{}{
			"param":  "path",
			"reason": "set either path or remote_url",
		})
	}
	if req.Path != "" && !filepath.IsAbs(req.Path) {
		return nil, newMCPError(ErrorCodeInvalidParams, "path must be absolute", map[string]interface{}{
			"param": "path",
			"value": req.Path,
		})
	}

	res, err := s.engine.RegisterProject(ctx, req)
	if err != nil {
		return nil, toMCPError("registration failed", err)
	}

	response := map[string]interface{}{
		"project": res.Project,
		"created": res.Created,
	}
	if res.Refresh != nil {
		response["refresh"] = res.Refresh
	}
	if getBoolDefault(args, "watch", false) {
		if err := s.engine.Watch(ctx, res.Project.ID); err != nil {
			response["watch_error"] = err.Error()
		} else {
			response["watching"] = true
		}
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRefreshIndex handles the refresh_index tool invocation
func (s *Server) handleRefreshIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	projectID, err := requireProjectID(args)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.RefreshIndex(ctx, projectID)
	if err != nil {
		return nil, toMCPError("refresh failed", err)
	}
	return mcp.NewToolResultText(formatJSON(res)), nil
}

// handleSearchCode handles the search_code tool invocation
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	projectID, err := requireProjectID(args)
	if err != nil {
		return nil, err
	}
	pattern := getStringDefault(args, "pattern", "")
	if pattern == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "pattern parameter is required and cannot be empty", map[string]interface{}{
			"param":  "pattern",
			"reason": "missing or empty",
		})
	}

	res, err := s.engine.SearchCode(ctx, projectID, pattern, codesearch.Options{
		Regex:         getBoolDefault(args, "regex", false),
		Fuzzy:         getBoolDefault(args, "fuzzy", false),
		CaseSensitive: getBoolDefault(args, "case_sensitive", false),
		FilePattern:   getStringDefault(args, "file_pattern", ""),
		MaxResults:    getIntDefault(args, "max_results", 0),
	})
	if err != nil {
		return nil, toMCPError("search failed", err)
	}

	response := map[string]interface{}{
		"tool":        res.Tool,
		"matches":     res.Matches,
		"total":       len(res.Matches),
		"truncated":   res.Truncated,
		"duration_ms": res.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleBuildDeepIndex handles the build_deep_index tool invocation
func (s *Server) handleBuildDeepIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	projectID, err := requireProjectID(args)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.BuildDeepIndex(ctx, projectID, getStringSlice(args, "paths"))
	if err != nil {
		return nil, toMCPError("deep index failed", err)
	}
	return mcp.NewToolResultText(formatJSON(res)), nil
}

// handleQuerySymbols handles the query_symbols tool invocation
func (s *Server) handleQuerySymbols(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	projectID, err := requireProjectID(args)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.QuerySymbols(ctx, projectID, index.Query{
		PathGlob:   getStringDefault(args, "path_glob", ""),
		Language:   getStringDefault(args, "language", ""),
		SymbolName: getStringDefault(args, "symbol_name", ""),
		Kind:       getStringDefault(args, "kind", ""),
		Import:     getStringDefault(args, "import", ""),
		Limit:      getIntDefault(args, "limit", 100),
	})
	if err != nil {
		return nil, toMCPError("query failed", err)
	}
	return mcp.NewToolResultText(formatJSON(res)), nil
}

// handleIngestProject handles the ingest_project tool invocation
func (s *Server) handleIngestProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	projectID, err := requireProjectID(args)
	if err != nil {
		return nil, err
	}

	req := engine.IngestRequest{
		ProjectID:    projectID,
		TargetCommit: getStringDefault(args, "target_commit", ""),
		Force:        getBoolDefault(args, "force", false),
	}
	switch mode := getStringDefault(args, "mode", ""); mode {
	case "":
	case string(ingest.KindFull), string(ingest.KindIncremental), string(ingest.KindRetry):
		req.Kind = ingest.Kind(mode)
	default:
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"value":   mode,
			"allowed": []string{"full", "incremental", "retry"},
		})
	}
	changed, removed := getStringSlice(args, "changed"), getStringSlice(args, "removed")
	if len(changed)+len(removed) > 0 {
		req.Changes = &ingest.ChangeSet{Modified: changed, Removed: removed}
	}

	sum, err := s.engine.IngestProject(ctx, req)
	if err != nil {
		return nil, toMCPError("ingestion failed", err)
	}
	return mcp.NewToolResultText(formatJSON(summaryResponse(sum))), nil
}

// handleSemanticSearch handles the semantic_search tool invocation
func (s *Server) handleSemanticSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query := getStringDefault(args, "query", "")
	if query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", searcher.DefaultLimit)
	if limit < 1 || limit > searcher.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	searchMode := getStringDefault(args, "search_mode", string(searcher.SearchModeHybrid))
	if searchMode != "hybrid" && searchMode != "vector" && searchMode != "keyword" {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid search_mode", map[string]interface{}{
			"param":   "search_mode",
			"value":   searchMode,
			"allowed": []string{"hybrid", "vector", "keyword"},
		})
	}

	req := searcher.SearchRequest{
		ProjectID: getInt64Default(args, "project_id", 0),
		Query:     query,
		Limit:     limit,
		Mode:      searcher.SearchMode(searchMode),
		UseCache:  getBoolDefault(args, "use_cache", true),
	}
	if filters, ok := args["filters"].(map[string]interface{}); ok {
		req.Filters = searcher.Filters{
			Languages:    getStringSlice(filters, "languages"),
			Kinds:        getStringSlice(filters, "kinds"),
			FilePattern:  getStringDefault(filters, "file_pattern", ""),
			MinRelevance: getFloatDefault(filters, "min_relevance", 0),
		}
		if req.Filters.MinRelevance < 0 || req.Filters.MinRelevance > 1 {
			return nil, newMCPError(ErrorCodeInvalidParams, "min_relevance must be between 0 and 1", map[string]interface{}{
				"param": "filters.min_relevance",
				"value": req.Filters.MinRelevance,
			})
		}
	}

	resp, err := s.engine.SemanticSearch(ctx, req)
	if err != nil {
		return nil, toMCPError("search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(searchResponse(resp))), nil
}

// handleIngestFromGit handles the ingest_from_git tool invocation
func (s *Server) handleIngestFromGit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	remote := getStringDefault(args, "remote_url", "")
	if remote == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "remote_url parameter is required", map[string]interface{}{
			"param":  "remote_url",
			"reason": "missing or empty",
		})
	}

	res, err := s.engine.IngestFromGit(ctx, engine.GitIngestRequest{
		RemoteURL: remote,
		Branch:    getStringDefault(args, "branch", ""),
		Commit:    getStringDefault(args, "commit", ""),
		Name:      getStringDefault(args, "name", ""),
		AuthToken: getStringDefault(args, "auth_token", ""),
	})
	if err != nil {
		return nil, toMCPError("git ingestion failed", err)
	}

	response := summaryResponse(res.Summary)
	response["project"] = res.Project
	response["created"] = res.Created
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleFindSimilarCode handles the find_similar_code tool invocation
func (s *Server) handleFindSimilarCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	req := searcher.SimilarRequest{
		ProjectID: getInt64Default(args, "project_id", 0),
		Code:      getStringDefault(args, "code", ""),
		ChunkID:   getInt64Default(args, "chunk_id", 0),
		Limit:     getIntDefault(args, "limit", searcher.DefaultLimit),
		Languages: getStringSlice(args, "languages"),
		MinScore:  getFloatDefault(args, "min_score", 0),
	}
	if (req.Code == "") == (req.ChunkID == 0) {
		return nil, newMCPError(ErrorCodeInvalidParams, "exactly one of code or chunk_id is required", map[string]interface{}{
			"param":  "code",
			"reason": "set either code or chunk_id",
		})
	}

	resp, err := s.engine.FindSimilarCode(ctx, req)
	if err != nil {
		return nil, toMCPError("similarity search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(searchResponse(resp))), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	projectID := getInt64Default(args, "project_id", 0)
	if projectID == 0 {
		projects, err := s.engine.ListProjects(ctx)
		if err != nil {
			return nil, toMCPError("failed to list projects", err)
		}
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"projects": projects,
			"total":    len(projects),
		})), nil
	}

	report, err := s.engine.Status(ctx, projectID)
	if err != nil {
		return nil, toMCPError("failed to get status", err)
	}
	return mcp.NewToolResultText(formatJSON(report)), nil
}

// handleGarbageCollect handles the garbage_collect tool invocation
func (s *Server) handleGarbageCollect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	var req engine.GCRequest
	for key, dst := range map[string]*time.Duration{"stale_age": &req.StaleAge, "event_age": &req.EventAge} {
		raw := getStringDefault(args, key, "")
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid duration", map[string]interface{}{
				"param": key,
				"value": raw,
			})
		}
		*dst = d
	}

	res, err := s.engine.GarbageCollect(ctx, req)
	if err != nil {
		return nil, toMCPError("garbage collection failed", err)
	}
	return mcp.NewToolResultText(formatJSON(res)), nil
}

// handleGetFileSummary handles the get_file_summary tool invocation
func (s *Server) handleGetFileSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	projectID, err := requireProjectID(args)
	if err != nil {
		return nil, err
	}
	filePath := getStringDefault(args, "file_path", "")
	if filePath == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "file_path parameter is required", map[string]interface{}{
			"param": "file_path",
		})
	}

	sum, err := s.engine.FileSummary(ctx, projectID, filePath)
	if err != nil {
		return nil, toMCPError("file summary failed", err)
	}
	return mcp.NewToolResultText(formatJSON(sum)), nil
}

// handleRefreshSearchTools handles the refresh_search_tools tool invocation
func (s *Server) handleRefreshSearchTools(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(formatJSON(s.engine.RefreshSearchTools(ctx))), nil
}

// handleGetFileWatcherStatus handles the get_file_watcher_status tool invocation
func (s *Server) handleGetFileWatcherStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	projectID, err := requireProjectID(args)
	if err != nil {
		return nil, err
	}

	st, err := s.engine.WatcherStatus(ctx, projectID)
	if err != nil {
		return nil, toMCPError("failed to get watcher status", err)
	}
	return mcp.NewToolResultText(formatJSON(st)), nil
}

// handleConfigureFileWatcher handles the configure_file_watcher tool invocation
func (s *Server) handleConfigureFileWatcher(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	projectID, err := requireProjectID(args)
	if err != nil {
		return nil, err
	}

	var req engine.WatcherSettings
	for key, dst := range map[string]**bool{"enabled": &req.Enabled, "force_polling": &req.ForcePolling, "auto_ingest": &req.AutoIngest} {
		if v, ok := args[key].(bool); ok {
			*dst = &v
		}
	}
	for key, dst := range map[string]**time.Duration{"debounce_seconds": &req.Debounce, "poll_interval_seconds": &req.PollInterval} {
		if _, set := args[key]; !set {
			continue
		}
		secs := getFloatDefault(args, key, -1)
		if secs <= 0 {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid duration", map[string]interface{}{
				"param": key,
				"value": args[key],
			})
		}
		d := time.Duration(secs * float64(time.Second))
		*dst = &d
	}
	if _, set := args["additional_exclude_patterns"]; set {
		req.Exclude = getStringSlice(args, "additional_exclude_patterns")
		if req.Exclude == nil {
			req.Exclude = []string{}
		}
	}

	st, err := s.engine.ConfigureWatcher(ctx, projectID, req)
	if err != nil {
		return nil, toMCPError("failed to configure watcher", err)
	}
	return mcp.NewToolResultText(formatJSON(st)), nil
}

// Helper functions

func summaryResponse(sum *ingest.Summary) map[string]interface{} {
	response := map[string]interface{}{
		"run_id":             sum.RunID,
		"kind":               sum.Kind,
		"files":              sum.Files,
		"parse_failures":     sum.ParseFailures,
		"chunks_created":     sum.ChunksCreated,
		"chunks_staled":      sum.ChunksStaled,
		"embeddings_created": sum.EmbeddingsCreated,
		"embeddings_reused":  sum.EmbeddingsReused,
		"embeddings_failed":  sum.EmbeddingsFailed,
		"retry_queued":       sum.RetryQueued,
		"cursor_before":      sum.CursorBefore,
		"cursor_after":       sum.CursorAfter,
		"duration_ms":        sum.Duration.Milliseconds(),
	}
	if sum.NoOp {
		response["no_op"] = true
		response["reason"] = sum.Reason
	}
	if len(sum.Errors) > 0 {
		// Include first few errors
		errorCount := len(sum.Errors)
		if errorCount > 5 {
			response["errors"] = sum.Errors[:5]
			response["error_count"] = errorCount
		} else {
			response["errors"] = sum.Errors
		}
	}
	return response
}

func searchResponse(resp *searcher.SearchResponse) map[string]interface{} {
	return map[string]interface{}{
		"results":        resp.Results,
		"total_results":  resp.TotalResults,
		"search_mode":    resp.SearchMode,
		"cache_hit":      resp.CacheHit,
		"vector_results": resp.VectorResults,
		"text_results":   resp.TextResults,
		"duration_ms":    resp.Duration.Milliseconds(),
	}
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// toMCPError classifies an engine error
func toMCPError(message string, err error) error {
	code := ErrorCodeInternalError
	switch {
	case errors.Is(err, types.ErrProjectNotFound), errors.Is(err, storage.ErrNotFound):
		code = ErrorCodeProjectNotFound
	case errors.Is(err, engine.ErrIngestionInProgress):
		code = ErrorCodeIngestionInProgress
	case errors.Is(err, engine.ErrNotIndexed):
		code = ErrorCodeNotIndexed
	case errors.Is(err, types.ErrEmptyQuery):
		code = ErrorCodeEmptyQuery
	case errors.Is(err, types.ErrTenantIsolation), errors.Is(err, types.ErrInvalidTenant):
		code = ErrorCodeTenantViolation
	case errors.Is(err, types.ErrProjectUnavailable):
		code = ErrorCodeProjectUnavailable
	case errors.Is(err, types.ErrFileNotFound):
		code = ErrorCodeFileNotFound
	case errors.Is(err, searcher.ErrSimilarSource), errors.Is(err, storage.ErrAlreadyExists):
		code = ErrorCodeInvalidParams
	}
	return newMCPError(code, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	if data, ok := e.Data.(map[string]interface{}); ok {
		if cause, ok := data["error"].(string); ok {
			return fmt.Sprintf("MCP error %d: %s: %s", e.Code, e.Message, cause)
		}
	}
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// requireProjectID extracts a positive project_id
func requireProjectID(args map[string]interface{}) (int64, error) {
	id := getInt64Default(args, "project_id", 0)
	if id <= 0 {
		return 0, newMCPError(ErrorCodeInvalidParams, "project_id parameter is required", map[string]interface{}{
			"param":  "project_id",
			"reason": "missing or not a positive integer",
		})
	}
	return id, nil
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	return int(getInt64Default(args, key, int64(defaultValue)))
}

// getInt64Default extracts an integer parameter; JSON numbers arrive as float64
func getInt64Default(args map[string]interface{}, key string, defaultValue int64) int64 {
	switch val := args[key].(type) {
	case float64:
		return int64(val)
	case int:
		return int64(val)
	case int64:
		return val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
	}
	return defaultValue
}

// getFloatDefault extracts a number parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getStringSlice extracts a string array, skipping non-string items
func getStringSlice(args map[string]interface{}, key string) []string {
	switch val := args[key].(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
