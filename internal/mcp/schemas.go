package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func projectIDProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": description,
		"minimum":     1,
	}
}

func stringArrayProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": description,
		"items":       map[string]interface{}{"type": "string"},
	}
}

// registerProjectTool returns the tool definition for register_project
func registerProjectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "register_project",
		Description: "Register a local directory or a git remote as a project and return its id. Local projects get a shallow index immediately.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to a local project root",
				},
				"remote_url": map[string]interface{}{
					"type":        "string",
					"description": "Git remote (https or ssh form); the clone lives in the server workspace",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Project name; defaults to the directory name or owner/repo",
				},
				"branch": map[string]interface{}{
					"type":        "string",
					"description": "Branch to track for remotes",
					"default":     "main",
				},
				"watch": map[string]interface{}{
					"type":        "boolean",
					"description": "Keep the index current from file system events (local projects only)",
					"default":     false,
				},
			},
		},
	}
}

// refreshIndexTool returns the tool definition for refresh_index
func refreshIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "refresh_index",
		Description: "Rebuild the shallow file index of a project by walking its root",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": projectIDProperty("Project id from register_project"),
			},
			Required: []string{"project_id"},
		},
	}
}

// searchCodeTool returns the tool definition for search_code
func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Text search over a project's files through the fastest available search tool",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": projectIDProperty("Project id from register_project"),
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Literal text, or a regular expression when regex is set",
				},
				"regex": map[string]interface{}{
					"type":        "boolean",
					"description": "Treat pattern as a regular expression",
					"default":     false,
				},
				"fuzzy": map[string]interface{}{
					"type":        "boolean",
					"description": "Allow approximate matches (one edit per token)",
					"default":     false,
				},
				"case_sensitive": map[string]interface{}{
					"type":        "boolean",
					"description": "Match case exactly",
					"default":     false,
				},
				"file_pattern": map[string]interface{}{
					"type":        "string",
					"description": "Glob over relative file paths (e.g., 'internal/**/*.go')",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of matches to return",
					"minimum":     1,
				},
			},
			Required: []string{"project_id", "pattern"},
		},
	}
}

// buildDeepIndexTool returns the tool definition for build_deep_index
func buildDeepIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "build_deep_index",
		Description: "Parse files into symbols. Without paths, every file changed since its last parse is processed.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": projectIDProperty("Project id from register_project"),
				"paths":      stringArrayProperty("Relative file paths to parse"),
			},
			Required: []string{"project_id"},
		},
	}
}

// querySymbolsTool returns the tool definition for query_symbols
func querySymbolsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "query_symbols",
		Description: "Find files, symbols or import statements in the in-memory index by path, language, name, kind or import path",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": projectIDProperty("Project id from register_project"),
				"path_glob": map[string]interface{}{
					"type":        "string",
					"description": "Glob over relative file paths",
				},
				"language": map[string]interface{}{
					"type":        "string",
					"description": "Language name (e.g., 'go', 'python')",
				},
				"symbol_name": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive substring of the symbol name",
				},
				"kind": map[string]interface{}{
					"type":        "string",
					"description": "Symbol kind; 'import' lists import statements instead",
					"enum":        []string{"function", "method", "class", "struct", "interface", "type", "const", "var", "module", "import"},
				},
				"import": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive substring of an imported path; lists matching import statements",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of entries to return",
					"default":     100,
					"minimum":     1,
				},
			},
			Required: []string{"project_id"},
		},
	}
}

// ingestProjectTool returns the tool definition for ingest_project
func ingestProjectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingest_project",
		Description: "Chunk and embed a project's files into the semantic index and wait for the run summary",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": projectIDProperty("Project id from register_project"),
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "full walks every file, incremental visits the given changes (or the git diff for remotes), retry visits files with failed embeddings",
					"enum":        []string{"full", "incremental", "retry"},
				},
				"changed":       stringArrayProperty("Relative paths added or modified (incremental)"),
				"removed":       stringArrayProperty("Relative paths deleted (incremental)"),
				"target_commit": map[string]interface{}{"type": "string", "description": "Commit the git cursor moves to"},
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "Re-embed files even when their content hash is unchanged",
					"default":     false,
				},
			},
			Required: []string{"project_id"},
		},
	}
}

// semanticSearchTool returns the tool definition for semantic_search
func semanticSearchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "semantic_search",
		Description: "Search ingested code with natural language or keyword queries",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": map[string]interface{}{
					"type":        "integer",
					"description": "Project to search; omit to search every project",
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language or keywords)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"search_mode": map[string]interface{}{
					"type":        "string",
					"description": "Search strategy: hybrid (vector + keyword), vector (semantic only), or keyword (BM25 only)",
					"enum":        []string{"hybrid", "vector", "keyword"},
					"default":     "hybrid",
				},
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional filters to narrow search",
					"properties": map[string]interface{}{
						"languages": stringArrayProperty("Languages to include"),
						"kinds":     stringArrayProperty("Chunk kinds to include (function, method, class, type, block)"),
						"file_pattern": map[string]interface{}{
							"type":        "string",
							"description": "Glob pattern for file paths (e.g., 'internal/**')",
						},
						"min_relevance": map[string]interface{}{
							"type":        "number",
							"description": "Minimum relevance score threshold (0.0-1.0)",
							"minimum":     0.0,
							"maximum":     1.0,
						},
					},
				},
				"use_cache": map[string]interface{}{
					"type":        "boolean",
					"description": "Serve repeated queries from the result cache",
					"default":     true,
				},
			},
			Required: []string{"query"},
		},
	}
}

// ingestFromGitTool returns the tool definition for ingest_from_git
func ingestFromGitTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingest_from_git",
		Description: "Clone or update a git remote and ingest it. The first call registers the project; later calls ingest the diff since the last ingested commit.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"remote_url": map[string]interface{}{
					"type":        "string",
					"description": "Git remote (https or ssh form)",
				},
				"branch": map[string]interface{}{
					"type":        "string",
					"description": "Branch to track",
					"default":     "main",
				},
				"commit": map[string]interface{}{
					"type":        "string",
					"description": "Commit to ingest; defaults to the branch tip",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Project name on first registration; defaults to owner/repo",
				},
				"auth_token": map[string]interface{}{
					"type":        "string",
					"description": "Access token for private remotes; used for this fetch only and never stored",
				},
			},
			Required: []string{"remote_url"},
		},
	}
}

// findSimilarCodeTool returns the tool definition for find_similar_code
func findSimilarCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "find_similar_code",
		Description: "Find chunks similar to a code snippet or to an ingested chunk",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": map[string]interface{}{
					"type":        "integer",
					"description": "Project to search; omit to search every project",
				},
				"code": map[string]interface{}{
					"type":        "string",
					"description": "Code snippet to match (set code or chunk_id)",
				},
				"chunk_id": map[string]interface{}{
					"type":        "integer",
					"description": "Id of an ingested chunk to match (set code or chunk_id)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"languages": stringArrayProperty("Languages to include"),
				"min_score": map[string]interface{}{
					"type":        "number",
					"description": "Minimum cosine similarity (0.0-1.0)",
					"minimum":     0.0,
					"maximum":     1.0,
				},
			},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report index counts, ingestion state, git cursor, health and recent log records for a project. Without project_id, lists projects.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": map[string]interface{}{
					"type":        "integer",
					"description": "Project id; omit to list registered projects",
				},
			},
		},
	}
}

// garbageCollectTool returns the tool definition for garbage_collect
func garbageCollectTool() mcp.Tool {
	return mcp.Tool{
		Name:        "garbage_collect",
		Description: "Delete stale chunks, unreferenced embeddings and old processed webhook event ids",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"stale_age": map[string]interface{}{
					"type":        "string",
					"description": "Delete chunks stale for longer than this duration (e.g., '24h')",
					"default":     "24h",
				},
				"event_age": map[string]interface{}{
					"type":        "string",
					"description": "Forget event ids older than this duration",
					"default":     "720h",
				},
			},
		},
	}
}

// getFileSummaryTool returns the tool definition for get_file_summary
func getFileSummaryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_file_summary",
		Description: "Summarize one file: line count, language, declarations, imports and its state in the semantic index",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": projectIDProperty("Project id from register_project"),
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "File path relative to the project root",
				},
			},
			Required: []string{"project_id", "file_path"},
		},
	}
}

// refreshSearchToolsTool returns the tool definition for refresh_search_tools
func refreshSearchToolsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "refresh_search_tools",
		Description: "Re-detect the command-line search tools (ugrep, ripgrep, ag, grep), e.g. after installing one",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// getFileWatcherStatusTool returns the tool definition for get_file_watcher_status
func getFileWatcherStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_file_watcher_status",
		Description: "Report whether a project is watched, the watch mode and timing, batch statistics and the last error",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": projectIDProperty("Project id from register_project"),
			},
			Required: []string{"project_id"},
		},
	}
}

// configureFileWatcherTool returns the tool definition for configure_file_watcher
func configureFileWatcherTool() mcp.Tool {
	return mcp.Tool{
		Name:        "configure_file_watcher",
		Description: "Start or stop watching a local project and change its debounce, polling, auto-ingest and extra exclude patterns",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"project_id": projectIDProperty("Project id from register_project"),
				"enabled": map[string]interface{}{
					"type":        "boolean",
					"description": "Start (true) or stop (false) watching; omit to keep the current state",
				},
				"debounce_seconds": map[string]interface{}{
					"type":        "number",
					"description": "Quiet period before a batch of changes is applied",
					"minimum":     0.01,
					"maximum":     60,
				},
				"poll_interval_seconds": map[string]interface{}{
					"type":        "number",
					"description": "Rescan interval when polling",
					"minimum":     0.01,
					"maximum":     3600,
				},
				"force_polling": map[string]interface{}{
					"type":        "boolean",
					"description": "Poll even when native file events are available",
				},
				"auto_ingest": map[string]interface{}{
					"type":        "boolean",
					"description": "Queue an incremental ingestion for every batch of changes",
				},
				"additional_exclude_patterns": stringArrayProperty("Gitignore-style patterns excluded on top of the project's ignore files; replaces the previous list"),
			},
			Required: []string{"project_id"},
		},
	}
}
