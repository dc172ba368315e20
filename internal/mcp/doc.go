// Package mcp implements the Model Context Protocol (MCP) server for codeindex.
//
// The server exposes the engine to AI coding assistants as fifteen tools.
// Every tool that works on a project takes its id explicitly; there is no
// current project.
//
//   - register_project: register a local directory or git remote
//   - refresh_index: rebuild the shallow file index
//   - search_code: text search through the best available search tool
//   - build_deep_index: parse files into symbols
//   - query_symbols: filter files, symbols and imports in memory
//   - ingest_project: chunk and embed into the semantic index
//   - semantic_search: hybrid, vector or keyword search over chunks
//   - ingest_from_git: clone or update a remote and ingest it
//   - find_similar_code: chunks similar to a snippet or a chunk
//   - get_status: counts, ingestion state, health and recent logs
//   - garbage_collect: drop stale chunks and orphaned embeddings
//   - get_file_summary: one file's declarations, imports and ingestion state
//   - refresh_search_tools: re-detect installed search tools
//   - get_file_watcher_status: watch mode, timing and batch statistics
//   - configure_file_watcher: start, stop or tune a project's watcher
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Logs go to stderr; stdout carries only protocol messages.
//
// # Basic Usage
//
//	codeindex serve
//
// # Example: semantic_search
//
//	Request:
//	{
//	  "name": "semantic_search",
//	  "arguments": {
//	    "project_id": 3,
//	    "query": "retry failed uploads",
//	    "limit": 5,
//	    "search_mode": "hybrid",
//	    "filters": {"languages": ["go"], "min_relevance": 0.2}
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "chunk_id": 812,
//	      "rank": 1,
//	      "relevance_score": 0.94,
//	      "file_path": "internal/upload/retry.go",
//	      "language": "go",
//	      "kind": "function",
//	      "symbol_name": "RetryUpload",
//	      "start_line": 41,
//	      "end_line": 77,
//	      "content": "func RetryUpload(...)"
//	    }
//	  ],
//	  "total_results": 1,
//	  "search_mode": "hybrid",
//	  "cache_hit": false
//	}
//
// # Tenancy
//
// Stdio carries no caller identity, so every request runs as the tenant
// given to NewServer (tenant.default in the configuration).
//
// # Error Codes
//
//	-32602: Invalid parameters
//	-32603: Internal error
//	-32001: Project not found
//	-32002: Ingestion in progress (queue full)
//	-32003: Project not indexed
//	-32004: Empty query
//	-32005: Tenant violation
//	-32006: Project unavailable
//	-32007: File not found
package mcp
