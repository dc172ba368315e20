package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/codeindex-mcp/internal/engine"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/tenant"
)

const (
	// ServerName is the MCP server name
	ServerName = "codeindex-mcp"
)

// ServerVersion is the reported server version; the build sets it
var ServerVersion = "dev"

// Server exposes an Engine as MCP tools
type Server struct {
	mcp    *server.MCPServer
	engine *engine.Engine
	tenant string
	logger *slog.Logger
}

// NewServer creates an MCP server over eng. Requests over stdio carry no
// identity, so every call runs as tenantID.
func NewServer(eng *engine.Engine, tenantID string) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}

	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		engine: eng,
		tenant: tenantID,
		logger: logging.Component("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Serve runs the MCP protocol on stdio until the client disconnects. The
// engine is left open; the caller closes it.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return tenant.WithID(ctx, s.tenant)
	})
	s.logger.Info("serving on stdio", "tenant", s.tenant)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// toolHandler is the handler shape every tool implements
type toolHandler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// withTenant binds the server's tenant to the call context and logs the call
func (s *Server) withTenant(name string, h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, err := tenant.FromContext(ctx); err != nil {
			ctx = tenant.WithID(ctx, s.tenant)
		}
		res, err := h(ctx, request)
		if err != nil {
			s.logger.Warn("tool call failed", "tool", name, "error", err)
		} else {
			s.logger.Debug("tool call", "tool", name)
		}
		return res, err
	}
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	tools := []struct {
		tool    mcp.Tool
		handler toolHandler
	}{
		{registerProjectTool(), s.handleRegisterProject},
		{refreshIndexTool(), s.handleRefreshIndex},
		{searchCodeTool(), s.handleSearchCode},
		{buildDeepIndexTool(), s.handleBuildDeepIndex},
		{querySymbolsTool(), s.handleQuerySymbols},
		{ingestProjectTool(), s.handleIngestProject},
		{semanticSearchTool(), s.handleSemanticSearch},
		{ingestFromGitTool(), s.handleIngestFromGit},
		{findSimilarCodeTool(), s.handleFindSimilarCode},
		{getStatusTool(), s.handleGetStatus},
		{garbageCollectTool(), s.handleGarbageCollect},
		{getFileSummaryTool(), s.handleGetFileSummary},
		{refreshSearchToolsTool(), s.handleRefreshSearchTools},
		{getFileWatcherStatusTool(), s.handleGetFileWatcherStatus},
		{configureFileWatcherTool(), s.handleConfigureFileWatcher},
	}
	for _, t := range tools {
		s.mcp.AddTool(t.tool, s.withTenant(t.tool.Name, t.handler))
	}
}
