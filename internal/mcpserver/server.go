// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes read-only archive tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/archive"
)

const formatURI = "archive://event-format"

// Server wraps the MCP server with archive query tools.
type Server struct {
	mcp *server.MCPServer
	svc *archive.Service
}

// New creates a new MCP server with all archive tools registered.
func New(svc *archive.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"snaparchive",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_events",
		mcp.WithDescription("Full-text search across every imported message. Words are matched literally and all must appear."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search words (at most 500 characters)")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 20)")),
	), s.searchEvents)

	s.mcp.AddTool(mcp.NewTool("list_conversations",
		mcp.WithDescription("List reconstructed conversations, most recently active first."),
	), s.listConversations)

	s.mcp.AddTool(mcp.NewTool("get_events_page",
		mcp.WithDescription("Read one page of a conversation in chronological order. "+
			"Pass next_cursor from the previous page to continue."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id from list_conversations")),
		mcp.WithString("cursor", mcp.Description("Opaque cursor; empty for the first page")),
		mcp.WithNumber("limit", mcp.Description("Page size, 1 to 500")),
	), s.getEventsPage)

	s.mcp.AddTool(mcp.NewTool("list_media",
		mcp.WithDescription("Page through every media-bearing event of the archive, chats and memories alike."),
		mcp.WithString("cursor", mcp.Description("Opaque cursor; empty for the first page")),
		mcp.WithNumber("limit", mcp.Description("Page size, 1 to 500")),
	), s.listMedia)

	s.mcp.AddTool(mcp.NewTool("get_validation_report",
		mcp.WithDescription("What could and could not be reconstructed for an export: "+
			"parse failures, missing and ambiguous media, conflicts and warnings."),
		mcp.WithString("export_id", mcp.Required(), mcp.Description("Export id")),
	), s.getValidationReport)

	s.mcp.AddTool(mcp.NewTool("get_stats",
		mcp.WithDescription("Archive totals, top contacts and the covered time range."),
	), s.getStats)

	// Resource: event format guide.
	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Archive Event Format",
			mcp.WithResourceDescription("How conversations, events and media references are represented."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// intArg reads an optional numeric argument. JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, name string) int {
	if v, ok := req.GetArguments()[name].(float64); ok {
		return int(v)
	}
	return 0
}

func stringArg(req mcp.CallToolRequest, name string) string {
	if v, ok := req.GetArguments()[name].(string); ok {
		return v
	}
	return ""
}

// toolResult renders v as indented JSON, or err as a tool error. Store
// failures are not echoed to the client.
func toolResult(v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			return mcp.NewToolResultError("not found"), nil
		case errors.Is(err, apperr.ErrInvalidInput):
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError("internal error"), nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) searchEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResult(s.svc.Search(ctx, query, intArg(req, "limit")))
}

func (s *Server) listConversations(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResult(s.svc.ListConversations(ctx))
}

func (s *Server) getEventsPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResult(s.svc.GetEventsPage(ctx, id, stringArg(req, "cursor"), intArg(req, "limit")))
}

func (s *Server) listMedia(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResult(s.svc.ListMediaPage(ctx, stringArg(req, "cursor"), intArg(req, "limit")))
}

func (s *Server) getValidationReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("export_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResult(s.svc.ValidationReport(ctx, id))
}

func (s *Server) getStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResult(s.svc.Stats(ctx))
}

func (s *Server) readFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     EventFormatGuide,
		},
	}, nil
}
