// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes card index tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/cardex/internal/apperr"
	"github.com/starford/cardex/internal/cardservice"
	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
)

const formatURI = "cardex://card-format"

// Server wraps the MCP server with card tools.
type Server struct {
	mcp *server.MCPServer
	svc *cardservice.Service
}

// New creates a new MCP server with all card tools registered.
func New(svc *cardservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Cardex",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_cards",
		mcp.WithDescription("List indexed cards, newest first."),
		mcp.WithString("type", mcp.Description("Optional card type without the -card suffix (e.g. book)")),
		mcp.WithString("path", mcp.Description("Optional document path; only cards located there")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of cards (default 50)")),
	), s.listCards)

	s.mcp.AddTool(mcp.NewTool("get_card",
		mcp.WithDescription("Read one card by identity, with its parsed fields and every location."),
		mcp.WithString("cid", mcp.Required(), mcp.Description("Card identity (e.g. CID-9mOLwJzDby9)")),
	), s.getCard)

	s.mcp.AddTool(mcp.NewTool("find_card",
		mcp.WithDescription("Find the card whose content matches. Matching ignores case, "+
			"whitespace and punctuation."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Card block text")),
	), s.findCard)

	s.mcp.AddTool(mcp.NewTool("reconcile_card",
		mcp.WithDescription("Record that a card block was observed at a location. "+
			"Pass the identity it was previously known by, or omit it for a new block. "+
			"Read the format first via get_card_format or the cardex://card-format resource."),
		mcp.WithString("cid", mcp.Description("Previous card identity, empty for a first observation")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full card block text including fences")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative document path (e.g. notes/books.md)")),
		mcp.WithNumber("start_line", mcp.Required(), mcp.Description("Zero-based line of the opening fence")),
		mcp.WithNumber("end_line", mcp.Required(), mcp.Description("Zero-based line of the closing fence")),
	), s.reconcileCard)

	s.mcp.AddTool(mcp.NewTool("rebuild_index",
		mcp.WithDescription("Rescan every document and rebuild the card index."),
	), s.rebuildIndex)

	s.mcp.AddTool(mcp.NewTool("get_card_format",
		mcp.WithDescription("Returns the card block format. "+
			"Call this before writing card blocks into documents."),
	), s.getCardFormat)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Card Block Format",
			mcp.WithResourceDescription("How card blocks and identity markers are written in documents."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readCardFormatResource,
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

func (s *Server) listCards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)
	if limit < 0 {
		return mcp.NewToolResultError("limit must not be negative"), nil
	}
	items, total := s.svc.List(ctx, cardservice.ListQuery{
		Type:  req.GetString("type", ""),
		Path:  req.GetString("path", ""),
		Limit: limit,
	})
	return jsonResult(map[string]any{"cards": items, "total": total})
}

func (s *Server) getCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cid, err := req.RequireString("cid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	card, err := s.svc.Get(ctx, cid)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(card)
}

func (s *Server) findCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	card, err := s.svc.Lookup(ctx, content)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultText("no matching card"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(card)
}

func (s *Server) reconcileCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	start, err := req.RequireInt("start_line")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	end, err := req.RequireInt("end_line")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cid := req.GetString("cid", "")
	if cid != "" && !identity.Valid(cid) {
		return mcp.NewToolResultError("malformed card identity: " + cid), nil
	}

	loc := models.CardLocation{Path: path, StartLine: start, EndLine: end}
	if !loc.Valid() {
		return mcp.NewToolResultError("invalid location"), nil
	}
	res, err := s.svc.Reconcile(ctx, cid, content, loc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) rebuildIndex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.svc.Rebuild(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(stats)
}

func (s *Server) getCardFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(CardFormatContract), nil
}

func (s *Server) readCardFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     CardFormatContract,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
