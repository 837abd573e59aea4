// Package mcp implements the Model Context Protocol server for memento,
// exposing the memory tiers as tools over stdio so MCP-capable agents can
// use them without speaking the websocket protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/memento-project/memento/internal/bundle"
	"github.com/memento-project/memento/internal/models"
	"github.com/memento-project/memento/internal/protocol"
)

// defaultRecallLimit is the default number of results for recall.
const defaultRecallLimit = 5

// Server wraps an MCPServer with the memento storage tiers.
type Server struct {
	mcp    *mcpserver.MCPServer
	dbs    *bundle.Bundle
	logger *slog.Logger
}

// NewServer creates a new MCP server over dbs.
func NewServer(dbs *bundle.Bundle, logger *slog.Logger) *Server {
	s := &Server{
		dbs:    dbs,
		logger: logger,
	}

	mcpSrv := mcpserver.NewMCPServer(
		"memento",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)

	mcpSrv.AddTool(buildRememberTool(), s.handleRemember)
	mcpSrv.AddTool(buildRecallTool(), s.handleRecall)
	mcpSrv.AddTool(buildForgetTool(), s.handleForget)
	mcpSrv.AddTool(buildCountTool(), s.handleCount)

	s.mcp = mcpSrv
	return s
}

// MCPServer returns the underlying mcp-go MCPServer for use with ServeStdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// HandleRemember is the exported handler for the "remember" tool.
// It is exposed for direct testing without the mcp-go transport layer.
func (s *Server) HandleRemember(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleRemember(ctx, req)
}

// HandleRecall is the exported handler for the "recall" tool.
func (s *Server) HandleRecall(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleRecall(ctx, req)
}

// HandleForget is the exported handler for the "forget" tool.
func (s *Server) HandleForget(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleForget(ctx, req)
}

// HandleCount is the exported handler for the "count" tool.
func (s *Server) HandleCount(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleCount(ctx, req)
}

// toolResultJSON marshals v to JSON and returns it as a tool text result.
func toolResultJSON(v any) (*mcpgo.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshaling result: %w", err)
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// --- tool definitions ---

func buildRememberTool() mcpgo.Tool {
	return mcpgo.NewTool("remember",
		mcpgo.WithDescription("Store a memory in memento's short-term tier. Memories about a specific person are also logged under that user."),
		mcpgo.WithString("content",
			mcpgo.Required(),
			mcpgo.Description("The text content to remember"),
		),
		mcpgo.WithString("collection",
			mcpgo.Description("Collection (persona) to store under (default: default)"),
		),
		mcpgo.WithString("user",
			mcpgo.Description("Name of the person this memory is about, if any"),
		),
		mcpgo.WithNumber("score",
			mcpgo.Description("Importance score 0.0-1.0"),
		),
	)
}

func buildRecallTool() mcpgo.Tool {
	return mcpgo.NewTool("recall",
		mcpgo.WithDescription("Retrieve memories by similarity from the short-term or long-term tier."),
		mcpgo.WithString("query",
			mcpgo.Required(),
			mcpgo.Description("The query to recall memories for"),
		),
		mcpgo.WithString("collection",
			mcpgo.Description("Collection (persona) to query (default: default)"),
		),
		mcpgo.WithString("tier",
			mcpgo.Description("Tier to query: stm or ltm (default: stm)"),
		),
		mcpgo.WithNumber("limit",
			mcpgo.Description("Maximum number of results (default: 5)"),
		),
	)
}

func buildForgetTool() mcpgo.Tool {
	return mcpgo.NewTool("forget",
		mcpgo.WithDescription("Delete a memory by ID from one tier."),
		mcpgo.WithString("id",
			mcpgo.Required(),
			mcpgo.Description("The ID of the memory to delete"),
		),
		mcpgo.WithString("collection",
			mcpgo.Description("Collection (persona) the memory lives in (default: default)"),
		),
		mcpgo.WithString("tier",
			mcpgo.Description("Tier to delete from: stm or ltm (default: stm)"),
		),
	)
}

func buildCountTool() mcpgo.Tool {
	return mcpgo.NewTool("count",
		mcpgo.WithDescription("Get entry counts for a collection across all tiers."),
		mcpgo.WithString("collection",
			mcpgo.Description("Collection (persona) to count (default: default)"),
		),
	)
}

// --- tool handlers ---

func (s *Server) handleRemember(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	content := req.GetString("content", "")
	if strings.TrimSpace(content) == "" {
		return mcpgo.NewToolResultError("content is required and must not be empty"), nil
	}
	coll := req.GetString("collection", "default")

	mem := models.New(content)
	if user := req.GetString("user", ""); user != "" {
		mem.User = models.StrPtr(user)
	}
	score := req.GetFloat("score", -1)
	if score >= 0 {
		if score > 1 {
			return mcpgo.NewToolResultError("score must be between 0.0 and 1.0"), nil
		}
		mem.Score = models.FloatPtr(score)
	}

	if err := s.dbs.ShortTerm.Store(ctx, coll, mem); err != nil {
		return mcpgo.NewToolResultErrorf("store failed: %s", err.Error()), nil
	}
	if mem.User != nil {
		if err := s.dbs.Users.Store(coll, *mem.User, mem); err != nil {
			return mcpgo.NewToolResultErrorf("user log store failed: %s", err.Error()), nil
		}
	}

	s.logger.Info("mcp: remember stored memory", "id", mem.ID, "coll", coll)
	return toolResultJSON(map[string]any{"id": mem.ID, "stored": true})
}

func (s *Server) handleRecall(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcpgo.NewToolResultError("query is required and must not be empty"), nil
	}
	coll := req.GetString("collection", "default")
	limit := req.GetInt("limit", defaultRecallLimit)
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	var (
		results []models.QueriedMemory
		err     error
	)
	switch tier := req.GetString("tier", protocol.TierSTM); tier {
	case protocol.TierSTM:
		results, err = s.dbs.ShortTerm.Query(ctx, coll, query, limit)
	case protocol.TierLTM:
		results, err = s.dbs.LongTerm.Query(ctx, coll, query, limit)
	default:
		return mcpgo.NewToolResultErrorf("invalid tier %q: must be stm or ltm", tier), nil
	}
	if err != nil {
		return mcpgo.NewToolResultErrorf("query failed: %s", err.Error()), nil
	}

	return toolResultJSON(map[string]any{"results": results})
}

func (s *Server) handleForget(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id := req.GetString("id", "")
	if strings.TrimSpace(id) == "" {
		return mcpgo.NewToolResultError("id is required and must not be empty"), nil
	}
	coll := req.GetString("collection", "default")

	var err error
	switch tier := req.GetString("tier", protocol.TierSTM); tier {
	case protocol.TierSTM:
		err = s.dbs.ShortTerm.Remove(ctx, coll, id)
	case protocol.TierLTM:
		err = s.dbs.LongTerm.Remove(ctx, coll, id)
	default:
		return mcpgo.NewToolResultErrorf("invalid tier %q: must be stm or ltm", tier), nil
	}
	if err != nil {
		return mcpgo.NewToolResultErrorf("delete failed: %s", err.Error()), nil
	}

	s.logger.Info("mcp: forget deleted memory", "id", id, "coll", coll)
	return toolResultJSON(map[string]any{"deleted": true})
}

func (s *Server) handleCount(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	coll := req.GetString("collection", "default")

	stm, err := s.dbs.ShortTerm.Count(ctx, coll)
	if err != nil {
		return mcpgo.NewToolResultErrorf("short-term count failed: %s", err.Error()), nil
	}
	ltm, err := s.dbs.LongTerm.Count(ctx, coll)
	if err != nil {
		return mcpgo.NewToolResultErrorf("long-term count failed: %s", err.Error()), nil
	}
	users, err := s.dbs.Users.Users(coll)
	if err != nil {
		return mcpgo.NewToolResultErrorf("user count failed: %s", err.Error()), nil
	}

	return toolResultJSON(map[string]any{"stm": stm, "ltm": ltm, "users": len(users)})
}
