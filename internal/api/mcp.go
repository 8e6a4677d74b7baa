package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Orchestrator Orchestrator
}

// NewMCPServer creates an MCP server exposing the sync and momentum tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"dealsync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("dealsync: meeting transcript sync, call analysis and deal momentum."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("manual_sync",
			mcp.WithDescription("Try once to fetch, store and analyze a meeting's transcript. Returns immediately if a sync is already running."),
			mcp.WithString("meeting_id", mcp.Description("Meeting to sync"), mcp.Required()),
		),
		mcpManualSync(deps),
	)

	s.AddTool(
		mcp.NewTool("start_intensive_sync",
			mcp.WithDescription("Start frequent polling for a meeting that just ended."),
			mcp.WithString("meeting_id", mcp.Description("Meeting to poll"), mcp.Required()),
		),
		mcpStartIntensive(deps),
	)

	s.AddTool(
		mcp.NewTool("get_momentum",
			mcp.WithDescription("Return the momentum score and trend of a deal."),
			mcp.WithString("deal_id", mcp.Description("Deal ID"), mcp.Required()),
		),
		mcpGetMomentum(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List sync sessions, optionally filtered by state (idle, polling, syncing, completed, abandoned)."),
			mcp.WithString("state", mcp.Description("Only sessions in this state")),
		),
		mcpListSessions(deps),
	)

	return s
}

func mcpManualSync(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("meeting_id")
		if err != nil {
			return mcpError("meeting_id is required"), nil
		}
		res := deps.Orchestrator.ManualSyncNow(ctx, id)
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStartIntensive(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("meeting_id")
		if err != nil {
			return mcpError("meeting_id is required"), nil
		}
		if err := deps.Orchestrator.StartIntensive(ctx, id); err != nil {
			if errors.Is(err, session.ErrAlreadyActive) {
				return mcpError("sync already in progress"), nil
			}
			return mcpError(fmt.Sprintf("failed to start intensive sync: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Intensive sync started for meeting %s", id)), nil
	}
}

func mcpGetMomentum(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("deal_id")
		if err != nil {
			return mcpError("deal_id is required"), nil
		}
		m, err := deps.Orchestrator.Momentum(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no momentum computed for deal %s", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get momentum: %v", err)), nil
		}
		b, err := json.Marshal(m)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal momentum: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		state := req.GetString("state", "")
		sessions := []session.Session{}
		for _, s := range deps.Orchestrator.Sessions() {
			if state == "" || s.State.String() == state {
				sessions = append(sessions, s)
			}
		}
		b, err := json.Marshal(sessions)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
