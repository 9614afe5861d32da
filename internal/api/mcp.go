package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/textutil"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine  Engine
	Catalog Catalog
	Orders  Orders
}

// NewMCPServer creates an MCP server with the operator tools registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"printdesk",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("printdesk: inspect and manage the print shop's WhatsApp order conversations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_services",
			mcp.WithDescription("List the catalog services, optionally for one category."),
			mcp.WithString("category", mcp.Description("Category name; case and accents are ignored")),
		),
		mcpListServices(deps),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Show a customer's conversation: draft order, missing fields, history and blacklist state."),
			mcp.WithString("user_id", mcp.Description("Customer id (phone number)"), mcp.Required()),
		),
		mcpGetSession(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_session",
			mcp.WithDescription("Discard a customer's conversation, timers and blacklist entry."),
			mcp.WithString("user_id", mcp.Description("Customer id (phone number)"), mcp.Required()),
		),
		mcpResetSession(deps),
	)

	s.AddTool(
		mcp.NewTool("unblock_user",
			mcp.WithDescription("Lift a customer's blacklist entry so the assistant answers again."),
			mcp.WithString("user_id", mcp.Description("Customer id (phone number)"), mcp.Required()),
		),
		mcpUnblockUser(deps),
	)

	s.AddTool(
		mcp.NewTool("list_orders",
			mcp.WithDescription("List a customer's confirmed orders, newest first."),
			mcp.WithString("user_id", mcp.Description("Customer id (phone number)"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of orders (default 10)")),
		),
		mcpListOrders(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"printdesk://blacklist",
			"Blacklist",
			mcp.WithResourceDescription("Silenced customers with reason and expiry"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBlacklist(deps),
	)

	return s
}

func mcpListServices(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		all := deps.Catalog.GetServices(ctx)
		category := req.GetString("category", "")
		if category != "" {
			want := textutil.Fold(category)
			filtered := make(map[string][]catalog.ServiceInfo)
			for c, list := range all {
				if textutil.Fold(c) == want {
					filtered[c] = list
				}
			}
			all = filtered
		}
		return mcpJSON(all)
	}
}

func mcpGetSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		s, ok := deps.Engine.Sessions().Peek(userID)
		if !ok {
			return mcpError(fmt.Sprintf("no session for %s", userID)), nil
		}
		return mcpJSON(sessionView(s, deps.Engine.Blacklist()))
	}
}

func mcpResetSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		deps.Engine.ResetUser(userID)
		return mcpText(fmt.Sprintf("Reset session for %s", userID)), nil
	}
}

func mcpUnblockUser(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		if !deps.Engine.Unblock(userID) {
			return mcpError(fmt.Sprintf("%s is not blacklisted", userID)), nil
		}
		return mcpText(fmt.Sprintf("Unblocked %s", userID)), nil
	}
}

func mcpListOrders(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		orders, err := deps.Orders.ListOrdersByUser(userID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing orders failed: %v", err)), nil
		}
		if len(orders) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(orders)
	}
}

func mcpResourceBlacklist(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Engine.Blacklist().Entries())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal blacklist: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
