package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/memex/internal/entry"
)

const activeResourceURI = "memex://active"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service EntryService
}

// NewMCPServer creates an MCP server with the capture tools and the active
// entries resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"memex",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("memex: quick capture of notes and checklists. Lists are detected automatically."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("capture",
			mcp.WithDescription("Capture a note. Text that reads like a list is stored as a checklist."),
			mcp.WithString("text", mcp.Description("Text to capture (at most 10000 characters)"), mcp.Required()),
		),
		mcpCapture(deps),
	)

	s.AddTool(
		mcp.NewTool("list_entries",
			mcp.WithDescription("List active (unarchived) entries, newest first."),
		),
		mcpListEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("toggle_item",
			mcp.WithDescription("Check or uncheck one checklist item."),
			mcp.WithString("id", mcp.Description("Entry id"), mcp.Required()),
			mcp.WithNumber("index", mcp.Description("Zero-based item index"), mcp.Required()),
		),
		mcpToggleItem(deps),
	)

	s.AddTool(
		mcp.NewTool("toggle_type",
			mcp.WithDescription("Switch an entry between note and checklist."),
			mcp.WithString("id", mcp.Description("Entry id"), mcp.Required()),
		),
		mcpToggleType(deps),
	)

	s.AddTool(
		mcp.NewTool("archive_entry",
			mcp.WithDescription("Hide an entry from the active list."),
			mcp.WithString("id", mcp.Description("Entry id"), mcp.Required()),
		),
		mcpArchiveEntry(deps),
	)

	s.AddResource(
		mcp.NewResource(
			activeResourceURI,
			"Active Entries",
			mcp.WithResourceDescription("Unarchived entries as JSON, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceActive(deps),
	)

	return s
}

func mcpCapture(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		e, err := deps.Service.Create(ctx, text)
		if err != nil {
			return mcpError(fmt.Sprintf("capture failed: %v", err)), nil
		}
		return mcpJSON(e)
	}
}

func mcpListEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := deps.Service.ListActive(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing entries failed: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(entries)
	}
}

func mcpToggleItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		index, err := req.RequireInt("index")
		if err != nil {
			return mcpError("index is required"), nil
		}

		e, err := deps.Service.Get(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("entry %s: %v", id, err)), nil
		}
		items, err := deps.Service.ToggleItem(ctx, e, index)
		if err != nil {
			return mcpError(fmt.Sprintf("toggle failed: %v", err)), nil
		}
		e.Items = items
		return mcpJSON(e)
	}
}

func mcpToggleType(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		e, err := deps.Service.Get(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("entry %s: %v", id, err)), nil
		}
		e, err = deps.Service.ToggleType(ctx, e)
		if err != nil {
			return mcpError(fmt.Sprintf("toggle failed: %v", err)), nil
		}
		return mcpJSON(e)
	}
}

func mcpArchiveEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Service.Archive(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("archive failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Archived %s", id)), nil
	}
}

func mcpResourceActive(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Service.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list entries: %w", err)
		}
		if entries == nil {
			entries = []entry.Entry{}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
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
