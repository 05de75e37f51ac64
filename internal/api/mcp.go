package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/storemon/internal/monitor"
	"github.com/kalambet/storemon/internal/report"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Reports Reports
	Stores  StoreComputer // optional; if nil, store_metrics is not registered
	Now     func() time.Time
}

// NewMCPServer creates an MCP server with the report tools registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := server.NewMCPServer(
		"storemon",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("storemon computes store uptime and downtime within business hours."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("trigger_report",
			mcp.WithDescription("Start computing an uptime/downtime report over all stores. Returns the report id to poll."),
		),
		mcpTriggerReport(deps),
	)

	s.AddTool(
		mcp.NewTool("get_report",
			mcp.WithDescription("Get the status of a report, and its rows once it is Complete."),
			mcp.WithString("report_id", mcp.Description("Id returned by trigger_report"), mcp.Required()),
		),
		mcpGetReport(deps),
	)

	if deps.Stores != nil {
		s.AddTool(
			mcp.NewTool("store_metrics",
				mcp.WithDescription("Compute uptime and downtime of a single store for the last hour, day and week."),
				mcp.WithString("store_id", mcp.Description("Store id"), mcp.Required()),
			),
			mcpStoreMetrics(deps),
		)
	}

	return s
}

func mcpTriggerReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := deps.Reports.Trigger(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to trigger report: %v", err)), nil
		}
		return mcpJSON(triggerResponse{ReportID: id})
	}
}

func mcpGetReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("report_id")
		if err != nil {
			return mcpError("report_id is required"), nil
		}

		job, err := deps.Reports.Fetch(ctx, id)
		if errors.Is(err, report.ErrJobNotFound) {
			return mcpError(fmt.Sprintf("report %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get report: %v", err)), nil
		}
		return mcpJSON(job)
	}
}

func mcpStoreMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		storeID, err := req.RequireString("store_id")
		if err != nil {
			return mcpError("store_id is required"), nil
		}

		rows, err := deps.Stores.ComputeStore(ctx, storeID, deps.Now())
		if errors.Is(err, monitor.ErrUnknownStore) {
			return mcpError(fmt.Sprintf("store %s is unknown", storeID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute store %s: %v", storeID, err)), nil
		}
		return mcpJSON(rows)
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
