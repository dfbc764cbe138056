// Package mcp exposes the review store's query surface as MCP tools, so
// AI assistants can pull review state, risk trends, and recurring issues
// straight from the store.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stackaudit/stackaudit/internal/query"
	"github.com/stackaudit/stackaudit/internal/store"
)

// Server wraps the query engine and exposes it as MCP tools.
type Server struct {
	engine *query.Engine
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store) *Server {
	return &Server{engine: query.New(s)}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("stackaudit", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.latestReviewTool())
	srv.AddTool(s.reviewHistoryTool())
	srv.AddTool(s.groupReviewsTool())
	srv.AddTool(s.highRiskTool())
	srv.AddTool(s.riskTrendTool())
	srv.AddTool(s.repeatedIssuesTool())
	srv.AddTool(s.compareVersionsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// review_latest
func (s *Server) latestReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("review_latest",
		mcp.WithDescription("Get the current (latest version) state of a review by id, including its status, findings, and risk score."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review id")),
	)
	return tool, s.handleLatestReview
}

func (s *Server) handleLatestReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	v, err := s.engine.Latest(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load review: %v", err)), nil
	}
	return toolJSON(v)
}

// review_history
func (s *Server) reviewHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("review_history",
		mcp.WithDescription("Page through the full version history of a review, oldest first. Returns versions plus a next-page token (0 means end)."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review id")),
		mcp.WithNumber("after", mcp.Description("Version token from a previous page, 0 to start")),
		mcp.WithNumber("limit", mcp.Description("Max versions per page, default 20")),
	)
	return tool, s.handleReviewHistory
}

func (s *Server) handleReviewHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	after := request.GetInt("after", 0)
	limit := request.GetInt("limit", 20)

	versions, next, err := s.engine.History(ctx, id, after, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load history: %v", err)), nil
	}
	return toolJSON(map[string]any{"versions": versions, "next": next})
}

// review_group
func (s *Server) groupReviewsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("review_group",
		mcp.WithDescription("List the latest version of every review under a grouping key (e.g. a CI run id), newest first."),
		mcp.WithString("group_key", mcp.Required(), mcp.Description("Grouping key")),
		mcp.WithNumber("limit", mcp.Description("Max reviews, default 20")),
	)
	return tool, s.handleGroupReviews
}

func (s *Server) handleGroupReviews(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group, err := request.RequireString("group_key")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: group_key"), nil
	}
	versions, err := s.engine.ByGroup(ctx, group, request.GetInt("limit", 20), true)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list group: %v", err)), nil
	}
	return toolJSON(versions)
}

// review_high_risk
func (s *Server) highRiskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("review_high_risk",
		mcp.WithDescription("List reviews created on a day whose risk score is at or above a threshold, highest risk first."),
		mcp.WithString("day", mcp.Description("UTC day YYYY-MM-DD, default today")),
		mcp.WithNumber("min_score", mcp.Description("Risk threshold in [0,1], default 0.7")),
		mcp.WithNumber("limit", mcp.Description("Max entries, default 20")),
	)
	return tool, s.handleHighRisk
}

func (s *Server) handleHighRisk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	day := request.GetString("day", store.DayOf(time.Now()))
	minScore := request.GetFloat("min_score", 0.7)

	entries, err := s.engine.HighRisk(ctx, day, minScore, request.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to query high risk: %v", err)), nil
	}
	return toolJSON(entries)
}

// review_trend
func (s *Server) riskTrendTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("review_trend",
		mcp.WithDescription("Per-day risk statistics (count, average, min, max) over an inclusive day range. Days without data appear as zero points."),
		mcp.WithString("start", mcp.Required(), mcp.Description("Start day YYYY-MM-DD")),
		mcp.WithString("end", mcp.Required(), mcp.Description("End day YYYY-MM-DD")),
	)
	return tool, s.handleRiskTrend
}

func (s *Server) handleRiskTrend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, err := request.RequireString("start")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: start"), nil
	}
	end, err := request.RequireString("end")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: end"), nil
	}
	points, err := s.engine.RiskTrend(ctx, start, end)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute trend: %v", err)), nil
	}
	return toolJSON(points)
}

// review_repeated_issues
func (s *Server) repeatedIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("review_repeated_issues",
		mcp.WithDescription("List issues reported repeatedly across the reviews of a group, most frequent first. Useful for spotting systemic problems."),
		mcp.WithString("group_key", mcp.Required(), mcp.Description("Grouping key")),
		mcp.WithNumber("min_occurrences", mcp.Description("Minimum occurrences, default 2")),
		mcp.WithNumber("limit", mcp.Description("Max entries, default 20")),
	)
	return tool, s.handleRepeatedIssues
}

func (s *Server) handleRepeatedIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	group, err := request.RequireString("group_key")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: group_key"), nil
	}
	counts, err := s.engine.RepeatedIssues(ctx, group,
		request.GetInt("min_occurrences", 2), request.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to query repeated issues: %v", err)), nil
	}
	return toolJSON(counts)
}

// review_compare
func (s *Server) compareVersionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("review_compare",
		mcp.WithDescription("Diff two versions of a review: risk delta, finding count changes per category, status change, and elapsed time."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review id")),
		mcp.WithNumber("from", mcp.Required(), mcp.Description("Base version number")),
		mcp.WithNumber("to", mcp.Required(), mcp.Description("Target version number")),
	)
	return tool, s.handleCompareVersions
}

func (s *Server) handleCompareVersions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	from := request.GetInt("from", 0)
	to := request.GetInt("to", 0)
	if from < 1 || to < 1 {
		return mcp.NewToolResultError("from and to must be version numbers >= 1"), nil
	}
	diff, err := s.engine.CompareVersions(ctx, id, from, to)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compare versions: %v", err)), nil
	}
	return toolJSON(diff)
}
