package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tutorai/internal/cache"
	"github.com/kalambet/tutorai/internal/ledger"
	"github.com/kalambet/tutorai/internal/prompt"
	"github.com/kalambet/tutorai/internal/rewrite"
	"github.com/kalambet/tutorai/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Rewriter Rewriter
	Store    *storage.Store
	Ledger   *ledger.Ledger
	Cache    *cache.Cache // optional
	Version  string
}

// NewMCPServer creates an MCP server with all tutorai tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"tutorai",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tutorai rewrites reference answers into student-facing explanations at a chosen style and grade level."),
		server.WithRecovery(),
	)

	styles := make([]string, len(prompt.Styles))
	for i, st := range prompt.Styles {
		styles[i] = string(st)
	}

	s.AddTool(
		mcp.NewTool("rewrite_answer",
			mcp.WithDescription("Rewrite a reference answer into a tutoring explanation for a student."),
			mcp.WithString("question", mcp.Description("The question as posed to the student"), mcp.Required()),
			mcp.WithString("answer", mcp.Description("The original reference answer"), mcp.Required()),
			mcp.WithString("style", mcp.Description("Rewrite style"), mcp.Enum(styles...)),
			mcp.WithString("subject", mcp.Description("Subject, e.g. math or history")),
			mcp.WithString("question_type", mcp.Description("Question type, e.g. multiple choice")),
			mcp.WithString("grade_level", mcp.Description("Target grade level")),
		),
		mcpRewriteAnswer(deps),
	)

	s.AddTool(
		mcp.NewTool("get_rewrite",
			mcp.WithDescription("Fetch a previously accepted rewrite by ID."),
			mcp.WithString("id", mcp.Description("Rewrite ID"), mcp.Required()),
		),
		mcpGetRewrite(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tutorai://budget",
			"Budget",
			mcp.WithResourceDescription("Current spend, reservations and remaining budget as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBudget(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tutorai://recent",
			"Recent Rewrites",
			mcp.WithResourceDescription("Last 10 accepted rewrites (questions truncated)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpRewriteAnswer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcpError("answer is required"), nil
		}

		res, err := deps.Rewriter.Run(ctx, rewrite.Request{
			Question:     question,
			Answer:       answer,
			Style:        req.GetString("style", string(prompt.StyleGuided)),
			Subject:      req.GetString("subject", ""),
			QuestionType: req.GetString("question_type", ""),
			GradeLevel:   req.GetString("grade_level", ""),
		})
		if err != nil {
			var invalid *rewrite.InvalidRequestError
			if errors.As(err, &invalid) {
				return mcpError(invalid.Error()), nil
			}
			var rerr *rewrite.Error
			if errors.As(err, &rerr) {
				return mcpError(fmt.Sprintf("no rewrite could be produced (%s after %d attempts)", rerr.Code(), rerr.Attempts)), nil
			}
			return mcpError("rewrite failed"), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetRewrite(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rw, err := deps.Store.GetRewrite(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("rewrite %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load rewrite: %v", err)), nil
		}

		b, err := json.Marshal(viewOf(rw))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal rewrite: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceBudget(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(budgetReport(AppDeps{Ledger: deps.Ledger, Cache: deps.Cache}))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal budget: %w", err)
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

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		rewrites, err := deps.Store.ListRewrites(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent rewrites: %w", err)
		}

		type rewriteSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Question  string `json:"question"`
			Tier      string `json:"tier"`
		}

		summaries := make([]rewriteSummary, len(rewrites))
		for i, rw := range rewrites {
			question := rw.Question
			if utf8.RuneCountInString(question) > 200 {
				runes := []rune(question)
				question = string(runes[:200]) + "..."
			}
			summaries[i] = rewriteSummary{
				ID:        rw.ID,
				CreatedAt: rw.CreatedAt.Format(time.RFC3339),
				Question:  question,
				Tier:      rw.Tier,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rewrites: %w", err)
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
