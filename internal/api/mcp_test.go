package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/tutorai/internal/ledger"
	"github.com/kalambet/tutorai/internal/registry"
	"github.com/kalambet/tutorai/internal/rewrite"
	"github.com/kalambet/tutorai/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T, rw Rewriter) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Rewriter: rw,
		Store:    store,
		Ledger:   ledger.New(2, nil),
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_RewriteAnswer(t *testing.T) {
	var got rewrite.Request
	deps, _ := newTestMCPDeps(t, &mockRewriter{
		runFn: func(_ context.Context, req rewrite.Request) (*rewrite.Result, error) {
			got = req
			return okResult("Try grouping the terms first."), nil
		},
	})
	handler := mcpRewriteAnswer(deps)

	result, err := handler(context.Background(), makeCallToolRequest("rewrite_answer", map[string]interface{}{
		"question":    "Factor x²+5x+6",
		"answer":      "(x+2)(x+3)",
		"subject":     "math",
		"grade_level": "8",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	if got.Style != "guided" {
		t.Errorf("default style = %q, want guided", got.Style)
	}
	if got.Subject != "math" || got.GradeLevel != "8" {
		t.Errorf("request = %+v", got)
	}

	var res rewrite.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if res.Text != "Try grouping the terms first." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestMCPTool_RewriteAnswer_MissingArgs(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockRewriter{})
	handler := mcpRewriteAnswer(deps)

	result, err := handler(context.Background(), makeCallToolRequest("rewrite_answer", map[string]interface{}{
		"question": "only a question",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "answer") {
		t.Errorf("message = %q", toolText(t, result))
	}
}

func TestMCPTool_RewriteAnswer_Unavailable(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockRewriter{
		runFn: func(context.Context, rewrite.Request) (*rewrite.Result, error) {
			return nil, &rewrite.Error{Kind: rewrite.ErrAllTiersExhausted, LastTier: registry.TierBudget, Attempts: 6}
		},
	})

	result, err := mcpRewriteAnswer(deps)(context.Background(), makeCallToolRequest("rewrite_answer", map[string]interface{}{
		"question": "q",
		"answer":   "a",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if text := toolText(t, result); !strings.Contains(text, "all_tiers_exhausted") || !strings.Contains(text, "6 attempts") {
		t.Errorf("message = %q", text)
	}
}

func TestMCPTool_RewriteAnswer_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockRewriter{
		runFn: func(_ context.Context, req rewrite.Request) (*rewrite.Result, error) {
			return nil, req.Validate()
		},
	})

	result, _ := mcpRewriteAnswer(deps)(context.Background(), makeCallToolRequest("rewrite_answer", map[string]interface{}{
		"question": "q",
		"answer":   "a",
		"style":    "poetic",
	}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "style") {
		t.Errorf("message = %q", toolText(t, result))
	}
}

func TestMCPTool_GetRewrite(t *testing.T) {
	deps, store := newTestMCPDeps(t, &mockRewriter{})
	if err := store.SaveRewrite(storage.Rewrite{
		ID: "rw-7", Fingerprint: "fp", CreatedAt: time.Now().UTC(),
		Question: "q", Answer: "a", Style: "detailed", Text: "long text", Model: "m", Tier: "primary",
	}); err != nil {
		t.Fatalf("SaveRewrite: %v", err)
	}
	handler := mcpGetRewrite(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_rewrite", map[string]interface{}{"id": "rw-7"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var v rewriteView
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if v.Text != "long text" || v.Style != "detailed" {
		t.Errorf("view = %+v", v)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("get_rewrite", map[string]interface{}{"id": "nope"}))
	if !result.IsError {
		t.Error("expected error for unknown id")
	}
}

func TestMCPResource_Budget(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockRewriter{})
	deps.Ledger.Record("openai/gpt-4o-mini", 0.5)

	contents, err := mcpResourceBudget(deps)(context.Background(), makeReadResourceRequest("tutorai://budget"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "tutorai://budget" {
		t.Errorf("URI = %q", tc.URI)
	}
	var snap ledger.Snapshot
	if err := json.Unmarshal([]byte(tc.Text), &snap); err != nil {
		t.Fatalf("failed to parse budget: %v", err)
	}
	if snap.Spent != 0.5 || snap.Remaining != 1.5 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMCPResource_RecentTruncatesQuestions(t *testing.T) {
	deps, store := newTestMCPDeps(t, &mockRewriter{})
	long := strings.Repeat("é", 250)
	if err := store.SaveRewrite(storage.Rewrite{
		ID: "rw-long", Fingerprint: "fp", CreatedAt: time.Now().UTC(),
		Question: long, Answer: "a", Style: "guided", Text: "t", Model: "m", Tier: "budget",
	}); err != nil {
		t.Fatalf("SaveRewrite: %v", err)
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("tutorai://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	var items []struct {
		ID       string `json:"id"`
		Question string `json:"question"`
		Tier     string `json:"tier"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &items); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(items) != 1 || items[0].Tier != "budget" {
		t.Fatalf("items = %+v", items)
	}
	if n := len([]rune(items[0].Question)); n != 203 {
		t.Errorf("question runes = %d, want 203", n)
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &mockRewriter{})
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
