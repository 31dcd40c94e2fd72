package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/tutorai/internal/cache"
	"github.com/kalambet/tutorai/internal/invoker"
	"github.com/kalambet/tutorai/internal/ledger"
	"github.com/kalambet/tutorai/internal/registry"
	"github.com/kalambet/tutorai/internal/rewrite"
	"github.com/kalambet/tutorai/internal/storage"
)

const testToken = "test-token-12345"

type mockRewriter struct {
	runFn    func(ctx context.Context, req rewrite.Request) (*rewrite.Result, error)
	batchFn  func(ctx context.Context, reqs []rewrite.Request) []rewrite.BatchItem
	streamFn func(ctx context.Context, req rewrite.Request) (*invoker.Stream, error)
}

func (m *mockRewriter) Run(ctx context.Context, req rewrite.Request) (*rewrite.Result, error) {
	return m.runFn(ctx, req)
}

func (m *mockRewriter) RunBatch(ctx context.Context, reqs []rewrite.Request) []rewrite.BatchItem {
	return m.batchFn(ctx, reqs)
}

func (m *mockRewriter) Stream(ctx context.Context, req rewrite.Request) (*invoker.Stream, error) {
	return m.streamFn(ctx, req)
}

func okResult(text string) *rewrite.Result {
	score := 8.0
	return &rewrite.Result{
		ID:           "rw-1",
		Fingerprint:  "fp",
		Text:         text,
		Model:        "openai/gpt-4o",
		TierName:     "primary",
		QualityScore: &score,
		Attempts:     2,
		CreatedAt:    time.Now().UTC(),
	}
}

func setupHandler(t *testing.T, rw Rewriter) (http.Handler, AppDeps) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(registry.Defaults("openrouter"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	c, err := cache.New(16)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	deps := AppDeps{
		Rewriter: rw,
		Store:    store,
		Ledger:   ledger.New(5, nil),
		Registry: reg,
		Cache:    c,
		Token:    testToken,
	}
	return NewHandler(deps), deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

type envelope struct {
	Error errorBody `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding error envelope: %v; body = %s", err, rr.Body.String())
	}
	return env.Error
}

const validBody = `{"question":"Solve x+1=2","answer":"x=1","subject":"math","style":"guided"}`

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{})

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/budget", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if got := decodeError(t, rr).Type; got != "authentication_error" {
			t.Errorf("token %q: type = %q", token, got)
		}
	}
}

func TestRewrite_Success(t *testing.T) {
	var got rewrite.Request
	h, _ := setupHandler(t, &mockRewriter{
		runFn: func(_ context.Context, req rewrite.Request) (*rewrite.Result, error) {
			got = req
			return okResult("Let's think step by step."), nil
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites", validBody, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	if got.Question != "Solve x+1=2" || got.Style != "guided" || got.Subject != "math" {
		t.Errorf("request decoded as %+v", got)
	}

	var res map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if res["text"] != "Let's think step by step." || res["tier"] != "primary" {
		t.Errorf("response = %v", res)
	}
	if res["quality_score"] != 8.0 {
		t.Errorf("quality_score = %v", res["quality_score"])
	}
}

func TestRewrite_InvalidJSON(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites", `{not json`, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestRewrite_ValidationErrorListsFields(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{
		runFn: func(_ context.Context, req rewrite.Request) (*rewrite.Result, error) {
			return nil, req.Validate()
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites", `{"question":"q","answer":"  ","style":"poetic"}`, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
	}
	body := decodeError(t, rr)
	if body.Type != "invalid_request_error" {
		t.Errorf("type = %q", body.Type)
	}
	if _, ok := body.Fields["answer"]; !ok {
		t.Errorf("fields missing answer: %v", body.Fields)
	}
	if _, ok := body.Fields["style"]; !ok {
		t.Errorf("fields missing style: %v", body.Fields)
	}
}

func TestRewrite_GenerationUnavailable(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{
		runFn: func(context.Context, rewrite.Request) (*rewrite.Result, error) {
			return nil, &rewrite.Error{
				Kind:     rewrite.ErrAllTiersExhausted,
				LastTier: registry.TierBudget,
				Attempts: 6,
				Err:      errors.New("upstream said: secret-internal-detail"),
			}
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites", validBody, testToken))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	body := decodeError(t, rr)
	if body.Type != "generation_unavailable" || body.Code != "all_tiers_exhausted" {
		t.Errorf("error = %+v", body)
	}
	if body.LastTier != "budget" || body.Attempts != 6 {
		t.Errorf("last_tier/attempts = %q/%d", body.LastTier, body.Attempts)
	}
	if strings.Contains(rr.Body.String(), "secret-internal-detail") {
		t.Error("provider message leaked to caller")
	}
}

func TestRewrite_BudgetExhaustedCode(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{
		runFn: func(context.Context, rewrite.Request) (*rewrite.Result, error) {
			return nil, &rewrite.Error{Kind: rewrite.ErrBudgetExhausted, LastTier: registry.TierBudget}
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites", validBody, testToken))
	if got := decodeError(t, rr).Code; got != "budget_exhausted" {
		t.Errorf("code = %q, want budget_exhausted", got)
	}
}

func TestRewriteBatch_MixedOutcomes(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{
		batchFn: func(_ context.Context, reqs []rewrite.Request) []rewrite.BatchItem {
			return []rewrite.BatchItem{
				{Index: 0, Result: okResult("first")},
				{Index: 1, Err: &rewrite.InvalidRequestError{Fields: map[string]string{"answer": "this field cannot be blank"}}},
			}
		},
	})

	body := `{"requests":[` + validBody + `,{"question":"q","answer":"","style":"guided"}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites/batch", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Results []batchItem `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].Result == nil || resp.Results[0].Result.Text != "first" || resp.Results[0].Error != nil {
		t.Errorf("item 0 = %+v", resp.Results[0])
	}
	if resp.Results[1].Error == nil || resp.Results[1].Error.Type != "invalid_request_error" {
		t.Errorf("item 1 = %+v", resp.Results[1])
	}
}

func TestRewriteBatch_Limits(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites/batch", `{"requests":[]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d, want 400", rr.Code)
	}

	reqs := make([]string, maxBatchSize+1)
	for i := range reqs {
		reqs[i] = validBody
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites/batch", `{"requests":[`+strings.Join(reqs, ",")+`]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("oversized batch: status = %d, want 400", rr.Code)
	}
}

func TestRewriteStream_SSE(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{
		streamFn: func(context.Context, rewrite.Request) (*invoker.Stream, error) {
			return invoker.NewStaticStream("Step one. ", "Step two."), nil
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites/stream", validBody, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	out := rr.Body.String()
	if !strings.Contains(out, `data: {"delta":"Step one. "}`) || !strings.Contains(out, `data: {"delta":"Step two."}`) {
		t.Errorf("missing deltas: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated with [DONE]: %q", out)
	}
}

func TestRewriteStream_FailureBeforeFirstChunk(t *testing.T) {
	h, _ := setupHandler(t, &mockRewriter{
		streamFn: func(context.Context, rewrite.Request) (*invoker.Stream, error) {
			return nil, &rewrite.Error{Kind: rewrite.ErrAllTiersExhausted, LastTier: registry.TierBudget, Attempts: 3}
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites/stream", validBody, testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestRewriteStream_InterruptedInBand(t *testing.T) {
	sent := false
	h, _ := setupHandler(t, &mockRewriter{
		streamFn: func(context.Context, rewrite.Request) (*invoker.Stream, error) {
			return invoker.NewStream(func() (string, bool, error) {
				if !sent {
					sent = true
					return "partial", true, nil
				}
				return "", false, errors.New("connection reset")
			}, nil), nil
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/rewrites/stream", validBody, testToken))

	out := rr.Body.String()
	if !strings.Contains(out, `"type":"generation_unavailable"`) {
		t.Errorf("missing in-band error: %s", out)
	}
	if strings.Contains(out, "[DONE]") {
		t.Error("interrupted stream must not end with [DONE]")
	}
	if strings.Contains(out, "connection reset") {
		t.Error("provider error leaked")
	}
}

func TestGetRewrite(t *testing.T) {
	h, deps := setupHandler(t, &mockRewriter{})
	if err := deps.Store.SaveRewrite(storage.Rewrite{
		ID: "rw-42", Fingerprint: "fp", CreatedAt: time.Now().UTC(),
		Question: "q", Answer: "a", Style: "guided", Text: "t", Model: "m", Tier: "fallback",
	}); err != nil {
		t.Fatalf("SaveRewrite: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/rewrites/rw-42", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var v rewriteView
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if v.ID != "rw-42" || v.Tier != "fallback" || v.QualityScore != nil {
		t.Errorf("view = %+v", v)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/rewrites/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
}

func TestListRewrites(t *testing.T) {
	h, deps := setupHandler(t, &mockRewriter{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/rewrites", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty list body = %s", rr.Body.String())
	}

	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		if err := deps.Store.SaveRewrite(storage.Rewrite{
			ID: id, Fingerprint: id, CreatedAt: base.Add(time.Duration(i) * time.Second),
			Question: "q", Answer: "a", Style: "guided", Text: "t", Model: "m", Tier: "primary",
		}); err != nil {
			t.Fatalf("SaveRewrite: %v", err)
		}
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/rewrites?limit=2", "", testToken))
	var views []rewriteView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(views) != 2 || views[0].ID != "c" {
		t.Errorf("views = %+v", views)
	}
}

func TestListRewrites_ByFingerprint(t *testing.T) {
	h, deps := setupHandler(t, &mockRewriter{})

	base := time.Now().UTC()
	for i, id := range []string{"old", "new"} {
		deps.Store.SaveRewrite(storage.Rewrite{
			ID: id, Fingerprint: "fp-1", CreatedAt: base.Add(time.Duration(i) * time.Second),
			Question: "q", Answer: "a", Style: "guided", Text: "t", Model: "m", Tier: "primary",
		})
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/rewrites?fingerprint=fp-1", "", testToken))
	var views []rewriteView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(views) != 1 || views[0].ID != "new" {
		t.Errorf("views = %+v, want only the newest", views)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/rewrites?fingerprint=unknown", "", testToken))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("unknown fingerprint: %d %s", rr.Code, rr.Body.String())
	}
}

func TestDeliveries(t *testing.T) {
	h, deps := setupHandler(t, &mockRewriter{})
	deps.Store.EnqueueJob(storage.Job{ID: "j1", Type: "rewrite_callback", PayloadJSON: "{}"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/deliveries", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var counts map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if counts["pending"] != 1 || counts["failed"] != 0 {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := counts["completed"]; !ok {
		t.Error("every status should be reported")
	}
}

func TestBudget(t *testing.T) {
	h, deps := setupHandler(t, &mockRewriter{})
	deps.Ledger.Record("openai/gpt-4o", 1.25)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/budget", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var v struct {
		Ceiling   float64            `json:"ceiling"`
		Spent     float64            `json:"spent"`
		Remaining float64            `json:"remaining"`
		ByModel   map[string]float64 `json:"by_model"`
		Cache     *cache.Stats       `json:"cache"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if v.Ceiling != 5 || v.Spent != 1.25 || v.Remaining != 3.75 {
		t.Errorf("budget = %+v", v)
	}
	if v.ByModel["openai/gpt-4o"] != 1.25 {
		t.Errorf("by_model = %v", v.ByModel)
	}
	if v.Cache == nil {
		t.Error("cache stats missing")
	}
}

func TestModels(t *testing.T) {
	h, deps := setupHandler(t, &mockRewriter{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/models", "", testToken))
	var resp struct {
		Object string      `json:"object"`
		Data   []modelView `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != len(deps.Registry.Descriptors()) {
		t.Errorf("models = %d, want %d", len(resp.Data), len(deps.Registry.Descriptors()))
	}
	if resp.Data[0].Tier != "primary" {
		t.Errorf("first tier = %q, want primary", resp.Data[0].Tier)
	}
}
