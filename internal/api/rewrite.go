package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tutorai/internal/invoker"
	"github.com/kalambet/tutorai/internal/rewrite"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxBatchBodySize   = 8 << 20 // 8MB
	maxBatchSize       = 50
)

// Rewriter is the subset of the orchestrator the API layer drives.
type Rewriter interface {
	Run(ctx context.Context, req rewrite.Request) (*rewrite.Result, error)
	RunBatch(ctx context.Context, reqs []rewrite.Request) []rewrite.BatchItem
	Stream(ctx context.Context, req rewrite.Request) (*invoker.Stream, error)
}

// NewHandler returns the HTTP API. /health is public; everything under /v1
// requires the bearer token.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/rewrites", handleRewrite(deps))
		r.Post("/v1/rewrites/batch", handleRewriteBatch(deps))
		r.Post("/v1/rewrites/stream", handleRewriteStream(deps))
		r.Get("/v1/rewrites", handleListRewrites(deps))
		r.Get("/v1/rewrites/{id}", handleGetRewrite(deps))
		r.Get("/v1/budget", handleBudget(deps))
		r.Get("/v1/deliveries", handleDeliveries(deps))
		r.Get("/v1/models", handleModels(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRewrite(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req rewrite.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Rewriter.Run(r.Context(), req)
		if err != nil {
			rewriteError(w, err)
			return
		}

		slog.Debug("rewrite served",
			"fingerprint", res.Fingerprint,
			"tier", res.TierName,
			"cache_hit", res.CacheHit,
			"attempts", res.Attempts,
			"duration_ms", res.ElapsedMs,
		)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

type batchRequest struct {
	Requests []rewrite.Request `json:"requests"`
}

type batchItem struct {
	Index  int             `json:"index"`
	Result *rewrite.Result `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

func handleRewriteBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBatchBodySize)
		defer r.Body.Close()

		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Requests) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "requests is required and must not be empty")
			return
		}
		if len(req.Requests) > maxBatchSize {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d requests per batch", maxBatchSize)
			return
		}

		items := deps.Rewriter.RunBatch(r.Context(), req.Requests)
		out := make([]batchItem, len(items))
		for i, it := range items {
			out[i] = batchItem{Index: it.Index, Result: it.Result}
			if it.Err != nil {
				_, body := errorFor(it.Err)
				out[i].Error = &body
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": out})
	}
}

func handleRewriteStream(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		var req rewrite.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		s, err := deps.Rewriter.Stream(r.Context(), req)
		if err != nil {
			rewriteError(w, err)
			return
		}
		defer s.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		for s.Next() {
			writeEvent(w, map[string]string{"delta": s.Chunk()})
			flusher.Flush()
		}
		if err := s.Err(); err != nil {
			// Partial text was already sent; report the failure in-band.
			slog.Warn("rewrite stream interrupted", "error", err)
			writeEvent(w, map[string]any{
				"error": map[string]any{
					"message": "stream interrupted",
					"type":    "generation_unavailable",
				},
			})
			flusher.Flush()
			return
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal stream event", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// errorBody is the inner object of the error envelope.
type errorBody struct {
	Message  string            `json:"message"`
	Type     string            `json:"type"`
	Code     string            `json:"code,omitempty"`
	LastTier string            `json:"last_tier,omitempty"`
	Attempts int               `json:"attempts,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// errorFor maps an orchestrator error to a status and envelope body.
// Provider messages are never exposed.
func errorFor(err error) (int, errorBody) {
	var invalid *rewrite.InvalidRequestError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest, errorBody{
			Message: "invalid rewrite request",
			Type:    "invalid_request_error",
			Fields:  invalid.Fields,
		}
	}

	var rerr *rewrite.Error
	if errors.As(err, &rerr) {
		return http.StatusServiceUnavailable, errorBody{
			Message:  "no rewrite could be produced",
			Type:     "generation_unavailable",
			Code:     rerr.Code(),
			LastTier: rerr.LastTier.String(),
			Attempts: rerr.Attempts,
		}
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, errorBody{Message: "request cancelled", Type: "cancelled"}
	}

	slog.Error("unexpected rewrite error", "error", err)
	return http.StatusInternalServerError, errorBody{Message: "internal error", Type: "api_error"}
}

func rewriteError(w http.ResponseWriter, err error) {
	code, body := errorFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
