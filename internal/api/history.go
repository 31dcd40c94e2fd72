package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tutorai/internal/cache"
	"github.com/kalambet/tutorai/internal/ledger"
	"github.com/kalambet/tutorai/internal/registry"
	"github.com/kalambet/tutorai/internal/storage"
)

type AppDeps struct {
	Rewriter Rewriter
	Store    *storage.Store
	Ledger   *ledger.Ledger
	Registry *registry.Registry
	Cache    *cache.Cache // optional; cache stats are omitted when nil
	Token    string
}

// rewriteView is the stored form of a rewrite as returned by the API.
type rewriteView struct {
	ID            string    `json:"id"`
	Fingerprint   string    `json:"fingerprint"`
	CreatedAt     time.Time `json:"created_at"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	Subject       string    `json:"subject,omitempty"`
	QuestionType  string    `json:"question_type,omitempty"`
	GradeLevel    string    `json:"grade_level,omitempty"`
	Style         string    `json:"style"`
	Text          string    `json:"text"`
	Model         string    `json:"model"`
	Tier          string    `json:"tier"`
	QualityScore  *float64  `json:"quality_score"`
	LowConfidence bool      `json:"low_confidence"`
	Attempts      int       `json:"attempts"`
	Cost          float64   `json:"cost"`
}

func viewOf(rw storage.Rewrite) rewriteView {
	return rewriteView{
		ID:            rw.ID,
		Fingerprint:   rw.Fingerprint,
		CreatedAt:     rw.CreatedAt,
		Question:      rw.Question,
		Answer:        rw.Answer,
		Subject:       rw.Subject,
		QuestionType:  rw.QuestionType,
		GradeLevel:    rw.GradeLevel,
		Style:         rw.Style,
		Text:          rw.Text,
		Model:         rw.Model,
		Tier:          rw.Tier,
		QualityScore:  rw.QualityScore,
		LowConfidence: rw.LowConfidence,
		Attempts:      rw.Attempts,
		Cost:          rw.Cost,
	}
}

func handleListRewrites(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		var rewrites []storage.Rewrite
		var err error
		if fp := r.URL.Query().Get("fingerprint"); fp != "" {
			// Only the newest rewrite per fingerprint is listed.
			var rw storage.Rewrite
			rw, err = deps.Store.LatestRewrite(fp)
			if err == nil {
				rewrites = append(rewrites, rw)
			} else if errors.Is(err, storage.ErrNotFound) {
				err = nil
			}
		} else {
			rewrites, err = deps.Store.ListRewrites(limit)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list rewrites: %v", err)
			return
		}

		views := make([]rewriteView, len(rewrites))
		for i, rw := range rewrites {
			views[i] = viewOf(rw)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetRewrite(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rw, err := deps.Store.GetRewrite(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "rewrite not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get rewrite: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewOf(rw))
	}
}

type budgetView struct {
	ledger.Snapshot
	Cache *cache.Stats `json:"cache,omitempty"`
}

func budgetReport(deps AppDeps) budgetView {
	v := budgetView{Snapshot: deps.Ledger.Snapshot()}
	if deps.Cache != nil {
		st := deps.Cache.Stats()
		v.Cache = &st
	}
	return v
}

func handleBudget(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(budgetReport(deps))
	}
}

type modelView struct {
	Task          string  `json:"task"`
	Tier          string  `json:"tier"`
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	Profile       string  `json:"profile,omitempty"`
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
}

func handleModels(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descs := deps.Registry.Descriptors()
		out := make([]modelView, len(descs))
		for i, d := range descs {
			out[i] = modelView{
				Task:          string(d.Task),
				Tier:          d.Tier.String(),
				Model:         d.Model,
				Provider:      d.Provider,
				Profile:       string(d.Profile),
				InputPerMTok:  d.InputPerMTok,
				OutputPerMTok: d.OutputPerMTok,
				MaxTokens:     d.MaxTokens,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   out,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func handleDeliveries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.JobCounts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count deliveries: %v", err)
			return
		}
		for _, st := range []string{storage.JobPending, storage.JobRunning, storage.JobCompleted, storage.JobFailed} {
			if _, ok := counts[st]; !ok {
				counts[st] = 0
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counts)
	}
}
