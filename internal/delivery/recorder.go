package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/tutorai/internal/rewrite"
	"github.com/kalambet/tutorai/internal/storage"
)

// JobTypeCallback is the job queue type for result callbacks.
const JobTypeCallback = "rewrite_callback"

// RewriteStore persists accepted rewrites and queues callbacks.
type RewriteStore interface {
	SaveRewrite(rw storage.Rewrite) error
	EnqueueJob(job storage.Job) error
}

// Recorder writes accepted rewrites through to the store. It implements
// rewrite.Recorder.
type Recorder struct {
	store RewriteStore
	// defaultCallback is used when a request carries no callback URL.
	defaultCallback string
}

// NewRecorder creates a Recorder. defaultCallback may be empty.
func NewRecorder(store RewriteStore, defaultCallback string) *Recorder {
	return &Recorder{store: store, defaultCallback: defaultCallback}
}

type callbackPayload struct {
	RewriteID   string `json:"rewrite_id"`
	CallbackURL string `json:"callback_url"`
}

// Record assigns res an ID, saves it, and enqueues a callback job when a
// callback URL applies.
func (r *Recorder) Record(_ context.Context, req rewrite.Request, res *rewrite.Result) error {
	res.ID = uuid.New().String()

	callback := req.CallbackURL
	if callback == "" {
		callback = r.defaultCallback
	}

	rw := storage.Rewrite{
		ID:            res.ID,
		Fingerprint:   res.Fingerprint,
		CreatedAt:     res.CreatedAt,
		Question:      req.Question,
		Answer:        req.Answer,
		Subject:       req.Subject,
		QuestionType:  req.QuestionType,
		GradeLevel:    req.GradeLevel,
		Style:         req.Style,
		Text:          res.Text,
		Model:         res.Model,
		Tier:          res.Tier.String(),
		QualityScore:  res.QualityScore,
		LowConfidence: res.LowConfidence,
		Attempts:      res.Attempts,
		Cost:          res.Cost,
		CallbackURL:   callback,
	}
	if err := r.store.SaveRewrite(rw); err != nil {
		return fmt.Errorf("saving rewrite %s: %w", res.ID, err)
	}

	if callback == "" {
		return nil
	}

	payload, err := json.Marshal(callbackPayload{RewriteID: res.ID, CallbackURL: callback})
	if err != nil {
		return fmt.Errorf("encoding callback payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeCallback,
		PayloadJSON: string(payload),
	}
	if err := r.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueuing callback for %s: %w", res.ID, err)
	}
	slog.Debug("callback queued", "rewrite_id", res.ID, "job_id", job.ID)
	return nil
}
