package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/tutorai/internal/storage"
)

const (
	defaultPoll     = 500 * time.Millisecond
	callbackTimeout = 10 * time.Second
	maxErrorBody    = 512
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetRewrite(id string) (storage.Rewrite, error)
}

// Notification is the body POSTed to a callback URL.
type Notification struct {
	ID            string    `json:"id"`
	Fingerprint   string    `json:"fingerprint"`
	Text          string    `json:"text"`
	Model         string    `json:"model"`
	Tier          string    `json:"tier"`
	QualityScore  *float64  `json:"quality_score"`
	LowConfidence bool      `json:"low_confidence"`
	Attempts      int       `json:"attempts"`
	Cost          float64   `json:"cost"`
	CreatedAt     time.Time `json:"created_at"`
}

func notificationFor(rw storage.Rewrite) Notification {
	return Notification{
		ID:            rw.ID,
		Fingerprint:   rw.Fingerprint,
		Text:          rw.Text,
		Model:         rw.Model,
		Tier:          rw.Tier,
		QualityScore:  rw.QualityScore,
		LowConfidence: rw.LowConfidence,
		Attempts:      rw.Attempts,
		Cost:          rw.Cost,
		CreatedAt:     rw.CreatedAt,
	}
}

// Worker delivers rewrite_callback jobs from the SQLite job queue. Failed
// deliveries are retried by the queue with exponential backoff.
type Worker struct {
	store  JobStore
	client *http.Client
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. A nil client gets a default with a 10s timeout.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, client *http.Client, pollInterval time.Duration) *Worker {
	if client == nil {
		client = &http.Client{Timeout: callbackTimeout}
	}
	if pollInterval <= 0 {
		pollInterval = defaultPoll
	}
	return &Worker{
		store:  store,
		client: client,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("delivery iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and delivers a single callback job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeCallback})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.deliver(ctx, job); err != nil {
		w.logger.Warn("callback failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, job *storage.Job) error {
	var payload callbackPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.CallbackURL == "" {
		return fmt.Errorf("payload has no callback_url")
	}

	rw, err := w.store.GetRewrite(payload.RewriteID)
	if err != nil {
		return fmt.Errorf("loading rewrite %s: %w", payload.RewriteID, err)
	}

	body, err := json.Marshal(notificationFor(rw))
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tutorai")
	req.Header.Set("X-Tutorai-Rewrite-Id", rw.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("callback returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
