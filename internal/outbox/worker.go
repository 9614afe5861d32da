// Package outbox pushes confirmed orders to the shop's spreadsheet webhook.
// Orders and their export jobs are written in one transaction, so an order
// is exported even if the webhook is down when it is confirmed.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetOrder(id string) (storage.Order, error)
}

// Worker processes order_export jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	url        string
	token      string
	httpClient *http.Client
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker posting to url. If pollInterval is <= 0, it
// defaults to 2s.
func NewWorker(store JobStore, url, token string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:      store,
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		poll:       pollInterval,
		logger:     slog.Default(),
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
			w.logger.Error("outbox iteration failed", "error", err)
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

// RunOnce claims and processes a single export job. Returns true if a job
// was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{catalog.ExportJobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.export(ctx, job); err != nil {
		w.logger.Warn("order export failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
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

type exportPayload struct {
	OrderID string `json:"order_id"`
}

// Row is the body posted to the webhook: one spreadsheet row.
type Row struct {
	RowIndex     int64           `json:"row_index"`
	OrderID      string          `json:"order_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UserID       string          `json:"user_id"`
	DisplayName  string          `json:"display_name,omitempty"`
	Service      string          `json:"service"`
	Category     string          `json:"category"`
	Width        float64         `json:"width,omitempty"`
	Height       float64         `json:"height,omitempty"`
	Area         float64         `json:"area,omitempty"`
	Quantity     int             `json:"quantity"`
	Finishes     json.RawMessage `json:"finishes"`
	FilePath     string          `json:"file_path"`
	Observations string          `json:"observations,omitempty"`
}

func (w *Worker) export(ctx context.Context, job *storage.Job) error {
	var payload exportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	o, err := w.store.GetOrder(payload.OrderID)
	if err != nil {
		return fmt.Errorf("loading order %s: %w", payload.OrderID, err)
	}

	finishes := json.RawMessage(o.Finishes)
	if len(finishes) == 0 {
		finishes = json.RawMessage("[]")
	}
	body, err := json.Marshal(Row{
		RowIndex:     o.RowIndex,
		OrderID:      o.ID,
		CreatedAt:    o.CreatedAt,
		UserID:       o.UserID,
		DisplayName:  o.DisplayName,
		Service:      o.Service,
		Category:     o.Category,
		Width:        o.Width,
		Height:       o.Height,
		Area:         o.Area,
		Quantity:     o.Quantity,
		Finishes:     finishes,
		FilePath:     o.FilePath,
		Observations: o.Observations,
	})
	if err != nil {
		return fmt.Errorf("marshaling row: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	w.logger.Info("order exported", "order_id", o.ID, "row_index", o.RowIndex)
	return nil
}
