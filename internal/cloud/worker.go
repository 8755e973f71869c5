package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"electroexpert/internal/storage"
)

// Job types drained by the worker.
const (
	JobUpload = "cloud_upload"
	JobDelete = "cloud_delete"
)

// UploadPayload is the body of a cloud_upload job.
type UploadPayload struct {
	AttachmentID string `json:"attachment_id"`
}

// DeletePayload is the body of a cloud_delete job. The file coordinates are
// captured at enqueue time because the local row is already gone when the
// job runs.
type DeletePayload struct {
	CollectionName string `json:"collection_name"`
	FileName       string `json:"file_name"`
}

// Queue enqueues sync work without blocking the caller.
type Queue struct {
	store *storage.Store
}

func NewQueue(store *storage.Store) *Queue {
	return &Queue{store: store}
}

// EnqueueUpload schedules an attachment for mirroring. Called after the
// local write succeeds; failures here are surfaced but callers treat them as
// non-fatal.
func (q *Queue) EnqueueUpload(attachmentID string) error {
	payload, _ := json.Marshal(UploadPayload{AttachmentID: attachmentID})
	job := storage.Job{ID: uuid.New().String(), Type: JobUpload, PayloadJSON: string(payload)}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing upload for %s: %w", attachmentID, err)
	}
	return nil
}

// EnqueueDelete schedules removal of a remote file.
func (q *Queue) EnqueueDelete(collectionName, fileName string) error {
	payload, _ := json.Marshal(DeletePayload{CollectionName: collectionName, FileName: fileName})
	job := storage.Job{ID: uuid.New().String(), Type: JobDelete, PayloadJSON: string(payload)}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing delete for %s: %w", fileName, err)
	}
	return nil
}

// Worker drains sync jobs in the background. Jobs that fail are retried
// with backoff by the queue; jobs that exhaust their attempts are marked
// failed and logged, never re-raised to the user.
type Worker struct {
	store    *storage.Store
	client   *Client
	interval time.Duration
	logger   *slog.Logger
}

func NewWorker(store *storage.Store, client *Client, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{
		store:    store,
		client:   client,
		interval: interval,
		logger:   slog.Default().With("component", "cloud-worker"),
	}
}

// Run polls for jobs until the context is cancelled. While the client is
// not connected the queue is left untouched so nothing burns attempts.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.client.Connected() {
				continue
			}
			w.drain(ctx)
		}
	}
}

// drain claims and processes jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.store.ClaimNextJob([]string{JobUpload, JobDelete})
		if err != nil {
			w.logger.Error("claiming job", "error", err)
			return
		}
		if job == nil {
			return
		}

		if err := w.process(ctx, *job); err != nil {
			w.logger.Warn("sync job failed", "job", job.ID, "type", job.Type, "attempt", job.Attempts, "error", err)
			if ferr := w.store.FailJob(job.ID, err.Error()); ferr != nil {
				w.logger.Error("recording job failure", "job", job.ID, "error", ferr)
			}
			continue
		}
		if err := w.store.CompleteJob(job.ID); err != nil {
			w.logger.Error("completing job", "job", job.ID, "error", err)
		}
	}
}

func (w *Worker) process(ctx context.Context, job storage.Job) error {
	switch job.Type {
	case JobUpload:
		var p UploadPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		return w.uploadAttachment(ctx, p.AttachmentID)
	case JobDelete:
		var p DeletePayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		return w.client.DeleteAttachment(ctx, p.CollectionName, p.FileName)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) uploadAttachment(ctx context.Context, attachmentID string) error {
	a, err := w.store.GetAttachment(attachmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted locally before the upload ran; nothing to mirror.
			return nil
		}
		return fmt.Errorf("loading attachment: %w", err)
	}

	collectionName := a.CollectionID
	if col, err := w.store.GetCollection(a.CollectionID); err == nil {
		collectionName = col.Name
	}
	return w.client.UploadAttachment(ctx, collectionName, a.Name, a.MediaType, a.Content)
}
