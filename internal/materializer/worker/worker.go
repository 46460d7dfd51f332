// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package worker is the Document Worker: a cooperating consumer of job
// tickets. For one job, it enumerates documents, processes them in
// bounded-parallel batches with per-document retry, aggregates
// progress, and triggers the Webhook Dispatcher at terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"materializer/internal/materializer/blobstore"
	"materializer/internal/materializer/broker"
	pm "materializer/internal/materializer/metrics"
	"materializer/internal/materializer/retryutil"
	"materializer/internal/materializer/statusmgr"
	"materializer/internal/materializer/store"
	"materializer/internal/materializer/upstream"
	"materializer/internal/materializer/webhook"
	"materializer/pkg/materializer"
)

const (
	defaultBatchSize   = 5
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
	defaultBlobTTL     = time.Hour
	defaultLeaseTTL    = 2 * time.Minute
)

// Store is the Metadata Store surface the Worker needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*materializer.Job, error)
	UpdateJob(ctx context.Context, job *materializer.Job) error
	ListDocumentsByProcess(ctx context.Context, processRef string) ([]materializer.Document, error)
	UpdateDocument(ctx context.Context, d materializer.Document) error
	AppendJobEvent(ctx context.Context, ev materializer.JobEvent) error
}

// Broker is the Work Broker surface the Worker needs.
type Broker interface {
	Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*broker.Ticket, error)
	Ack(ctx context.Context, ticketID string) error
}

// Config tunes batch size, retry count, and backoff. Zero values fall
// back to the spec defaults (B=5, R=3, base=2s, blob TTL=1h).
type Config struct {
	WorkerID    string
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BlobURLTTL  time.Duration
	LeaseTTL    time.Duration
}

// Worker drives jobs from PENDING to a terminal state.
type Worker struct {
	cfg        Config
	store      Store
	broker     Broker
	upstream   upstream.Client
	blob       blobstore.Client
	dispatcher *webhook.Dispatcher
	log        *slog.Logger
	now        func() time.Time
}

// New builds a Worker.
func New(cfg Config, st Store, br Broker, up upstream.Client, blob blobstore.Client, dispatcher *webhook.Dispatcher, log *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BlobURLTTL <= 0 {
		cfg.BlobURLTTL = defaultBlobTTL
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg: cfg, store: st, broker: br, upstream: up, blob: blob, dispatcher: dispatcher,
		log: log, now: func() time.Time { return time.Now().UTC() },
	}
}

// Run polls the broker in a loop until ctx is cancelled, processing
// one ticket at a time. Call from a goroutine, one per pool slot.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ticket, err := w.broker.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
		if err != nil {
			if errors.Is(err, broker.ErrNoTicket) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollInterval):
				}
				continue
			}
			w.log.Error("broker dequeue failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if err := w.ProcessTicket(ctx, ticket); err != nil {
			w.log.Error("process ticket failed, leaving for redelivery", "job_id", ticket.JobID, "err", err)
		}
	}
}

// ProcessTicket drives one ticket's job to a terminal state. Per §4.2
// step 1, a ticket for a job that is not PENDING is acknowledged
// immediately and dropped — this is the idempotent guard that makes
// at-least-once broker delivery safe.
func (w *Worker) ProcessTicket(ctx context.Context, ticket *broker.Ticket) error {
	job, err := w.store.GetJob(ctx, ticket.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing to do for a ticket whose job vanished; ack so it
			// doesn't loop forever.
			return w.broker.Ack(ctx, ticket.TicketID)
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != materializer.JobPending {
		return w.broker.Ack(ctx, ticket.TicketID)
	}

	if err := statusmgr.ValidateJobTransition(job.Status, materializer.JobProcessing); err != nil {
		return fmt.Errorf("transition job to processing: %w", err)
	}
	started := w.now()
	job.Status = materializer.JobProcessing
	job.StartedAt = &started
	if err := w.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist processing transition: %w", err)
	}
	w.appendEvent(ctx, job.ID, materializer.EventInfo, "job started")

	docs, err := w.store.ListDocumentsByProcess(ctx, job.ProcessRef)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	job.TotalDocuments = len(docs)
	job.RecomputeProgress()
	if err := w.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist document count: %w", err)
	}

	cancelled := w.runBatches(ctx, job, docs)

	if cancelled {
		if err := statusmgr.ValidateJobTransition(job.Status, materializer.JobCancelled); err == nil {
			completed := w.now()
			job.Status = materializer.JobCancelled
			job.CompletedAt = &completed
			_ = w.store.UpdateJob(ctx, job)
			w.appendEvent(ctx, job.ID, materializer.EventWarn, "job cancelled between batches")
		}
		return w.broker.Ack(ctx, ticket.TicketID)
	}

	terminal := materializer.JobCompleted
	if job.FailedDocuments > 0 {
		terminal = materializer.JobFailed
	}
	if err := statusmgr.ValidateJobTransition(job.Status, terminal); err != nil {
		return fmt.Errorf("transition job to terminal: %w", err)
	}
	completed := w.now()
	job.Status = terminal
	job.CompletedAt = &completed
	if err := w.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist terminal transition: %w", err)
	}
	w.appendEvent(ctx, job.ID, materializer.EventInfo, fmt.Sprintf("job reached %s", terminal))

	if job.WebhookURL != "" {
		w.dispatchWebhook(ctx, job)
	}

	return w.broker.Ack(ctx, ticket.TicketID)
}

// runBatches drives documents through bounded-parallel batches of
// cfg.BatchSize, mutating job's counters as it goes. It returns true
// if the job was observed CANCELLED between batches.
func (w *Worker) runBatches(ctx context.Context, job *materializer.Job, docs []materializer.Document) bool {
	for start := 0; start < len(docs); start += w.cfg.BatchSize {
		if w.observedCancelled(ctx, job) {
			return true
		}

		end := start + w.cfg.BatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		batchStart := w.now()
		var wg sync.WaitGroup
		var mu sync.Mutex
		for i := range batch {
			wg.Add(1)
			go func(doc *materializer.Document) {
				defer wg.Done()
				w.processDocument(ctx, job, doc)
				mu.Lock()
				defer mu.Unlock()
				switch doc.Status {
				case materializer.DocumentAvailable:
					job.CompletedDocuments++
				case materializer.DocumentFailed:
					job.FailedDocuments++
				}
			}(&batch[i])
		}
		wg.Wait()
		pm.ObserveBatchDuration(w.now().Sub(batchStart))

		job.RecomputeProgress()
		if err := w.store.UpdateJob(ctx, job); err != nil {
			w.log.Error("persist batch progress failed", "job_id", job.ID, "err", err)
		}
	}
	return false
}

func (w *Worker) observedCancelled(ctx context.Context, job *materializer.Job) bool {
	fresh, err := w.store.GetJob(ctx, job.ID)
	if err != nil {
		return false
	}
	return fresh.Status == materializer.JobCancelled
}

// processDocument drives one document through up to MaxAttempts
// fetch-and-upload attempts, per §4.2 step 5. It mutates doc in place
// and persists every transition.
func (w *Worker) processDocument(ctx context.Context, job *materializer.Job, doc *materializer.Document) {
	if doc.Status != materializer.DocumentPending && doc.Status != materializer.DocumentFailed {
		return // (a) not in a retryable-from state; do not downgrade
	}

	if err := statusmgr.ValidateDocumentTransition(doc.Status, materializer.DocumentProcessing); err != nil {
		w.log.Error("illegal document transition", "document_uuid", doc.UUID, "err", err)
		return
	}
	started := w.now()
	doc.Status = materializer.DocumentProcessing
	doc.DownloadStartedAt = &started
	doc.ErrorMessage = ""
	if err := w.store.UpdateDocument(ctx, *doc); err != nil {
		w.log.Error("persist document processing transition failed", "document_uuid", doc.UUID, "err", err)
		return
	}

	delay := retryutil.ExponentialBackoff(w.cfg.BackoffBase, 2, 0)
	lastErr := retryutil.Do(ctx, retryutil.Policy{
		MaxAttempts: w.cfg.MaxAttempts,
		Delay:       delay,
		OnAttempt: func(a retryutil.Attempt) {
			pm.ObserveDocumentAttempt(a.Err == nil)
			if a.Number > 1 {
				pm.IncDocumentRetry()
			}
		},
	}, func(ctx context.Context, attempt int) error {
		return w.fetchAndUpload(ctx, job, doc)
	})

	if lastErr == nil {
		completedAt := w.now()
		doc.Status = materializer.DocumentAvailable
		doc.DownloadCompletedAt = &completedAt
		doc.ErrorMessage = ""
	} else {
		doc.Status = materializer.DocumentFailed
		doc.ErrorMessage = fmt.Sprintf("failed after %d attempts: %v", w.cfg.MaxAttempts, lastErr)
		w.appendEvent(ctx, job.ID, materializer.EventWarn, fmt.Sprintf("document %s failed: %s", doc.ID, doc.ErrorMessage))
	}
	if err := w.store.UpdateDocument(ctx, *doc); err != nil {
		w.log.Error("persist document terminal state failed", "document_uuid", doc.UUID, "err", err)
	}
}

func (w *Worker) fetchAndUpload(ctx context.Context, job *materializer.Job, doc *materializer.Document) error {
	fetched, err := w.upstream.FetchDocument(ctx, doc.SourceHandle)
	if err != nil {
		return fmt.Errorf("fetch document: %w", err)
	}
	blobKey := fmt.Sprintf("processes/%s/documents/%s/%s", job.ProcessRef, doc.ID, doc.Name)
	if err := w.blob.Put(ctx, blobKey, fetched.Data); err != nil {
		return fmt.Errorf("upload document: %w", err)
	}
	doc.BlobKey = blobKey
	doc.Size = fetched.Size
	if fetched.MimeType != "" {
		doc.MimeType = fetched.MimeType
	}
	return nil
}

func (w *Worker) dispatchWebhook(ctx context.Context, job *materializer.Job) {
	docs, err := w.store.ListDocumentsByProcess(ctx, job.ProcessRef)
	if err != nil {
		w.log.Error("list documents for webhook payload failed", "job_id", job.ID, "err", err)
		return
	}

	payload := webhook.Payload{
		ProcessNumber:      job.ProcessRef,
		JobID:              job.ID,
		TotalDocuments:     job.TotalDocuments,
		CompletedDocuments: job.CompletedDocuments,
		FailedDocuments:    job.FailedDocuments,
	}
	if job.CompletedAt != nil {
		payload.CompletedAt = *job.CompletedAt
	}
	if job.Status == materializer.JobCompleted {
		payload.Status = "completed"
	} else {
		payload.Status = "failed"
	}

	for _, d := range docs {
		entry := webhook.Document{
			ID:           d.ID,
			UUID:         d.UUID,
			Name:         d.Name,
			MimeType:     d.MimeType,
			Size:         d.Size,
			ErrorMessage: d.ErrorMessage,
		}
		switch d.Status {
		case materializer.DocumentAvailable:
			entry.Status = "available"
			if d.BlobKey != "" {
				if url, err := w.blob.PresignGet(ctx, d.BlobKey, w.cfg.BlobURLTTL); err == nil {
					entry.DownloadURL = url
				} else {
					w.log.Warn("presign download url failed", "document_uuid", d.UUID, "err", err)
				}
			}
		case materializer.DocumentFailed:
			entry.Status = "failed"
		default:
			entry.Status = string(d.Status)
		}
		payload.Documents = append(payload.Documents, entry)
	}

	outcome := w.dispatcher.Dispatch(ctx, job.WebhookURL, job.ID, payload)
	job.WebhookSent = outcome.Success
	job.WebhookAttempts = outcome.Attempts
	job.WebhookLastError = outcome.LastError
	if outcome.Success {
		job.WebhookSentAt = outcome.SentAt
	}
	if err := w.store.UpdateJob(ctx, job); err != nil {
		w.log.Error("persist webhook outcome failed", "job_id", job.ID, "err", err)
	}
	w.appendEvent(ctx, job.ID, materializer.EventInfo, fmt.Sprintf("webhook dispatched: success=%v attempts=%d", outcome.Success, outcome.Attempts))
}

func (w *Worker) appendEvent(ctx context.Context, jobID string, level materializer.EventLevel, msg string) {
	_ = w.store.AppendJobEvent(ctx, materializer.JobEvent{JobID: jobID, Time: w.now(), Level: level, Message: msg})
}
