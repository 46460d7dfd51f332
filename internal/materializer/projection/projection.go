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

// Package projection is the Status Projection: a read-only assembler
// that composes the current ProcessStatus from the Metadata Store,
// regenerating pre-signed URLs on demand. It performs no writes and no
// upstream calls.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"materializer/internal/materializer/store"
	"materializer/pkg/materializer"
)

// Document is the per-document entry in a ProcessStatus, matching the
// shape sent in the webhook payload (§6.2/§6.3).
type Document struct {
	ID           string `json:"id"`
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Status       string `json:"status"`
	DownloadURL  string `json:"download_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ProcessStatus is the full projection returned to pollers (§6.3).
type ProcessStatus struct {
	ProcessNumber       string     `json:"process_number"`
	OverallStatus       string     `json:"overall_status"`
	ProgressPercentage  int        `json:"progress_percentage"`
	TotalDocuments      int        `json:"total_documents"`
	PendingDocuments    int        `json:"pending_documents"`
	ProcessingDocuments int        `json:"processing_documents"`
	CompletedDocuments  int        `json:"completed_documents"`
	FailedDocuments     int        `json:"failed_documents"`
	Documents           []Document `json:"documents"`
	JobID               string     `json:"job_id,omitempty"`
	WebhookURL          string     `json:"webhook_url,omitempty"`
	WebhookSent         bool       `json:"webhook_sent"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Store is the Metadata Store surface the Projection needs.
type Store interface {
	GetProcess(ctx context.Context, processNumber string) (*materializer.Process, error)
	ListDocumentsByProcess(ctx context.Context, processRef string) ([]materializer.Document, error)
	GetLatestJobByProcess(ctx context.Context, processRef string) (*materializer.Job, error)
}

// BlobStore is the surface the Projection needs to re-sign download
// URLs for AVAILABLE documents.
type BlobStore interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Projection composes ProcessStatus views.
type Projection struct {
	store      Store
	blob       BlobStore
	blobURLTTL time.Duration
}

// New builds a Projection. blobURLTTL defaults to 1 hour.
func New(st Store, blob BlobStore, blobURLTTL time.Duration) *Projection {
	if blobURLTTL <= 0 {
		blobURLTTL = time.Hour
	}
	return &Projection{store: st, blob: blob, blobURLTTL: blobURLTTL}
}

// Get assembles the ProcessStatus for processNumber, or
// materializer.ErrProcessNotFound if the process is unknown.
func (p *Projection) Get(ctx context.Context, processNumber string) (*ProcessStatus, error) {
	proc, err := p.store.GetProcess(ctx, processNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, materializer.ErrProcessNotFound
		}
		return nil, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
	}

	docs, err := p.store.ListDocumentsByProcess(ctx, processNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
	}

	var job *materializer.Job
	if j, jerr := p.store.GetLatestJobByProcess(ctx, processNumber); jerr == nil {
		job = j
	} else if !errors.Is(jerr, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, jerr)
	}

	status := &ProcessStatus{
		ProcessNumber:  proc.ProcessNumber,
		TotalDocuments: len(docs),
	}

	for _, d := range docs {
		switch d.Status {
		case materializer.DocumentPending:
			status.PendingDocuments++
		case materializer.DocumentProcessing:
			status.ProcessingDocuments++
		case materializer.DocumentAvailable:
			status.CompletedDocuments++
		case materializer.DocumentFailed:
			status.FailedDocuments++
		}

		entry := Document{
			ID: d.ID, UUID: d.UUID, Name: d.Name, MimeType: d.MimeType,
			Size: d.Size, Status: documentStatusLabel(d.Status), ErrorMessage: d.ErrorMessage,
		}
		if d.Status == materializer.DocumentAvailable && d.BlobKey != "" {
			if url, perr := p.blob.PresignGet(ctx, d.BlobKey, p.blobURLTTL); perr == nil {
				entry.DownloadURL = url
			}
		}
		status.Documents = append(status.Documents, entry)
	}

	status.ProgressPercentage = progressPercentage(status.CompletedDocuments, status.FailedDocuments, status.TotalDocuments)
	status.OverallStatus = overallStatus(status, job)

	if job != nil {
		status.JobID = job.ID
		status.WebhookURL = job.WebhookURL
		status.WebhookSent = job.WebhookSent
		status.StartedAt = job.StartedAt
		status.CompletedAt = job.CompletedAt
	}

	return status, nil
}

func documentStatusLabel(s materializer.DocumentStatus) string {
	switch s {
	case materializer.DocumentAvailable:
		return "available"
	case materializer.DocumentFailed:
		return "failed"
	case materializer.DocumentProcessing:
		return "processing"
	default:
		return "pending"
	}
}

func progressPercentage(completed, failed, total int) int {
	denom := total
	if denom < 1 {
		denom = 1
	}
	return 100 * (completed + failed) / denom
}

// overallStatus implements §4.5's derivation rules, evaluated in order.
func overallStatus(s *ProcessStatus, job *materializer.Job) string {
	if s.TotalDocuments > 0 && s.CompletedDocuments == s.TotalDocuments {
		return "completed"
	}
	if s.TotalDocuments > 0 && s.FailedDocuments == s.TotalDocuments {
		return "failed"
	}
	if s.ProcessingDocuments > 0 || (job != nil && job.Status == materializer.JobProcessing) {
		return "processing"
	}
	return "pending"
}
