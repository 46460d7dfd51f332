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

// Package scheduler is the Job Scheduler: given a request to
// materialize a process, it decides in one of three ways — reuse an
// active job, reuse a completed result, or admit a new one — and
// returns before any download begins.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	pm "materializer/internal/materializer/metrics"
	"materializer/internal/materializer/statusmgr"
	"materializer/internal/materializer/store"
	"materializer/internal/materializer/upstream"
	"materializer/pkg/materializer"
)

// Decision is one of the three admission outcomes from §4.1.
type Decision string

const (
	DecisionReusedActive   Decision = "REUSED_ACTIVE"
	DecisionReusedComplete Decision = "REUSED_COMPLETE"
	DecisionAdmitted       Decision = "ADMITTED"
)

// DocumentView is the caller-facing rendering of a Document, with a
// freshly-signed DownloadURL when available — never persisted,
// regenerated on every Admit call per the "never cache" rule that also
// governs the Status Projection.
type DocumentView struct {
	ID           string
	UUID         string
	Name         string
	MimeType     string
	Size         int64
	Status       materializer.DocumentStatus
	DownloadURL  string
	ErrorMessage string
}

// ProcessSummary is the caller-facing view of a Process plus its
// current documents, returned alongside a Decision.
type ProcessSummary struct {
	ProcessNumber string
	Court         string
	Subject       string
	JobID         string
	Documents     []DocumentView
}

// Result is what Admit returns.
type Result struct {
	JobID    string
	Decision Decision
	Summary  ProcessSummary
}

// Store is the Metadata Store surface the Scheduler needs.
type Store interface {
	GetProcess(ctx context.Context, processNumber string) (*materializer.Process, error)
	UpsertProcess(ctx context.Context, p materializer.Process) error
	ListDocumentsByProcess(ctx context.Context, processRef string) ([]materializer.Document, error)
	GetActiveJobByProcess(ctx context.Context, processRef string) (*materializer.Job, error)
	InsertJob(ctx context.Context, job *materializer.Job, seedDocs []materializer.Document) error
}

// Broker is the Work Broker surface the Scheduler needs.
type Broker interface {
	Enqueue(ctx context.Context, jobID string) error
}

// BlobStore is the surface the Scheduler needs to re-sign download URLs
// for a REUSED_COMPLETE result.
type BlobStore interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Scheduler admits jobs.
type Scheduler struct {
	store      Store
	broker     Broker
	upstream   upstream.Client
	blob       BlobStore
	policy     statusmgr.WebhookURLPolicy
	blobURLTTL time.Duration
}

// New builds a Scheduler.
func New(st Store, br Broker, up upstream.Client, blob BlobStore, policy statusmgr.WebhookURLPolicy, blobURLTTL time.Duration) *Scheduler {
	if blobURLTTL <= 0 {
		blobURLTTL = time.Hour
	}
	return &Scheduler{store: st, broker: br, upstream: up, blob: blob, policy: policy, blobURLTTL: blobURLTTL}
}

// Admit implements §4.1's three-outcome decision. webhookURL may be
// empty; when non-empty it must pass the webhook URL policy or this
// returns materializer.ErrInvalidWebhookURL. autoDownload is accepted
// per the documented input (processNumber, webhookUrl?,
// autoDownload=true) but, as in every worked example in this codebase's
// design notes, never has a caller pass it as false: there is no
// defined "fetch metadata only, defer document downloads" outcome, so
// admission proceeds identically regardless of its value.
func (s *Scheduler) Admit(ctx context.Context, processNumber, webhookURL string, autoDownload bool) (Result, error) {
	if processNumber == "" {
		return Result{}, fmt.Errorf("%w: empty process number", materializer.ErrProcessNotFound)
	}
	if webhookURL != "" {
		if err := s.policy.ValidateWebhookURL(webhookURL); err != nil {
			return Result{}, err
		}
	}

	if active, err := s.store.GetActiveJobByProcess(ctx, processNumber); err == nil {
		pm.ObserveSchedulerDecision(pm.DecisionReusedActive)
		return s.reuseResult(ctx, processNumber, active.ID, DecisionReusedActive)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
	}

	proc, err := s.store.GetProcess(ctx, processNumber)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
	}
	var meta *upstream.ProcessMetadata
	if proc == nil {
		fetched, ferr := s.upstream.FetchProcessMetadata(ctx, processNumber)
		if ferr != nil {
			return Result{}, fmt.Errorf("%w: %v", materializer.ErrUpstreamUnavailable, ferr)
		}
		meta = fetched
		now := time.Now().UTC()
		p := materializer.Process{
			ProcessNumber: fetched.ProcessNumber,
			Court:         fetched.Court,
			Subject:       fetched.Subject,
			Summary:       fetched.Summary,
			HasDocuments:  len(fetched.Documents) > 0,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.UpsertProcess(ctx, p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
		}
		proc = &p
	}

	docs, err := s.store.ListDocumentsByProcess(ctx, processNumber)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
	}

	if len(docs) > 0 && allAvailable(docs) {
		pm.ObserveSchedulerDecision(pm.DecisionReusedComplete)
		return s.buildSummary(ctx, *proc, docs, "", DecisionReusedComplete)
	}

	var newDocs []materializer.Document
	if len(docs) == 0 {
		if meta == nil {
			fetched, ferr := s.upstream.FetchProcessMetadata(ctx, processNumber)
			if ferr != nil {
				return Result{}, fmt.Errorf("%w: %v", materializer.ErrUpstreamUnavailable, ferr)
			}
			meta = fetched
		}
		initial := materializer.DocumentProcessing
		if webhookURL != "" {
			initial = materializer.DocumentPending
		}
		for _, d := range meta.Documents {
			newDocs = append(newDocs, materializer.NewDocument(uuid.NewString(), processNumber, d.DocumentID, d.Name, d.MimeType, d.SourceHandle, initial))
		}
		docs = newDocs
	}

	job := materializer.NewJob(processNumber, webhookURL)
	job.ID = uuid.NewString()
	job.TotalDocuments = len(docs)
	job.RecomputeProgress()

	// Only seed documents that don't already exist; a process with a
	// prior document set that is not all AVAILABLE (e.g. some FAILED) is
	// reused by the new Job as-is, never re-inserted.
	if err := s.store.InsertJob(ctx, &job, newDocs); err != nil {
		if store.IsUniqueViolation(err) {
			active, gerr := s.store.GetActiveJobByProcess(ctx, processNumber)
			if gerr != nil {
				return Result{}, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, gerr)
			}
			pm.ObserveSchedulerDecision(pm.DecisionReusedActive)
			return s.reuseResult(ctx, processNumber, active.ID, DecisionReusedActive)
		}
		return Result{}, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
	}

	if err := s.broker.Enqueue(ctx, job.ID); err != nil {
		return Result{}, fmt.Errorf("%w: enqueue ticket: %v", materializer.ErrStorageUnavailable, err)
	}

	pm.ObserveSchedulerDecision(pm.DecisionAdmitted)
	return s.buildSummary(ctx, *proc, docs, job.ID, DecisionAdmitted)
}

func (s *Scheduler) reuseResult(ctx context.Context, processNumber, jobID string, decision Decision) (Result, error) {
	proc, err := s.store.GetProcess(ctx, processNumber)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
	}
	docs, err := s.store.ListDocumentsByProcess(ctx, processNumber)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", materializer.ErrStorageUnavailable, err)
	}
	return s.buildSummary(ctx, *proc, docs, jobID, decision)
}

func (s *Scheduler) buildSummary(ctx context.Context, proc materializer.Process, docs []materializer.Document, jobID string, decision Decision) (Result, error) {
	views := make([]DocumentView, 0, len(docs))
	for _, d := range docs {
		v := DocumentView{
			ID: d.ID, UUID: d.UUID, Name: d.Name, MimeType: d.MimeType,
			Size: d.Size, Status: d.Status, ErrorMessage: d.ErrorMessage,
		}
		if d.Status == materializer.DocumentAvailable && d.BlobKey != "" {
			if url, err := s.blob.PresignGet(ctx, d.BlobKey, s.blobURLTTL); err == nil {
				v.DownloadURL = url
			}
		}
		views = append(views, v)
	}
	return Result{
		JobID:    jobID,
		Decision: decision,
		Summary: ProcessSummary{
			ProcessNumber: proc.ProcessNumber,
			Court:         proc.Court,
			Subject:       proc.Subject,
			JobID:         jobID,
			Documents:     views,
		},
	}, nil
}

func allAvailable(docs []materializer.Document) bool {
	for _, d := range docs {
		if d.Status != materializer.DocumentAvailable {
			return false
		}
	}
	return true
}
