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

// Package materializer contains the shared data models and sentinel
// errors used by the store, statusmgr, scheduler, worker, projection,
// and api packages.
package materializer

import (
	"errors"
	"time"
)

// Sentinel errors returned across component boundaries. Tested with
// errors.Is; never compared by string.
var (
	ErrProcessNotFound    = errors.New("materializer: process not found")
	ErrJobNotFound        = errors.New("materializer: job not found")
	ErrDocumentNotFound   = errors.New("materializer: document not found")
	ErrActiveJobExists    = errors.New("materializer: an active job already exists for this process")
	ErrInvalidTransition  = errors.New("materializer: invalid state transition")
	ErrInvalidWebhookURL  = errors.New("materializer: invalid webhook url")
	ErrUpstreamUnavailable = errors.New("materializer: upstream metadata unavailable")
	ErrStorageUnavailable = errors.New("materializer: storage unavailable")
)

// DocumentStatus is the lifecycle state of a single document belonging
// to a process. AVAILABLE is terminal and immutable; FAILED is the
// only state from which a retry (FAILED -> PROCESSING) is legal.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentAvailable  DocumentStatus = "AVAILABLE"
	DocumentFailed     DocumentStatus = "FAILED"
)

// Valid reports whether s is one of the closed set of document states.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentPending, DocumentProcessing, DocumentAvailable, DocumentFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal document state.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocumentAvailable, DocumentFailed:
		return true
	default:
		return false
	}
}

func (s DocumentStatus) String() string { return string(s) }

// JobStatus is the lifecycle state of a materialization job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Valid reports whether s is one of the closed set of job states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal job state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s counts toward the at-most-one-active-job
// invariant (I3).
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobProcessing
}

func (s JobStatus) String() string { return string(s) }

// EventLevel is the severity of a JobEvent log entry.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

func (l EventLevel) String() string { return string(l) }

// Process represents one court process known to the system.
type Process struct {
	ProcessNumber string // unique external identifier
	Court         string
	Subject       string
	Summary       []byte // opaque upstream metadata blob, stored as-is
	HasDocuments  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Document is one file belonging to a Process.
type Document struct {
	ID                  string // stable external document id
	UUID                string // generated identity, surfaced in the webhook payload
	ProcessRef          string
	Name                string
	MimeType            string
	Size                int64 // known only after a successful download
	SourceHandle        string
	BlobKey             string
	Status              DocumentStatus
	ErrorMessage        string
	DownloadStartedAt   *time.Time
	DownloadCompletedAt *time.Time
}

// NewDocument constructs a Document in its initial status. The
// Scheduler passes PENDING or PROCESSING per its admission rule in
// §4.1 of the specification (webhookUrl present => PENDING; absent =>
// PROCESSING, since there is no meaningful "pending" state to a poller);
// the constructor itself accepts any status and does not check it.
func NewDocument(uuid, processRef, id, name, mimeType, sourceHandle string, initial DocumentStatus) Document {
	return Document{
		ID:           id,
		UUID:         uuid,
		ProcessRef:   processRef,
		Name:         name,
		MimeType:     mimeType,
		SourceHandle: sourceHandle,
		Status:       initial,
	}
}

// Job is one unit of "materialize this process" work.
type Job struct {
	ID                  string
	ProcessRef          string
	WebhookURL          string
	Status              JobStatus
	TotalDocuments       int
	CompletedDocuments   int
	FailedDocuments      int
	ProgressPercentage   int
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	WebhookSent          bool
	WebhookSentAt        *time.Time
	WebhookAttempts      int
	WebhookLastError     string
	ErrorMessage         string
}

// NewJob constructs a Job in PENDING status. Caller assigns a unique
// ID (uuid.NewString()) before persistence.
func NewJob(processRef, webhookURL string) Job {
	return Job{
		ProcessRef: processRef,
		WebhookURL: webhookURL,
		Status:     JobPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// RecomputeProgress enforces invariants (I1) and (I2) from the current
// counters. Call after every counter mutation, before persisting.
func (j *Job) RecomputeProgress() {
	total := j.TotalDocuments
	if total < 1 {
		total = 1
	}
	done := j.CompletedDocuments + j.FailedDocuments
	j.ProgressPercentage = 100 * done / total
}

// JobEvent is an append-only observability record for a Job. It
// participates in no invariant; it exists purely so operators can see
// what a worker did to a job without re-deriving it from status
// columns alone.
type JobEvent struct {
	ID      int64
	JobID   string
	Time    time.Time
	Level   EventLevel
	Message string
}
