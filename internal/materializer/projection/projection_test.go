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

package projection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"materializer/internal/materializer/store"
	"materializer/pkg/materializer"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fakeBlob struct{}

func (fakeBlob) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.internal/fetch/" + key, nil
}

func TestGetProcessNotFound(t *testing.T) {
	st := openTestStore(t)
	p := New(st, fakeBlob{}, time.Hour)
	_, err := p.Get(context.Background(), "missing")
	if !errors.Is(err, materializer.ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestGetAggregatesCountsAndStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.UpsertProcess(ctx, materializer.Process{ProcessNumber: "P1", Court: "TJSP", Subject: "s"}); err != nil {
		t.Fatalf("UpsertProcess: %v", err)
	}
	job := materializer.NewJob("P1", "https://example.com/hook")
	job.ID = "job-1"
	job.TotalDocuments = 3
	seed := []materializer.Document{
		materializer.NewDocument("u1", "P1", "d1", "a.pdf", "application/pdf", "h1", materializer.DocumentAvailable),
		materializer.NewDocument("u2", "P1", "d2", "b.pdf", "application/pdf", "h2", materializer.DocumentProcessing),
		materializer.NewDocument("u3", "P1", "d3", "c.pdf", "application/pdf", "h3", materializer.DocumentFailed),
	}
	seed[0].BlobKey = "processes/P1/documents/d1/a.pdf"
	if err := st.InsertJob(ctx, &job, seed); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	job.Status = materializer.JobProcessing
	started := time.Now().UTC()
	job.StartedAt = &started
	if err := st.UpdateJob(ctx, &job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	p := New(st, fakeBlob{}, time.Hour)
	status, err := p.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status.TotalDocuments != 3 || status.CompletedDocuments != 1 || status.ProcessingDocuments != 1 || status.FailedDocuments != 1 {
		t.Fatalf("unexpected counts: %+v", status)
	}
	if status.OverallStatus != "processing" {
		t.Fatalf("expected overall status 'processing', got %q", status.OverallStatus)
	}
	if status.JobID != "job-1" || status.WebhookURL != "https://example.com/hook" {
		t.Fatalf("expected job fields surfaced, got %+v", status)
	}

	var availableDoc *Document
	for i := range status.Documents {
		if status.Documents[i].Status == "available" {
			availableDoc = &status.Documents[i]
		}
	}
	if availableDoc == nil || availableDoc.DownloadURL == "" {
		t.Fatalf("expected a presigned download url for the available document, got %+v", status.Documents)
	}
}

func TestOverallStatusCompletedWhenAllDocumentsAvailable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.UpsertProcess(ctx, materializer.Process{ProcessNumber: "P1", Court: "TJSP", Subject: "s"}); err != nil {
		t.Fatalf("UpsertProcess: %v", err)
	}
	job := materializer.NewJob("P1", "")
	job.ID = "job-1"
	seed := []materializer.Document{
		materializer.NewDocument("u1", "P1", "d1", "a.pdf", "application/pdf", "h1", materializer.DocumentAvailable),
	}
	job.TotalDocuments = 1
	if err := st.InsertJob(ctx, &job, seed); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	p := New(st, fakeBlob{}, time.Hour)
	status, err := p.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status.OverallStatus != "completed" {
		t.Fatalf("expected 'completed', got %q", status.OverallStatus)
	}
	if status.ProgressPercentage != 100 {
		t.Fatalf("expected 100%%, got %d", status.ProgressPercentage)
	}
}

func TestOverallStatusFailedWhenAllDocumentsFailed(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.UpsertProcess(ctx, materializer.Process{ProcessNumber: "P1", Court: "TJSP", Subject: "s"}); err != nil {
		t.Fatalf("UpsertProcess: %v", err)
	}
	job := materializer.NewJob("P1", "")
	job.ID = "job-1"
	seed := []materializer.Document{
		materializer.NewDocument("u1", "P1", "d1", "a.pdf", "application/pdf", "h1", materializer.DocumentFailed),
	}
	job.TotalDocuments = 1
	if err := st.InsertJob(ctx, &job, seed); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	p := New(st, fakeBlob{}, time.Hour)
	status, err := p.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status.OverallStatus != "failed" {
		t.Fatalf("expected 'failed', got %q", status.OverallStatus)
	}
}

func TestOverallStatusPendingWithNoActivity(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.UpsertProcess(ctx, materializer.Process{ProcessNumber: "P1", Court: "TJSP", Subject: "s"}); err != nil {
		t.Fatalf("UpsertProcess: %v", err)
	}
	job := materializer.NewJob("P1", "")
	job.ID = "job-1"
	seed := []materializer.Document{
		materializer.NewDocument("u1", "P1", "d1", "a.pdf", "application/pdf", "h1", materializer.DocumentPending),
	}
	job.TotalDocuments = 1
	if err := st.InsertJob(ctx, &job, seed); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	p := New(st, fakeBlob{}, time.Hour)
	status, err := p.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status.OverallStatus != "pending" {
		t.Fatalf("expected 'pending', got %q", status.OverallStatus)
	}
}
