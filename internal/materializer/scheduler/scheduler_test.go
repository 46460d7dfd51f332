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

package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"materializer/internal/materializer/statusmgr"
	"materializer/internal/materializer/store"
	"materializer/internal/materializer/upstream"
	"materializer/pkg/materializer"
)

type fakeBroker struct {
	mu        sync.Mutex
	enqueued  []string
}

func (b *fakeBroker) Enqueue(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued = append(b.enqueued, jobID)
	return nil
}

type fakeBlob struct{}

func (fakeBlob) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.internal/fetch/" + key, nil
}

type fakeUpstream struct {
	metadata map[string]*upstream.ProcessMetadata
	calls    int
}

func (f *fakeUpstream) FetchProcessMetadata(ctx context.Context, processNumber string) (*upstream.ProcessMetadata, error) {
	f.calls++
	if m, ok := f.metadata[processNumber]; ok {
		return m, nil
	}
	return nil, errors.New("process not found upstream")
}

func (f *fakeUpstream) FetchDocument(ctx context.Context, sourceHandle string) (*upstream.FetchedDocument, error) {
	return &upstream.FetchedDocument{Data: []byte("bytes"), MimeType: "application/pdf", Size: 5}, nil
}

func newTestScheduler(t *testing.T, up *fakeUpstream) (*Scheduler, *store.Store, *fakeBroker) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	br := &fakeBroker{}
	policy := statusmgr.WebhookURLPolicy{AllowLoopbackHTTP: true}
	sched := New(st, br, up, fakeBlob{}, policy, time.Hour)
	return sched, st, br
}

func TestAdmitFreshProcessAdmitsNewJob(t *testing.T) {
	up := &fakeUpstream{metadata: map[string]*upstream.ProcessMetadata{
		"P1": {
			ProcessNumber: "P1", Court: "TJSP", Subject: "Dispute",
			Documents: []upstream.DocumentHandle{
				{DocumentID: "doc-1", Name: "petition.pdf", MimeType: "application/pdf", SourceHandle: "https://portal/d/1"},
				{DocumentID: "doc-2", Name: "exhibit.pdf", MimeType: "application/pdf", SourceHandle: "https://portal/d/2"},
			},
		},
	}}
	sched, _, br := newTestScheduler(t, up)

	result, err := sched.Admit(context.Background(), "P1", "", true)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.Decision != DecisionAdmitted {
		t.Fatalf("expected ADMITTED, got %s", result.Decision)
	}
	if result.JobID == "" {
		t.Fatal("expected a job id")
	}
	if len(result.Summary.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(result.Summary.Documents))
	}
	// No webhookUrl => documents start PROCESSING per the admission rule.
	for _, d := range result.Summary.Documents {
		if d.Status != materializer.DocumentProcessing {
			t.Errorf("expected PROCESSING without webhook, got %s", d.Status)
		}
	}
	if len(br.enqueued) != 1 || br.enqueued[0] != result.JobID {
		t.Fatalf("expected job enqueued on the broker, got %+v", br.enqueued)
	}
}

func TestAdmitWithWebhookSeedsDocumentsPending(t *testing.T) {
	up := &fakeUpstream{metadata: map[string]*upstream.ProcessMetadata{
		"P1": {ProcessNumber: "P1", Court: "TJSP", Subject: "Dispute", Documents: []upstream.DocumentHandle{
			{DocumentID: "doc-1", Name: "petition.pdf", SourceHandle: "https://portal/d/1"},
		}},
	}}
	sched, _, _ := newTestScheduler(t, up)

	result, err := sched.Admit(context.Background(), "P1", "https://example.com/hook", true)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.Summary.Documents[0].Status != materializer.DocumentPending {
		t.Fatalf("expected PENDING with webhook, got %s", result.Summary.Documents[0].Status)
	}
}

func TestAdmitRejectsInvalidWebhookURL(t *testing.T) {
	sched, _, _ := newTestScheduler(t, &fakeUpstream{metadata: map[string]*upstream.ProcessMetadata{}})
	_, err := sched.Admit(context.Background(), "P1", "ftp://bad", true)
	if !errors.Is(err, materializer.ErrInvalidWebhookURL) {
		t.Fatalf("expected ErrInvalidWebhookURL, got %v", err)
	}
}

func TestAdmitReusesActiveJob(t *testing.T) {
	up := &fakeUpstream{metadata: map[string]*upstream.ProcessMetadata{
		"P1": {ProcessNumber: "P1", Court: "TJSP", Subject: "Dispute", Documents: []upstream.DocumentHandle{
			{DocumentID: "doc-1", Name: "petition.pdf", SourceHandle: "https://portal/d/1"},
		}},
	}}
	sched, _, br := newTestScheduler(t, up)

	first, err := sched.Admit(context.Background(), "P1", "", true)
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	second, err := sched.Admit(context.Background(), "P1", "", true)
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if second.Decision != DecisionReusedActive {
		t.Fatalf("expected REUSED_ACTIVE, got %s", second.Decision)
	}
	if second.JobID != first.JobID {
		t.Fatalf("expected same job id reused, got %s vs %s", second.JobID, first.JobID)
	}
	if len(br.enqueued) != 1 {
		t.Fatalf("expected exactly 1 enqueue across both calls, got %d", len(br.enqueued))
	}
	if up.calls != 1 {
		t.Fatalf("expected upstream fetched only once, got %d calls", up.calls)
	}
}

func TestAdmitReusesCompletedResultWithoutNewJob(t *testing.T) {
	up := &fakeUpstream{metadata: map[string]*upstream.ProcessMetadata{
		"P1": {ProcessNumber: "P1", Court: "TJSP", Subject: "Dispute", Documents: []upstream.DocumentHandle{
			{DocumentID: "doc-1", Name: "petition.pdf", SourceHandle: "https://portal/d/1"},
		}},
	}}
	sched, st, br := newTestScheduler(t, up)
	ctx := context.Background()

	first, err := sched.Admit(ctx, "P1", "", true)
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	// Simulate the worker completing the job and the document.
	docs, err := st.ListDocumentsByProcess(ctx, "P1")
	if err != nil {
		t.Fatalf("ListDocumentsByProcess: %v", err)
	}
	docs[0].Status = materializer.DocumentAvailable
	docs[0].BlobKey = "processes/P1/documents/doc-1/petition.pdf"
	if err := st.UpdateDocument(ctx, docs[0]); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	job, err := st.GetJob(ctx, first.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	job.Status = materializer.JobCompleted
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.CompletedDocuments = 1
	job.ProgressPercentage = 100
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	second, err := sched.Admit(ctx, "P1", "", true)
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if second.Decision != DecisionReusedComplete {
		t.Fatalf("expected REUSED_COMPLETE, got %s", second.Decision)
	}
	if second.Summary.Documents[0].DownloadURL == "" {
		t.Fatal("expected a presigned download url for the already-available document")
	}
	if len(br.enqueued) != 1 {
		t.Fatalf("expected no additional enqueue on reuse, got %d total", len(br.enqueued))
	}
}

func TestAdmitEmptyProcessNumber(t *testing.T) {
	sched, _, _ := newTestScheduler(t, &fakeUpstream{metadata: map[string]*upstream.ProcessMetadata{}})
	_, err := sched.Admit(context.Background(), "", "", true)
	if !errors.Is(err, materializer.ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestAdmitUpstreamUnavailableSurfacesWrappedError(t *testing.T) {
	sched, _, _ := newTestScheduler(t, &fakeUpstream{metadata: map[string]*upstream.ProcessMetadata{}})
	_, err := sched.Admit(context.Background(), "unknown-process", "", true)
	if !errors.Is(err, materializer.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}
