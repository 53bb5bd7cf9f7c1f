package jobs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/domain"
	"kbengine/internal/jobs"
	"kbengine/internal/testutil"
)

func newManager(t *testing.T) (*jobs.Manager, *testutil.MemStore) {
	t.Helper()
	store := testutil.NewMemStore()
	return jobs.NewManager(store, zerolog.Nop(), jobs.FilterSnapshot{MaxContainerDepth: 3}), store
}

func testDocument(store *testutil.MemStore, t *testing.T) *domain.Document {
	t.Helper()
	doc := &domain.Document{
		ID:               uuid.New(),
		KnowledgeSpaceID: uuid.New(),
		OriginalID:       uuid.New(),
		Filename:         "report.pdf",
		MIMEType:         "application/pdf",
		Status:           domain.DocumentStatusUploaded,
	}
	if err := store.Documents().Create(context.Background(), doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func TestCreateJobIdempotent(t *testing.T) {
	m, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	first, err := m.CreateContentExtractionJob(ctx, doc, uuid.New(), false, "")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := m.CreateContentExtractionJob(ctx, doc, uuid.New(), false, "")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("job ids differ: %s vs %s", first.ID, second.ID)
	}
	if n := store.JobCount(domain.JobTypeContentExtraction); n != 1 {
		t.Fatalf("job rows = %d, want 1", n)
	}
}

func TestCreateJobForceSupersedes(t *testing.T) {
	m, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	first, err := m.CreateContentExtractionJob(ctx, doc, uuid.New(), false, "")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := m.CreateContentExtractionJob(ctx, doc, uuid.New(), true, "")
	if err != nil {
		t.Fatalf("forced create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("forced create returned the superseded job")
	}
	old, err := m.GetJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("get superseded job: %v", err)
	}
	if old.Status != domain.JobStatusAborted {
		t.Fatalf("superseded status = %s, want ABORTED", old.Status)
	}
	if second.Status != domain.JobStatusPending {
		t.Fatalf("new job status = %s, want PENDING", second.Status)
	}
}

func TestStartJobIdempotent(t *testing.T) {
	m, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	job, err := m.CreateContentExtractionJob(ctx, doc, uuid.New(), false, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	started, err := m.StartJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if started.Status != domain.JobStatusRunning {
		t.Fatalf("status = %s, want RUNNING", started.Status)
	}
	again, err := m.StartJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if again.Status != domain.JobStatusRunning {
		t.Fatalf("status after restart = %s, want RUNNING", again.Status)
	}
}

func TestFinalizeJobStagesEventsAtomically(t *testing.T) {
	m, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	job, err := m.CreateChunkingJob(ctx, doc, uuid.New(), false, "paragraph")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	event, err := domain.NewEvent(uuid.New(), doc.ID, domain.EventDocumentChunkingCompleted, domain.DocumentChunkingCompletedPayload{
		DocumentID: doc.ID,
		JobID:      job.ID,
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if _, err := m.FinalizeJob(ctx, job.ID, domain.JobStatusCompleted, domain.JobUpdate{}, event); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	events := store.EventsForAggregate(doc.ID)
	if len(events) != 1 {
		t.Fatalf("staged events = %d, want 1", len(events))
	}
	if events[0].Status != domain.EventStatusPending {
		t.Fatalf("event status = %s, want PENDING", events[0].Status)
	}
}

func TestFinalizeTerminalJobFailsLoudly(t *testing.T) {
	m, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	job, err := m.CreateChunkingJob(ctx, doc, uuid.New(), false, "paragraph")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.FinalizeJob(ctx, job.ID, domain.JobStatusCompleted, domain.JobUpdate{}); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	_, err = m.FinalizeJob(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{ErrorMessage: "late worker"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second finalize error = %v, want ErrInvalidTransition", err)
	}
}

func TestFinalizeRejectsNonTerminalTarget(t *testing.T) {
	m, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	job, err := m.CreateChunkingJob(ctx, doc, uuid.New(), false, "paragraph")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.FinalizeJob(ctx, job.ID, domain.JobStatusRunning, domain.JobUpdate{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("finalize to RUNNING error = %v, want ErrInvalidTransition", err)
	}
}

func TestOutboxRollbackLeavesNoEvent(t *testing.T) {
	_, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx domain.Store) error {
		event, err := domain.NewEvent(uuid.New(), doc.ID, domain.EventDocumentRegistered, domain.DocumentRegisteredPayload{DocumentID: doc.ID})
		if err != nil {
			return err
		}
		if err := tx.Events().Stage(ctx, event); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tx error = %v, want boom", err)
	}
	if events := store.EventsForAggregate(doc.ID); len(events) != 0 {
		t.Fatalf("events after rollback = %d, want 0", len(events))
	}
}

func TestStageOutsideTransactionRejected(t *testing.T) {
	_, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	event, err := domain.NewEvent(uuid.New(), doc.ID, domain.EventDocumentRegistered, domain.DocumentRegisteredPayload{DocumentID: doc.ID})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := store.Events().Stage(ctx, event); !errors.Is(err, domain.ErrNoTransaction) {
		t.Fatalf("stage error = %v, want ErrNoTransaction", err)
	}
}

func TestAbortJobsForDocuments(t *testing.T) {
	m, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	job, err := m.CreateContentExtractionJob(ctx, doc, uuid.New(), false, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := m.AbortJobsForDocuments(ctx, []uuid.UUID{doc.ID}, nil, "document deleted")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if n != 1 {
		t.Fatalf("aborted = %d, want 1", n)
	}
	got, err := m.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusAborted {
		t.Fatalf("status = %s, want ABORTED", got.Status)
	}
	if got.ErrorMessage != "document deleted" {
		t.Fatalf("error_message = %q, want reason recorded", got.ErrorMessage)
	}
}

func TestAssetAnalysisJobsExemptFromSingleActive(t *testing.T) {
	m, store := newManager(t)
	doc := testDocument(store, t)
	ctx := context.Background()

	a, err := m.CreateAssetAnalysisJob(ctx, doc, uuid.New(), uuid.New(), false, "")
	if err != nil {
		t.Fatalf("first analysis job: %v", err)
	}
	b, err := m.CreateAssetAnalysisJob(ctx, doc, uuid.New(), uuid.New(), false, "")
	if err != nil {
		t.Fatalf("second analysis job: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("analysis jobs deduplicated, want one per asset")
	}
}
