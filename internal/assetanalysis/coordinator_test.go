package assetanalysis_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/assetanalysis"
	"kbengine/internal/domain"
	"kbengine/internal/jobs"
	"kbengine/internal/testutil"
)

func status(s domain.JobStatus) *domain.JobStatus { return &s }

func TestDecide(t *testing.T) {
	cases := []struct {
		name      string
		force     bool
		hasResult bool
		linked    *domain.JobStatus
		want      assetanalysis.Action
	}{
		{"force with linked job", true, true, status(domain.JobStatusCompleted), assetanalysis.ActionDeleteAndRecreate},
		{"force without linked job", true, false, nil, assetanalysis.ActionCreateNew},
		{"completed result", false, true, nil, assetanalysis.ActionSkip},
		{"no linked job", false, false, nil, assetanalysis.ActionCreateNew},
		{"linked pending", false, false, status(domain.JobStatusPending), assetanalysis.ActionSkip},
		{"linked running", false, false, status(domain.JobStatusRunning), assetanalysis.ActionSkip},
		{"linked completed", false, false, status(domain.JobStatusCompleted), assetanalysis.ActionSkip},
		{"linked failed", false, false, status(domain.JobStatusFailed), assetanalysis.ActionDeleteAndRecreate},
		{"linked aborted", false, false, status(domain.JobStatusAborted), assetanalysis.ActionDeleteAndRecreate},
		{"linked cancelled", false, false, status(domain.JobStatusCancelled), assetanalysis.ActionDeleteAndRecreate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := assetanalysis.Decide(tc.force, tc.hasResult, tc.linked)
			if got != tc.want {
				t.Fatalf("Decide(%v, %v, %v) = %s, want %s", tc.force, tc.hasResult, tc.linked, got, tc.want)
			}
		})
	}
}

func TestExtractAssetIDs(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	content := []byte("Intro asset://" + a.String() + " middle asset://" + b.String() +
		" repeat asset://" + a.String() + " malformed asset://not-a-uuid-at-all-nope-zz end")
	ids := assetanalysis.ExtractAssetIDs(content)
	if len(ids) != 2 {
		t.Fatalf("ids = %d, want 2", len(ids))
	}
	if ids[0] != a || ids[1] != b {
		t.Fatalf("ids = %v, want [%s %s]", ids, a, b)
	}
}

type fixture struct {
	store *testutil.MemStore
	coord *assetanalysis.Coordinator
	doc   *domain.Document
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMemStore()
	manager := jobs.NewManager(store, zerolog.Nop(), jobs.FilterSnapshot{})
	coord := assetanalysis.NewCoordinator(store, manager, zerolog.Nop())
	doc := &domain.Document{
		ID:               uuid.New(),
		KnowledgeSpaceID: uuid.New(),
		OriginalID:       uuid.New(),
		Filename:         "deck.pptx",
		Status:           domain.DocumentStatusProcessed,
	}
	if err := store.Documents().Create(context.Background(), doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return &fixture{store: store, coord: coord, doc: doc}
}

func (f *fixture) addAsset(t *testing.T, hash string) uuid.UUID {
	t.Helper()
	blob := &domain.Blob{
		ID:          uuid.New(),
		Kind:        domain.BlobAsset,
		ContentHash: hash,
		StorageKey:  "cas/" + hash,
		MIMEType:    "image/png",
		SizeBytes:   4,
	}
	if err := f.store.Blobs().Insert(context.Background(), blob); err != nil {
		t.Fatalf("insert asset: %v", err)
	}
	return blob.ID
}

func TestReconcileHealsMissingContexts(t *testing.T) {
	f := newFixture(t)
	assetID := f.addAsset(t, "aa11")

	report, err := f.coord.Reconcile(context.Background(), f.doc, []uuid.UUID{assetID}, false, uuid.New())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.ContextsHealed != 1 {
		t.Fatalf("contexts_healed = %d, want 1", report.ContextsHealed)
	}
	if report.JobsCreated != 1 {
		t.Fatalf("jobs_created = %d, want 1", report.JobsCreated)
	}
	dac, err := f.store.AssetContexts().Get(context.Background(), f.doc.ID, assetID)
	if err != nil {
		t.Fatalf("healed context missing: %v", err)
	}
	if dac.AnalysisJobID == nil {
		t.Fatalf("healed context has no linked job")
	}
}

func TestReconcilePhantomAssetCountedAsAnomaly(t *testing.T) {
	f := newFixture(t)
	phantom := uuid.New()

	report, err := f.coord.Reconcile(context.Background(), f.doc, []uuid.UUID{phantom}, false, uuid.New())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Anomalies != 1 {
		t.Fatalf("anomalies = %d, want 1", report.Anomalies)
	}
	if report.JobsCreated != 0 {
		t.Fatalf("jobs_created = %d, want 0 for phantom asset", report.JobsCreated)
	}
	if _, err := f.store.AssetContexts().Get(context.Background(), f.doc.ID, phantom); err == nil {
		t.Fatalf("context fabricated for phantom asset")
	}
}

func TestReconcileConvergesToFixedPoint(t *testing.T) {
	f := newFixture(t)
	assets := []uuid.UUID{f.addAsset(t, "bb22"), f.addAsset(t, "cc33")}
	ctx := context.Background()

	first, err := f.coord.Reconcile(ctx, f.doc, assets, false, uuid.New())
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if first.JobsCreated != 2 {
		t.Fatalf("first jobs_created = %d, want 2", first.JobsCreated)
	}

	second, err := f.coord.Reconcile(ctx, f.doc, assets, false, uuid.New())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.JobsCreated != 0 || second.OldJobsDeleted != 0 {
		t.Fatalf("second run = %d created, %d deleted, want 0/0", second.JobsCreated, second.OldJobsDeleted)
	}
	if second.Skipped != 2 {
		t.Fatalf("second skipped = %d, want 2", second.Skipped)
	}
	if n := f.store.JobCount(domain.JobTypeAssetAnalysis); n != 2 {
		t.Fatalf("analysis job rows = %d, want 2", n)
	}
}

func TestReconcileRecreatesAfterFailedJob(t *testing.T) {
	f := newFixture(t)
	assetID := f.addAsset(t, "dd44")
	ctx := context.Background()

	first, err := f.coord.Reconcile(ctx, f.doc, []uuid.UUID{assetID}, false, uuid.New())
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	failedID := first.CreatedJobIDs[0]
	if _, err := f.store.Jobs().Transition(ctx, failedID,
		[]domain.JobStatus{domain.JobStatusPending},
		domain.JobStatusFailed,
		domain.JobUpdate{ErrorMessage: "vision timeout"},
	); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	second, err := f.coord.Reconcile(ctx, f.doc, []uuid.UUID{assetID}, false, uuid.New())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.OldJobsDeleted != 1 || second.JobsCreated != 1 {
		t.Fatalf("second run = %d deleted, %d created, want 1/1", second.OldJobsDeleted, second.JobsCreated)
	}
	if _, err := f.store.Jobs().GetByID(ctx, failedID); err == nil {
		t.Fatalf("failed job row survived delete-and-recreate")
	}
}

func TestReconcileSkipsCompletedResult(t *testing.T) {
	f := newFixture(t)
	assetID := f.addAsset(t, "ee55")
	ctx := context.Background()

	first, err := f.coord.Reconcile(ctx, f.doc, []uuid.UUID{assetID}, false, uuid.New())
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	dac, err := f.store.AssetContexts().Get(ctx, f.doc.ID, assetID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	result, _ := json.Marshal(map[string]string{"description": "a chart"})
	if err := f.store.AssetContexts().SetResult(ctx, dac.ID, result); err != nil {
		t.Fatalf("set result: %v", err)
	}
	if _, err := f.store.Jobs().Transition(ctx, first.CreatedJobIDs[0],
		[]domain.JobStatus{domain.JobStatusPending},
		domain.JobStatusCompleted, domain.JobUpdate{},
	); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	second, err := f.coord.Reconcile(ctx, f.doc, []uuid.UUID{assetID}, false, uuid.New())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.Skipped != 1 || second.JobsCreated != 0 {
		t.Fatalf("second run = %d skipped, %d created, want 1/0", second.Skipped, second.JobsCreated)
	}

	forced, err := f.coord.Reconcile(ctx, f.doc, []uuid.UUID{assetID}, true, uuid.New())
	if err != nil {
		t.Fatalf("forced reconcile: %v", err)
	}
	if forced.OldJobsDeleted != 1 || forced.JobsCreated != 1 {
		t.Fatalf("forced run = %d deleted, %d created, want 1/1", forced.OldJobsDeleted, forced.JobsCreated)
	}
}
