package decompose

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/cas"
	"kbengine/internal/domain"
	"kbengine/internal/jobs"
	"kbengine/internal/storage"
	"kbengine/internal/testutil"
)

type engineFixture struct {
	store  *testutil.MemStore
	cas    *cas.Store
	engine *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := testutil.NewMemStore()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	casStore := cas.NewStore(store, files, zerolog.Nop())
	manager := jobs.NewManager(store, zerolog.Nop(), jobs.FilterSnapshot{})
	return &engineFixture{
		store:  store,
		cas:    casStore,
		engine: NewEngine(casStore, store, manager, zerolog.Nop()),
	}
}

func (f *engineFixture) parentDocument(t *testing.T, raw []byte) *domain.Document {
	t.Helper()
	handle, err := f.cas.Intern(context.Background(), domain.BlobOriginal, raw, "composite.docx", mimeDOCX)
	if err != nil {
		t.Fatalf("intern parent: %v", err)
	}
	doc := &domain.Document{
		ID:               uuid.New(),
		KnowledgeSpaceID: uuid.New(),
		OriginalID:       handle.ID,
		Filename:         "composite.docx",
		MIMEType:         mimeDOCX,
		Status:           domain.DocumentStatusRunning,
	}
	if err := f.store.Documents().Create(context.Background(), doc); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	return doc
}

func testFilters() jobs.FilterSnapshot {
	return jobs.FilterSnapshot{
		AllowedMIMETypes:  []string{mimePDF, mimePNG, mimeDOCX},
		LegacySkipFormats: []string{"application/msword"},
		MaxContainerDepth: 3,
	}
}

// The end-to-end filter scenario: a composite with one legacy-wrapped PDF and
// one unsupported executable yields exactly one child (the unwrapped PDF,
// renamed), one skip, and a rewritten parent.
func TestRunWrappedPDFAndExecutable(t *testing.T) {
	f := newEngineFixture(t)
	pdf := []byte("%PDF-1.4\nembedded report\n%%EOF")
	pkg := buildZip(t, map[string][]byte{
		"word/document.xml":              []byte("<w/>"),
		"word/embeddings/oleObject1.bin": wrapInOLE(t, pdf),
		"word/embeddings/setup.exe":      []byte("MZ executable payload"),
	})
	parent := f.parentDocument(t, pkg)

	result, err := f.engine.Run(context.Background(), parent, pkg, Options{
		Filters:       testFilters(),
		InitiatorID:   uuid.New(),
		CorrelationID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.CreatedDocumentIDs) != 1 {
		t.Fatalf("created = %d, want 1", len(result.CreatedDocumentIDs))
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("skipped = %d, want 1", len(result.Skipped))
	}
	if result.Skipped[0].Path != "word/embeddings/setup.exe" {
		t.Fatalf("skipped path = %q", result.Skipped[0].Path)
	}
	if !result.Rewritten {
		t.Fatalf("expected parent rewrite")
	}

	child, err := f.store.Documents().GetByID(context.Background(), result.CreatedDocumentIDs[0])
	if err != nil {
		t.Fatalf("load child: %v", err)
	}
	if child.MIMEType != mimePDF {
		t.Fatalf("child mime = %q, want %q", child.MIMEType, mimePDF)
	}
	if !strings.HasSuffix(child.Filename, ".pdf") {
		t.Fatalf("child filename = %q, want .pdf extension", child.Filename)
	}
	if child.ParentDocumentID == nil || *child.ParentDocumentID != parent.ID {
		t.Fatalf("child parent link wrong")
	}

	// Registration event staged for the child.
	events := f.store.EventsForAggregate(child.ID)
	if len(events) != 1 || events[0].EventType != domain.EventDocumentRegistered {
		t.Fatalf("child events = %v, want one DocumentRegistered", events)
	}

	// The child's stored bytes are the unwrapped PDF, not the envelope.
	_, data, err := f.cas.Read(context.Background(), domain.BlobOriginal, child.OriginalID)
	if err != nil {
		t.Fatalf("read child original: %v", err)
	}
	if !bytes.Equal(data, pdf) {
		t.Fatalf("child bytes are not the unwrapped payload")
	}
}

func TestRunDeduplicatesRepeatedContentWithinPass(t *testing.T) {
	f := newEngineFixture(t)
	pdf := []byte("%PDF-1.4\nsame bytes twice\n%%EOF")
	pkg := buildZip(t, map[string][]byte{
		"word/document.xml":          []byte("<w/>"),
		"word/embeddings/first.pdf":  pdf,
		"word/embeddings/second.pdf": pdf,
	})
	parent := f.parentDocument(t, pkg)

	result, err := f.engine.Run(context.Background(), parent, pkg, Options{
		Filters:       testFilters(),
		CorrelationID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.CreatedDocumentIDs) != 1 {
		t.Fatalf("created = %d, want 1 for identical content", len(result.CreatedDocumentIDs))
	}
	children, err := f.store.Documents().ListChildren(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("children = %d, want 1", len(children))
	}

	// Both entries resolve to the one child in the rewritten parent.
	_, rewritten, err := f.cas.Read(context.Background(), domain.BlobOriginal, result.EffectiveOriginalID)
	if err != nil {
		t.Fatalf("read rewritten parent: %v", err)
	}
	tag := crossRefTag(children[0].ID)
	if got := countZipEntriesContaining(t, rewritten, tag); got != 2 {
		t.Fatalf("cross-ref entries = %d, want 2", got)
	}
}

func TestRunReusesPriorChildAcrossPasses(t *testing.T) {
	f := newEngineFixture(t)
	pdf := []byte("%PDF-1.4\nshared attachment\n%%EOF")
	pkg := buildZip(t, map[string][]byte{
		"word/document.xml":           []byte("<w/>"),
		"word/embeddings/report.pdf":  pdf,
	})
	parent := f.parentDocument(t, pkg)
	ctx := context.Background()

	first, err := f.engine.Run(ctx, parent, pkg, Options{Filters: testFilters(), CorrelationID: uuid.New()})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	childID := first.CreatedDocumentIDs[0]
	if err := f.store.Documents().UpdateStatus(ctx, childID, domain.DocumentStatusProcessed); err != nil {
		t.Fatalf("mark child processed: %v", err)
	}

	// A second parent in the same knowledge space embeds the same PDF.
	other := &domain.Document{
		ID:               uuid.New(),
		KnowledgeSpaceID: parent.KnowledgeSpaceID,
		OriginalID:       parent.OriginalID,
		Filename:         "other.docx",
		MIMEType:         mimeDOCX,
		Status:           domain.DocumentStatusRunning,
	}
	if err := f.store.Documents().Create(ctx, other); err != nil {
		t.Fatalf("create second parent: %v", err)
	}
	second, err := f.engine.Run(ctx, other, pkg, Options{Filters: testFilters(), CorrelationID: uuid.New()})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.CreatedDocumentIDs) != 0 {
		t.Fatalf("second pass created = %d, want 0", len(second.CreatedDocumentIDs))
	}
	if len(second.ReusedDocumentIDs) != 1 || second.ReusedDocumentIDs[0] != childID {
		t.Fatalf("second pass reused = %v, want [%s]", second.ReusedDocumentIDs, childID)
	}

	// A PROCESSED child without force gets no new registration event.
	events := f.store.EventsForAggregate(childID)
	if len(events) != 1 {
		t.Fatalf("child events = %d, want 1 (no re-registration)", len(events))
	}
}

func TestRunForceClearsPriorChildren(t *testing.T) {
	f := newEngineFixture(t)
	pdf := []byte("%PDF-1.4\nattachment\n%%EOF")
	pkg := buildZip(t, map[string][]byte{
		"word/document.xml":          []byte("<w/>"),
		"word/embeddings/report.pdf": pdf,
	})
	parent := f.parentDocument(t, pkg)
	ctx := context.Background()

	first, err := f.engine.Run(ctx, parent, pkg, Options{Filters: testFilters(), CorrelationID: uuid.New()})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	oldChildID := first.CreatedDocumentIDs[0]

	second, err := f.engine.Run(ctx, parent, pkg, Options{
		Force:         true,
		Filters:       testFilters(),
		CorrelationID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if _, err := f.store.Documents().GetByID(ctx, oldChildID); err == nil {
		t.Fatalf("stale child survived forced re-derivation")
	}
	if len(second.CreatedDocumentIDs) != 1 {
		t.Fatalf("forced pass created = %d, want 1", len(second.CreatedDocumentIDs))
	}
	if second.CreatedDocumentIDs[0] == oldChildID {
		t.Fatalf("forced pass returned the deleted child id")
	}
}

func TestRunDepthBound(t *testing.T) {
	f := newEngineFixture(t)
	inner := buildZip(t, map[string][]byte{
		"word/document.xml":        []byte("<w/>"),
		"word/embeddings/leaf.pdf": []byte("%PDF-1.4 leaf %%EOF"),
	})
	outer := buildZip(t, map[string][]byte{
		"word/document.xml":          []byte("<w/>"),
		"word/embeddings/inner.docx": inner,
	})
	parent := f.parentDocument(t, outer)

	filters := testFilters()
	filters.MaxContainerDepth = 1
	result, err := f.engine.Run(context.Background(), parent, outer, Options{
		Filters:       filters,
		CorrelationID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The nested container itself registers, but its contents are not walked.
	if len(result.CreatedDocumentIDs) != 1 {
		t.Fatalf("created = %d, want 1 (nested container only)", len(result.CreatedDocumentIDs))
	}
	found := false
	for _, sk := range result.Skipped {
		if sk.Reason == domain.ErrDepthExceeded.Error() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected depth-exceeded skip, got %v", result.Skipped)
	}
}

func countZipEntriesContaining(t *testing.T, data []byte, needle string) int {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open rewritten zip: %v", err)
	}
	n := 0
	for _, file := range zr.File {
		rc, err := file.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", file.Name, err)
		}
		if strings.Contains(string(content), needle) {
			n++
		}
	}
	return n
}
